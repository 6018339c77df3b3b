package acceptance

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/CanopyHQ/xylem/internal/dataset"
	"github.com/CanopyHQ/xylem/internal/logger"
	"github.com/CanopyHQ/xylem/internal/mcp"
	"github.com/CanopyHQ/xylem/internal/network"
	"github.com/CanopyHQ/xylem/internal/store"
	"github.com/cucumber/godog"
)

// TestContext holds state between steps of one scenario
type TestContext struct {
	ctx     context.Context
	cancel  context.CancelFunc
	dataDir string
	workDir string

	store *store.Store

	server       *mcp.Server
	serverIn     *io.PipeWriter
	serverOut    *io.PipeReader
	serverReader *bufio.Reader
	nextID       int

	lastResponse map[string]interface{}
	lastRPCError map[string]interface{}
	lastToolText string
	lastToolErr  bool

	// CLI run state
	lastCLIStdout   string
	lastCLIStderr   string
	lastCLIExitCode int
}

// setup gives each scenario its own data directory
func (tc *TestContext) setup() error {
	dir, err := os.MkdirTemp("", "xylem-acceptance-*")
	if err != nil {
		return err
	}
	tc.dataDir = filepath.Join(dir, "data")
	tc.workDir = filepath.Join(dir, "work")
	if err := os.MkdirAll(tc.workDir, 0755); err != nil {
		return err
	}
	os.Setenv("XYLEM_DATA_DIR", tc.dataDir)
	tc.ctx, tc.cancel = context.WithCancel(context.Background())
	return nil
}

func (tc *TestContext) teardown() {
	if tc.cancel != nil {
		tc.cancel()
	}
	if tc.serverIn != nil {
		tc.serverIn.Close()
	}
	if tc.serverOut != nil {
		tc.serverOut.Close()
	}
	if tc.server != nil {
		tc.server.Stop()
	}
	if tc.store != nil {
		tc.store.Close()
	}
	if tc.dataDir != "" {
		os.RemoveAll(filepath.Dir(tc.dataDir))
	}
}

func (tc *TestContext) openStore() (*store.Store, error) {
	if tc.store != nil {
		return tc.store, nil
	}
	st, err := store.Open(tc.dataDir, logger.Nop())
	if err != nil {
		return nil, err
	}
	tc.store = st
	return st, nil
}

// Network steps

func (tc *TestContext) freshDataDir() error {
	_, err := tc.openStore()
	return err
}

func (tc *TestContext) networkDefinedAs(doc *godog.DocString) error {
	def, err := network.Parse([]byte(doc.Content))
	if err != nil {
		return err
	}
	st, err := tc.openStore()
	if err != nil {
		return err
	}
	_, err = st.SaveNetwork(tc.ctx, def.Name, doc.Content)
	return err
}

// observationsFor reads a CSV table of observations into a stored network
func (tc *TestContext) observationsFor(name string, doc *godog.DocString) error {
	data, err := dataset.ReadCSV(strings.NewReader(doc.Content))
	if err != nil {
		return err
	}
	st, err := tc.openStore()
	if err != nil {
		return err
	}
	_, err = st.AppendObservations(tc.ctx, name, data)
	return err
}

// observationCounts expands a table of rows with a trailing "count" column
func (tc *TestContext) observationCounts(name string, table *godog.Table) error {
	if len(table.Rows) < 2 {
		return fmt.Errorf("table needs a header and at least one row")
	}
	header := table.Rows[0].Cells
	if header[len(header)-1].Value != "count" {
		return fmt.Errorf("last column must be count")
	}
	var b strings.Builder
	for i, c := range header[:len(header)-1] {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(c.Value)
	}
	b.WriteByte('\n')
	for _, row := range table.Rows[1:] {
		n, err := strconv.Atoi(row.Cells[len(row.Cells)-1].Value)
		if err != nil {
			return fmt.Errorf("invalid count %q", row.Cells[len(row.Cells)-1].Value)
		}
		values := make([]string, 0, len(row.Cells)-1)
		for _, c := range row.Cells[:len(row.Cells)-1] {
			values = append(values, c.Value)
		}
		for i := 0; i < n; i++ {
			b.WriteString(strings.Join(values, ","))
			b.WriteByte('\n')
		}
	}
	return tc.observationsFor(name, &godog.DocString{Content: b.String()})
}

// MCP steps

func (tc *TestContext) mcpServerRunning() error {
	if tc.server != nil {
		return nil
	}
	st, err := store.Open(tc.dataDir, logger.Nop())
	if err != nil {
		return err
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	server, err := mcp.New(st, mcp.WithIO(inR, outW), mcp.WithVersion("acceptance"))
	if err != nil {
		st.Close()
		return err
	}
	tc.server = server
	tc.serverIn = inW
	tc.serverOut = outR
	tc.serverReader = bufio.NewReader(outR)

	go func() {
		server.Start(tc.ctx)
		outW.Close()
	}()
	return nil
}

func (tc *TestContext) send(method string, params interface{}) (map[string]interface{}, error) {
	if err := tc.mcpServerRunning(); err != nil {
		return nil, err
	}
	tc.nextID++
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      tc.nextID,
		"method":  method,
		"params":  params,
	}
	reqJSON, _ := json.Marshal(req)
	reqJSON = append(reqJSON, '\n')
	if _, err := tc.serverIn.Write(reqJSON); err != nil {
		return nil, err
	}

	line, err := tc.serverReader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	line = bytes.TrimSpace(line)
	var resp map[string]interface{}
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	tc.lastResponse, tc.lastRPCError = nil, nil
	if e, ok := resp["error"].(map[string]interface{}); ok {
		tc.lastRPCError = e
		return resp, nil
	}
	result, ok := resp["result"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid response format: %s", line)
	}
	tc.lastResponse = result
	return resp, nil
}

func (tc *TestContext) sendMCPInitialize() error {
	_, err := tc.send("initialize", map[string]interface{}{})
	return err
}

func (tc *TestContext) checkProtocolVersion(version string) error {
	if v, _ := tc.lastResponse["protocolVersion"].(string); v != version {
		return fmt.Errorf("expected protocol version %s, got %v", version, tc.lastResponse["protocolVersion"])
	}
	return nil
}

func (tc *TestContext) checkServerName(name string) error {
	info, ok := tc.lastResponse["serverInfo"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("serverInfo missing")
	}
	if n, _ := info["name"].(string); n != name {
		return fmt.Errorf("expected server name %s, got %v", name, info["name"])
	}
	return nil
}

func (tc *TestContext) requestToolsList() error {
	_, err := tc.send("tools/list", map[string]interface{}{})
	return err
}

func (tc *TestContext) requestResourcesList() error {
	_, err := tc.send("resources/list", map[string]interface{}{})
	return err
}

func (tc *TestContext) checkListContains(item string) error {
	for _, key := range []string{"tools", "resources", "prompts"} {
		list, _ := tc.lastResponse[key].([]interface{})
		for _, entry := range list {
			m := entry.(map[string]interface{})
			if m["name"] == item || m["uri"] == item {
				return nil
			}
		}
	}
	return fmt.Errorf("item %s not found in list", item)
}

func (tc *TestContext) callMCPTool(tool string) error {
	return tc.callMCPToolWithArguments(tool, &godog.DocString{Content: "{}"})
}

func (tc *TestContext) callMCPToolWithArguments(tool string, doc *godog.DocString) error {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(doc.Content), &args); err != nil {
		return fmt.Errorf("arguments are not JSON: %w", err)
	}
	if _, err := tc.send("tools/call", map[string]interface{}{"name": tool, "arguments": args}); err != nil {
		return err
	}
	tc.lastToolText, tc.lastToolErr = "", false
	if tc.lastRPCError != nil {
		tc.lastToolErr = true
		return nil
	}
	content, _ := tc.lastResponse["content"].([]interface{})
	if len(content) == 0 {
		return fmt.Errorf("tool result has no content")
	}
	tc.lastToolText, _ = content[0].(map[string]interface{})["text"].(string)
	tc.lastToolErr, _ = tc.lastResponse["isError"].(bool)
	return nil
}

func (tc *TestContext) readMCPResource(uri string) error {
	if _, err := tc.send("resources/read", map[string]interface{}{"uri": uri}); err != nil {
		return err
	}
	if tc.lastRPCError != nil {
		return fmt.Errorf("resource read failed: %v", tc.lastRPCError)
	}
	contents, _ := tc.lastResponse["contents"].([]interface{})
	if len(contents) == 0 {
		return fmt.Errorf("resource has no contents")
	}
	tc.lastToolText, _ = contents[0].(map[string]interface{})["text"].(string)
	tc.lastToolErr = false
	return nil
}

func (tc *TestContext) checkSuccessResponse() error {
	if tc.lastRPCError != nil {
		return fmt.Errorf("rpc error: %v", tc.lastRPCError)
	}
	if tc.lastToolErr {
		return fmt.Errorf("response indicates error: %s", tc.lastToolText)
	}
	return nil
}

func (tc *TestContext) checkErrorResponse() error {
	if tc.lastRPCError == nil && !tc.lastToolErr {
		return fmt.Errorf("expected an error, got %s", tc.lastToolText)
	}
	return nil
}

func (tc *TestContext) checkErrorMentions(text string) error {
	msg := tc.lastToolText
	if tc.lastRPCError != nil {
		msg = fmt.Sprint(tc.lastRPCError)
	}
	if !strings.Contains(strings.ToLower(msg), strings.ToLower(text)) {
		return fmt.Errorf("error %q does not mention %q", msg, text)
	}
	return nil
}

// lookup walks a dotted path ("assignment.D", "distribution.0.p") through decoded JSON
func lookup(v interface{}, path string) (interface{}, error) {
	for _, part := range strings.Split(path, ".") {
		switch node := v.(type) {
		case map[string]interface{}:
			next, ok := node[part]
			if !ok {
				return nil, fmt.Errorf("no field %q", part)
			}
			v = next
		case []interface{}:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("bad index %q", part)
			}
			v = node[i]
		default:
			return nil, fmt.Errorf("cannot descend into %v at %q", v, part)
		}
	}
	return v, nil
}

func (tc *TestContext) resultField(path string) (interface{}, error) {
	if err := tc.checkSuccessResponse(); err != nil {
		return nil, err
	}
	var decoded interface{}
	if err := json.Unmarshal([]byte(tc.lastToolText), &decoded); err != nil {
		return nil, fmt.Errorf("result is not JSON: %w", err)
	}
	return lookup(decoded, path)
}

func (tc *TestContext) resultFieldShouldBe(path, want string) error {
	got, err := tc.resultField(path)
	if err != nil {
		return err
	}
	w, err := strconv.ParseFloat(want, 64)
	if err != nil {
		return err
	}
	f, ok := got.(float64)
	if !ok {
		return fmt.Errorf("%s is %v, not a number", path, got)
	}
	if math.Abs(f-w) > 1e-6 {
		return fmt.Errorf("%s = %v, want %v", path, f, w)
	}
	return nil
}

func (tc *TestContext) resultFieldShouldEqual(path, want string) error {
	got, err := tc.resultField(path)
	if err != nil {
		return err
	}
	if fmt.Sprint(got) != want {
		return fmt.Errorf("%s = %v, want %s", path, got, want)
	}
	return nil
}

func (tc *TestContext) resultShouldHaveEntries(n int) error {
	if err := tc.checkSuccessResponse(); err != nil {
		return err
	}
	var list []interface{}
	if err := json.Unmarshal([]byte(tc.lastToolText), &list); err != nil {
		return fmt.Errorf("result is not a list: %w", err)
	}
	if len(list) != n {
		return fmt.Errorf("expected %d entries, got %d", n, len(list))
	}
	return nil
}

// CLI steps

var (
	binaryOnce sync.Once
	binaryPath string
	binaryErr  error
)

// ensureCLIBinary builds the xylem binary once per test run unless XYLEM_TEST_BINARY
// points at one.
func ensureCLIBinary() (string, error) {
	binaryOnce.Do(func() {
		if p := os.Getenv("XYLEM_TEST_BINARY"); p != "" {
			if _, err := os.Stat(p); err == nil {
				binaryPath = p
				return
			}
		}
		binaryPath = filepath.Join(os.TempDir(), fmt.Sprintf("xylem-acceptance-%d", os.Getpid()))
		cmd := exec.Command("go", "build", "-o", binaryPath, ".")
		cmd.Dir = filepath.Join("..", "..")
		if out, err := cmd.CombinedOutput(); err != nil {
			binaryErr = fmt.Errorf("failed to build test binary: %w\n%s", err, out)
		}
	})
	return binaryPath, binaryErr
}

func (tc *TestContext) xylemInstalled() error {
	_, err := ensureCLIBinary()
	return err
}

func (tc *TestContext) fileWithContent(name string, doc *godog.DocString) error {
	return os.WriteFile(filepath.Join(tc.workDir, name), []byte(doc.Content), 0644)
}

// runCLICommand runs "xylem ..." inside the scenario's work directory and records
// stdout, stderr and exit code.
func (tc *TestContext) runCLICommand(cmdLine string) error {
	parts := strings.Fields(cmdLine)
	if len(parts) < 2 || parts[0] != "xylem" {
		return fmt.Errorf("expected a xylem command, got %q", cmdLine)
	}
	binaryPath, err := ensureCLIBinary()
	if err != nil {
		return err
	}
	// the in-process store must not hold the database while the CLI writes
	if tc.store != nil {
		tc.store.Close()
		tc.store = nil
	}

	cmd := exec.Command(binaryPath, parts[1:]...)
	cmd.Dir = tc.workDir
	cmd.Env = append(os.Environ(), "XYLEM_DATA_DIR="+tc.dataDir)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	tc.lastCLIStdout = stdout.String()
	tc.lastCLIStderr = stderr.String()
	if exitErr, ok := err.(*exec.ExitError); ok {
		tc.lastCLIExitCode = exitErr.ExitCode()
	} else if err != nil {
		tc.lastCLIExitCode = -1
		return err
	} else {
		tc.lastCLIExitCode = 0
	}
	return nil
}

func (tc *TestContext) checkCommandSucceeded() error {
	if tc.lastCLIExitCode != 0 {
		return fmt.Errorf("expected exit code 0, got %d; stderr: %s", tc.lastCLIExitCode, tc.lastCLIStderr)
	}
	return nil
}

func (tc *TestContext) checkCommandFailed() error {
	if tc.lastCLIExitCode == 0 {
		return fmt.Errorf("expected command to fail but it succeeded; stdout: %s", tc.lastCLIStdout)
	}
	return nil
}

func (tc *TestContext) outputShouldContain(text string) error {
	combined := tc.lastCLIStdout + tc.lastCLIStderr
	if !strings.Contains(combined, text) {
		return fmt.Errorf("output did not contain %q; stdout: %s stderr: %s", text, tc.lastCLIStdout, tc.lastCLIStderr)
	}
	return nil
}

func (tc *TestContext) errorShouldContain(text string) error {
	errOut := tc.lastCLIStderr
	if errOut == "" {
		errOut = tc.lastCLIStdout
	}
	if !strings.Contains(strings.ToLower(errOut), strings.ToLower(text)) {
		return fmt.Errorf("error output did not contain %q; stderr: %s", text, tc.lastCLIStderr)
	}
	return nil
}

func (tc *TestContext) fileShouldExist(name string) error {
	if _, err := os.Stat(filepath.Join(tc.workDir, name)); err != nil {
		return fmt.Errorf("expected %s to exist: %w", name, err)
	}
	return nil
}
