package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/CanopyHQ/xylem/internal/bayes"
	"github.com/CanopyHQ/xylem/internal/store"
)

const lectureDef = `name: lecture
edges: [[M, C], [D, C]]
decisions: [D]
utilities: {C: {0: 3, 1: 1}}
`

func lectureRows() bayes.Dataset {
	data := bayes.Dataset{Columns: []string{"M", "D", "C"}}
	counts := map[[3]int]int{
		{0, 0, 0}: 8, {0, 0, 1}: 2, {0, 1, 0}: 3, {0, 1, 1}: 7,
		{1, 0, 0}: 4, {1, 0, 1}: 6, {1, 1, 0}: 7, {1, 1, 1}: 3,
	}
	for key, n := range counts {
		for i := 0; i < n; i++ {
			data.Rows = append(data.Rows, []int{key[0], key[1], key[2]})
		}
	}
	return data
}

// setupTestServer creates a server with a temp data directory and writes its
// responses to the returned buffer
func setupTestServer(t *testing.T) (*Server, *bytes.Buffer) {
	t.Helper()
	t.Setenv("XYLEM_DATA_DIR", t.TempDir())

	out := &bytes.Buffer{}
	server, err := NewServer(WithIO(strings.NewReader(""), out), WithVersion("test"))
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	t.Cleanup(server.Stop)
	return server, out
}

// seedLecture stores the lecture network with its 40 observations
func seedLecture(t *testing.T, s *Server) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.store.SaveNetwork(ctx, "lecture", lectureDef); err != nil {
		t.Fatalf("SaveNetwork: %v", err)
	}
	if _, err := s.store.AppendObservations(ctx, "lecture", lectureRows()); err != nil {
		t.Fatalf("AppendObservations: %v", err)
	}
}

func call(t *testing.T, s *Server, out *bytes.Buffer, method string, params interface{}) JSONRPCResponse {
	t.Helper()
	out.Reset()
	req := &JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatal(err)
		}
		req.Params = raw
	}
	s.handleRequest(context.Background(), req)

	var resp JSONRPCResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response %q: %v", out.String(), err)
	}
	return resp
}

// toolText calls a tool and returns its text content and error flag
func toolText(t *testing.T, s *Server, out *bytes.Buffer, name string, args map[string]interface{}) (string, bool) {
	t.Helper()
	resp := call(t, s, out, "tools/call", map[string]interface{}{"name": name, "arguments": args})
	if resp.Error != nil {
		t.Fatalf("%s: rpc error %+v", name, resp.Error)
	}
	result := resp.Result.(map[string]interface{})
	content := result["content"].([]interface{})
	text := content[0].(map[string]interface{})["text"].(string)
	isError, _ := result["isError"].(bool)
	return text, isError
}

func TestNewServer(t *testing.T) {
	server, _ := setupTestServer(t)
	if server.store == nil {
		t.Error("expected non-nil store")
	}
	if server.cache == nil {
		t.Error("expected network cache")
	}
}

func TestHandleInitialize(t *testing.T) {
	server, out := setupTestServer(t)
	resp := call(t, server, out, "initialize", nil)

	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result := resp.Result.(map[string]interface{})
	if result["protocolVersion"] != "2024-11-05" {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
	info := result["serverInfo"].(map[string]interface{})
	if info["name"] != "xylem-mcp" || info["version"] != "test" {
		t.Errorf("serverInfo = %v", info)
	}
}

func TestHandleRequest_UnknownMethod(t *testing.T) {
	server, out := setupTestServer(t)
	resp := call(t, server, out, "bogus/method", nil)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Errorf("expected method-not-found, got %+v", resp.Error)
	}
}

func TestStart_ParseErrorAndRequests(t *testing.T) {
	t.Setenv("XYLEM_DATA_DIR", t.TempDir())
	in := strings.NewReader("not json\n\n{\"jsonrpc\":\"2.0\",\"id\":7,\"method\":\"tools/list\"}\n")
	out := &bytes.Buffer{}
	server, err := NewServer(WithIO(in, out))
	if err != nil {
		t.Fatal(err)
	}
	defer server.Stop()

	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 responses, got %d: %q", len(lines), out.String())
	}
	var first, second JSONRPCResponse
	json.Unmarshal([]byte(lines[0]), &first)
	json.Unmarshal([]byte(lines[1]), &second)
	if first.Error == nil || first.Error.Code != codeParseError {
		t.Errorf("first response should be a parse error: %s", lines[0])
	}
	if second.ID != float64(7) || second.Result == nil {
		t.Errorf("second response = %s", lines[1])
	}
}

func TestStart_CancelledContext(t *testing.T) {
	t.Setenv("XYLEM_DATA_DIR", t.TempDir())
	server, err := NewServer(WithIO(strings.NewReader("{}\n"), &bytes.Buffer{}))
	if err != nil {
		t.Fatal(err)
	}
	defer server.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := server.Start(ctx); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestHandleToolsList(t *testing.T) {
	server, out := setupTestServer(t)
	resp := call(t, server, out, "tools/list", nil)

	tools := resp.Result.(map[string]interface{})["tools"].([]interface{})
	var names []string
	for _, tool := range tools {
		names = append(names, tool.(map[string]interface{})["name"].(string))
	}
	want := []string{"list_networks", "describe_network", "query", "meu", "vpi", "complete", "decision_history"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("tools = %v", names)
	}
}

func TestToolCall_UnknownTool(t *testing.T) {
	server, out := setupTestServer(t)
	resp := call(t, server, out, "tools/call", map[string]interface{}{"name": "nope"})
	if resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Errorf("expected invalid params, got %+v", resp.Error)
	}
}

func TestToolListNetworks(t *testing.T) {
	server, out := setupTestServer(t)
	seedLecture(t, server)

	text, isErr := toolText(t, server, out, "list_networks", nil)
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var list []NetworkInfo
	if err := json.Unmarshal([]byte(text), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Name != "lecture" || list[0].Rows != 40 || list[0].Revision != 2 {
		t.Errorf("list = %+v", list)
	}
}

func TestToolDescribe(t *testing.T) {
	server, out := setupTestServer(t)
	seedLecture(t, server)

	text, isErr := toolText(t, server, out, "describe_network", map[string]interface{}{"network": "lecture"})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	for _, want := range []string{`"decision"`, `"utility"`, `"chance"`, `"rows": 40`} {
		if !strings.Contains(text, want) {
			t.Errorf("describe output missing %s:\n%s", want, text)
		}
	}
}

func TestToolQuery(t *testing.T) {
	server, out := setupTestServer(t)
	seedLecture(t, server)

	text, isErr := toolText(t, server, out, "query", map[string]interface{}{
		"network":  "lecture",
		"targets":  []string{"C"},
		"evidence": map[string]interface{}{"D": 0},
	})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var res QueryResult
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Distribution) != 2 {
		t.Fatalf("distribution = %+v", res.Distribution)
	}
	if math.Abs(res.Distribution[0].P-0.6) > 1e-9 || res.Distribution[0].Assignment["C"] != 0 {
		t.Errorf("P(C=0|D=0) = %+v", res.Distribution[0])
	}

	// string forms for targets and do
	text, isErr = toolText(t, server, out, "query", map[string]interface{}{
		"network": "lecture",
		"targets": "C",
		"do":      "D=1",
	})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	json.Unmarshal([]byte(text), &res)
	if math.Abs(res.Distribution[0].P-0.5) > 1e-9 || res.Intervention["D"] != 1 {
		t.Errorf("P(C=0|do(D=1)) = %+v", res)
	}
}

func TestToolQuery_Errors(t *testing.T) {
	server, out := setupTestServer(t)
	seedLecture(t, server)

	cases := map[string]map[string]interface{}{
		"missing network": {"targets": []string{"C"}},
		"unknown network": {"network": "nope", "targets": []string{"C"}},
		"no targets":      {"network": "lecture"},
		"unknown target":  {"network": "lecture", "targets": []string{"Z"}},
		"fractional":      {"network": "lecture", "targets": []string{"C"}, "evidence": map[string]interface{}{"D": 0.5}},
		"bad string":      {"network": "lecture", "targets": []string{"C"}, "evidence": "D"},
		"bad type":        {"network": "lecture", "targets": []string{"C"}, "evidence": 3},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			text, isErr := toolText(t, server, out, "query", args)
			if !isErr || !strings.HasPrefix(text, "Error: ") {
				t.Errorf("expected tool error, got %s", text)
			}
		})
	}
}

func TestToolMEU_LogsDecision(t *testing.T) {
	server, out := setupTestServer(t)
	seedLecture(t, server)

	text, isErr := toolText(t, server, out, "meu", map[string]interface{}{"network": "lecture"})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var best struct {
		Assignment bayes.Evidence `json:"assignment"`
		Utility    float64        `json:"utility"`
	}
	if err := json.Unmarshal([]byte(text), &best); err != nil {
		t.Fatal(err)
	}
	if best.Assignment["D"] != 0 || math.Abs(best.Utility-2.2) > 1e-9 {
		t.Errorf("MEU = %+v", best)
	}

	text, _ = toolText(t, server, out, "meu", map[string]interface{}{"network": "lecture", "evidence": "M=1"})
	json.Unmarshal([]byte(text), &best)
	if best.Assignment["D"] != 1 || math.Abs(best.Utility-2.4) > 1e-9 {
		t.Errorf("MEU given M=1 = %+v", best)
	}

	records, err := server.store.Decisions(context.Background(), "lecture", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0].Kind != KindMEU || records[0].Evidence["M"] != 1 {
		t.Errorf("decision log = %+v", records)
	}
}

func TestToolVPIAndComplete(t *testing.T) {
	server, out := setupTestServer(t)
	seedLecture(t, server)

	text, isErr := toolText(t, server, out, "vpi", map[string]interface{}{"network": "lecture", "variable": "M"})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var vpi VPIResult
	json.Unmarshal([]byte(text), &vpi)
	if math.Abs(vpi.Value-0.3) > 1e-9 {
		t.Errorf("VPI(M) = %v", vpi.Value)
	}

	if text, isErr := toolText(t, server, out, "vpi", map[string]interface{}{"network": "lecture", "variable": "D"}); !isErr {
		t.Errorf("VPI of a decision should fail, got %s", text)
	}
	if text, isErr := toolText(t, server, out, "vpi", map[string]interface{}{"network": "lecture"}); !isErr {
		t.Errorf("VPI without variable should fail, got %s", text)
	}

	text, isErr = toolText(t, server, out, "complete", map[string]interface{}{
		"network":  "lecture",
		"evidence": map[string]interface{}{"D": 1, "C": 0},
	})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var completion bayes.Evidence
	json.Unmarshal([]byte(text), &completion)
	if completion["M"] != 1 {
		t.Errorf("completion = %v", completion)
	}

	text, _ = toolText(t, server, out, "decision_history", map[string]interface{}{"network": "lecture", "limit": 1})
	var records []*store.DecisionRecord
	if err := json.Unmarshal([]byte(text), &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Kind != KindComplete {
		t.Errorf("history = %s", text)
	}
}

func TestCompiledCacheFollowsRevision(t *testing.T) {
	server, _ := setupTestServer(t)
	seedLecture(t, server)
	ctx := context.Background()

	first, err := server.compiled(ctx, "lecture")
	if err != nil {
		t.Fatal(err)
	}
	again, _ := server.compiled(ctx, "lecture")
	if first != again {
		t.Error("unchanged revision should reuse the compiled network")
	}

	if _, err := server.store.AppendObservations(ctx, "lecture", bayes.Dataset{
		Columns: []string{"M", "D", "C"},
		Rows:    [][]int{{0, 0, 0}},
	}); err != nil {
		t.Fatal(err)
	}
	fresh, err := server.compiled(ctx, "lecture")
	if err != nil {
		t.Fatal(err)
	}
	if fresh == first || fresh.Revision != 3 || fresh.Model.Rows() != 41 {
		t.Errorf("expected recompilation at revision 3, got rev %d rows %d", fresh.Revision, fresh.Model.Rows())
	}
	if server.GetStats(ctx).CachedNetworks != 2 {
		t.Errorf("cached = %d", server.GetStats(ctx).CachedNetworks)
	}
}

func TestCompiledCacheForgetsRecreatedNetwork(t *testing.T) {
	server, out := setupTestServer(t)
	seedLecture(t, server)
	ctx := context.Background()

	first, err := server.compiled(ctx, "lecture")
	if err != nil {
		t.Fatal(err)
	}

	if err := server.store.DeleteNetwork(ctx, "lecture"); err != nil {
		t.Fatal(err)
	}
	recreated := "name: lecture\nedges: [[M, C], [D, C]]\ndecisions: [D]\nutilities: {C: {0: 0, 1: 50}}\n"
	if _, err := server.store.SaveNetwork(ctx, "lecture", recreated); err != nil {
		t.Fatal(err)
	}
	// same revision number as the seeded network had
	if _, err := server.store.AppendObservations(ctx, "lecture", bayes.Dataset{
		Columns: []string{"M", "D", "C"},
		Rows:    [][]int{{0, 0, 1}, {1, 1, 0}},
	}); err != nil {
		t.Fatal(err)
	}

	second, err := server.compiled(ctx, "lecture")
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatal("re-created network must not reuse the deleted network's engine")
	}
	if second.Revision != first.Revision {
		t.Fatalf("test assumes matching revisions, got %d and %d", first.Revision, second.Revision)
	}
	if second.Model.Rows() != 2 {
		t.Errorf("rows = %d, want 2", second.Model.Rows())
	}
	if got := second.Engine.Utilities()["C"][1]; got != 50 {
		t.Errorf("utility C=1 = %v, want 50", got)
	}

	// P(M)=0.5; unseen parent rows are uniform: EU(D=0) = 0.5*50 + 0.5*25
	text, isError := toolText(t, server, out, "meu", map[string]interface{}{"network": "lecture"})
	if isError {
		t.Fatalf("meu: %s", text)
	}
	var best struct {
		Assignment map[string]int `json:"assignment"`
		Utility    float64        `json:"utility"`
	}
	if err := json.Unmarshal([]byte(text), &best); err != nil {
		t.Fatal(err)
	}
	if best.Assignment["D"] != 0 || math.Abs(best.Utility-37.5) > 1e-9 {
		t.Errorf("meu after re-create = %+v", best)
	}
}

func TestResources(t *testing.T) {
	server, out := setupTestServer(t)
	seedLecture(t, server)

	resp := call(t, server, out, "resources/list", nil)
	resources := resp.Result.(map[string]interface{})["resources"].([]interface{})
	if len(resources) != 3 {
		t.Errorf("resources = %v", resources)
	}

	for _, uri := range []string{"xylem://networks", "xylem://stats", "xylem://decisions/recent"} {
		resp := call(t, server, out, "resources/read", map[string]interface{}{"uri": uri})
		if resp.Error != nil {
			t.Errorf("%s: %+v", uri, resp.Error)
			continue
		}
		contents := resp.Result.(map[string]interface{})["contents"].([]interface{})
		if contents[0].(map[string]interface{})["uri"] != uri {
			t.Errorf("%s: contents = %v", uri, contents)
		}
	}

	resp = call(t, server, out, "resources/read", map[string]interface{}{"uri": "xylem://nope"})
	if resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Errorf("expected invalid params for unknown resource, got %+v", resp.Error)
	}
}

func TestPrompts(t *testing.T) {
	server, out := setupTestServer(t)
	seedLecture(t, server)

	resp := call(t, server, out, "prompts/list", nil)
	prompts := resp.Result.(map[string]interface{})["prompts"].([]interface{})
	if len(prompts) != 1 {
		t.Fatalf("prompts = %v", prompts)
	}

	resp = call(t, server, out, "prompts/get", map[string]interface{}{
		"name":      "advise",
		"arguments": map[string]string{"network": "lecture"},
	})
	if resp.Error != nil {
		t.Fatalf("prompts/get: %+v", resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	for _, want := range []string{"D=0", "2.2000", "M: 0.3000"} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("advice missing %q: %s", want, raw)
		}
	}

	resp = call(t, server, out, "prompts/get", map[string]interface{}{"name": "advise", "arguments": map[string]string{}})
	if resp.Error == nil {
		t.Error("expected error without network argument")
	}
	resp = call(t, server, out, "prompts/get", map[string]interface{}{"name": "other"})
	if resp.Error == nil {
		t.Error("expected error for unknown prompt")
	}
}

func TestGetStats(t *testing.T) {
	server, _ := setupTestServer(t)
	ctx := context.Background()

	stats := server.GetStats(ctx)
	if stats.Networks != 0 || stats.LastActivity != "never" {
		t.Errorf("empty stats = %+v", stats)
	}
	seedLecture(t, server)
	stats = server.GetStats(ctx)
	if stats.Networks != 1 || stats.LastActivity == "never" {
		t.Errorf("stats = %+v", stats)
	}
}
