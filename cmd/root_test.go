package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func setArgs(args ...string) func() {
	orig := os.Args
	os.Args = args
	return func() { os.Args = orig }
}

func captureStdout(f func()) (string, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}
	old := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = old; w.Close() }()
	f()
	w.Close()
	data, _ := io.ReadAll(r)
	return string(data), nil
}

// resetFlags restores every flag to its default so values do not leak between
// Execute calls on the shared command tree.
func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// run executes xylem with args and returns its stdout
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	defer setArgs(append([]string{"xylem"}, args...)...)()
	var runErr error
	out, err := captureStdout(func() { runErr = Execute() })
	if err != nil {
		t.Fatal(err)
	}
	return out, runErr
}

// setupDataDir points the store at a fresh temp directory
func setupDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XYLEM_DATA_DIR", dir)
	return dir
}

const lectureYAML = `name: lecture
description: marketing decision with a hidden market state
edges:
  - [M, C]
  - [D, C]
decisions: [D]
utilities:
  C: {0: 3, 1: 1}
`

// writeLecture writes the lecture definition and its 40 observations to dir
func writeLecture(t *testing.T, dir string) (defPath, csvPath string) {
	t.Helper()
	counts := map[[3]int]int{
		{0, 0, 0}: 8, {0, 0, 1}: 2, {0, 1, 0}: 3, {0, 1, 1}: 7,
		{1, 0, 0}: 4, {1, 0, 1}: 6, {1, 1, 0}: 7, {1, 1, 1}: 3,
	}
	var b strings.Builder
	b.WriteString("M,D,C\n")
	for m := 0; m < 2; m++ {
		for d := 0; d < 2; d++ {
			for c := 0; c < 2; c++ {
				for i := 0; i < counts[[3]int{m, d, c}]; i++ {
					fmt.Fprintf(&b, "%d,%d,%d\n", m, d, c)
				}
			}
		}
	}

	defPath = filepath.Join(dir, "lecture.yaml")
	csvPath = filepath.Join(dir, "lecture.csv")
	if err := os.WriteFile(defPath, []byte(lectureYAML), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(csvPath, []byte(b.String()), 0644); err != nil {
		t.Fatal(err)
	}
	return defPath, csvPath
}

// importLecture stores the lecture network with its observations
func importLecture(t *testing.T) {
	t.Helper()
	defPath, csvPath := writeLecture(t, t.TempDir())
	if out, err := run(t, "import", defPath, csvPath); err != nil {
		t.Fatalf("import: %v\n%s", err, out)
	}
}

func TestExecute_Help(t *testing.T) {
	out, err := run(t, "help")
	if err != nil {
		t.Fatalf("Execute(help): %v", err)
	}
	if !strings.Contains(out, "Xylem") {
		t.Errorf("help output should contain 'Xylem': %q", out)
	}
}

func TestExecute_HelpShortFlag(t *testing.T) {
	out, err := run(t, "-h")
	if err != nil {
		t.Fatalf("Execute(-h): %v", err)
	}
	if len(out) == 0 {
		t.Error("help -h should print")
	}
}

func TestExecute_UnknownCommand(t *testing.T) {
	if _, err := run(t, "bogus"); err == nil {
		t.Error("unknown command should fail")
	}
}

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-01-01")
	if Version != "1.2.3" || Commit != "abc123" || Date != "2026-01-01" {
		t.Errorf("SetVersion: got Version=%q Commit=%q Date=%q", Version, Commit, Date)
	}
	// Restore for other tests
	SetVersion("dev", "none", "unknown")
}
