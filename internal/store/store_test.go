package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CanopyHQ/xylem/internal/bayes"
	"github.com/CanopyHQ/xylem/internal/dataset"
	"github.com/CanopyHQ/xylem/internal/network"
)

// Compile-time checks that the store feeds the importer and the network compiler.
var (
	_ dataset.Sink   = (*Store)(nil)
	_ network.Source = (*Store)(nil)
)

// setupTestStore creates a temporary store for testing
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	t.Setenv("XYLEM_DATA_DIR", t.TempDir())
	s, err := NewStore()
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

const lectureDef = `name: lecture
edges: [[M, C], [D, C]]
decisions: [D]
utilities: {C: {0: 3, 1: 1}}
`

func TestNewStore_CreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "xylem")
	t.Setenv("XYLEM_DATA_DIR", dir)

	s, err := NewStore()
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Join(dir, dbFile)); err != nil {
		t.Errorf("expected database file: %v", err)
	}
	if s.Dir() != dir {
		t.Errorf("Dir() = %q", s.Dir())
	}
	if size, err := s.Size(); err != nil || size == "unknown" {
		t.Errorf("Size() = %q, %v", size, err)
	}
}

func TestSaveAndGetNetwork(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	n, err := s.SaveNetwork(ctx, "lecture", lectureDef)
	if err != nil {
		t.Fatalf("SaveNetwork: %v", err)
	}
	if n.ID == "" || n.Revision != 1 || n.Rows != 0 {
		t.Errorf("unexpected network: %+v", n)
	}

	again, err := s.SaveNetwork(ctx, "lecture", lectureDef+"description: v2\n")
	if err != nil {
		t.Fatalf("SaveNetwork (update): %v", err)
	}
	if again.ID != n.ID {
		t.Error("re-saving must keep the network id")
	}
	if again.Revision != 2 {
		t.Errorf("revision = %d, want 2", again.Revision)
	}

	text, rev, err := s.Definition(ctx, "lecture")
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}
	if rev != 2 || string(text) != lectureDef+"description: v2\n" {
		t.Errorf("Definition = %q @%d", text, rev)
	}

	if _, err := s.GetNetwork(ctx, "missing"); !errors.Is(err, bayes.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListAndDeleteNetworks(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"b", "a", "c"} {
		if _, err := s.SaveNetwork(ctx, name, "name: "+name+"\n"); err != nil {
			t.Fatal(err)
		}
	}
	list, err := s.ListNetworks(ctx)
	if err != nil {
		t.Fatalf("ListNetworks: %v", err)
	}
	if len(list) != 3 || list[0].Name != "a" || list[2].Name != "c" {
		t.Errorf("unexpected list order")
	}

	if _, err := s.AppendObservations(ctx, "b", bayes.Dataset{Columns: []string{"A"}, Rows: [][]int{{0}}}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteNetwork(ctx, "b"); err != nil {
		t.Fatalf("DeleteNetwork: %v", err)
	}
	if count, _ := s.Count(ctx); count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	var orphans int
	s.DB().QueryRow(`SELECT COUNT(*) FROM observations`).Scan(&orphans)
	if orphans != 0 {
		t.Errorf("observations left behind: %d", orphans)
	}
	if err := s.DeleteNetwork(ctx, "b"); !errors.Is(err, bayes.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendObservations(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if _, err := s.SaveNetwork(ctx, "lecture", lectureDef); err != nil {
		t.Fatal(err)
	}

	rev, err := s.AppendObservations(ctx, "lecture", bayes.Dataset{
		Columns: []string{"M", "D", "C"},
		Rows:    [][]int{{0, 0, 0}, {1, 1, 1}},
	})
	if err != nil {
		t.Fatalf("AppendObservations: %v", err)
	}
	if rev != 2 {
		t.Errorf("revision = %d, want 2", rev)
	}

	// same columns in another order are realigned
	rev, err = s.AppendObservations(ctx, "lecture", bayes.Dataset{
		Columns: []string{"C", "M", "D"},
		Rows:    [][]int{{1, 0, 1}},
	})
	if err != nil {
		t.Fatalf("AppendObservations (reordered): %v", err)
	}
	if rev != 3 {
		t.Errorf("revision = %d, want 3", rev)
	}

	data, err := s.Observations(ctx, "lecture")
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	want := [][]int{{0, 0, 0}, {1, 1, 1}, {0, 1, 1}}
	if len(data.Rows) != 3 {
		t.Fatalf("rows = %v", data.Rows)
	}
	for i := range want {
		for j := range want[i] {
			if data.Rows[i][j] != want[i][j] {
				t.Errorf("row %d = %v, want %v", i, data.Rows[i], want[i])
				break
			}
		}
	}

	_, err = s.AppendObservations(ctx, "lecture", bayes.Dataset{Columns: []string{"M", "X", "C"}, Rows: [][]int{{0, 0, 0}}})
	if !errors.Is(err, bayes.ErrStructure) {
		t.Errorf("expected ErrStructure for mismatched columns, got %v", err)
	}
	_, err = s.AppendObservations(ctx, "missing", bayes.Dataset{Columns: []string{"A"}, Rows: [][]int{{0}}})
	if !errors.Is(err, bayes.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	n, _ := s.GetNetwork(ctx, "lecture")
	if n.Rows != 3 || n.Revision != 3 {
		t.Errorf("network = %+v", n)
	}
}

func TestStoreCompilesThroughNetworkOpen(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if _, err := s.SaveNetwork(ctx, "lecture", lectureDef); err != nil {
		t.Fatal(err)
	}
	rows := [][]int{{0, 0, 0}, {0, 1, 1}, {1, 0, 1}, {1, 1, 0}}
	if _, err := s.AppendObservations(ctx, "lecture", bayes.Dataset{Columns: []string{"M", "D", "C"}, Rows: rows}); err != nil {
		t.Fatal(err)
	}

	c, err := network.Open(ctx, s, "lecture")
	if err != nil {
		t.Fatalf("network.Open: %v", err)
	}
	if c.Revision != 2 || c.Model.Rows() != 4 {
		t.Errorf("compiled revision %d rows %d", c.Revision, c.Model.Rows())
	}
}

func TestDecisionLog(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"one", "two"} {
		if _, err := s.SaveNetwork(ctx, name, "name: "+name+"\n"); err != nil {
			t.Fatal(err)
		}
	}

	rec, err := s.LogDecision(ctx, "one", "meu", bayes.Evidence{"M": 1}, map[string]int{"D": 0}, 2.2)
	if err != nil {
		t.Fatalf("LogDecision: %v", err)
	}
	if rec.ID == "" || rec.Revision != 1 {
		t.Errorf("record = %+v", rec)
	}
	if _, err := s.LogDecision(ctx, "two", "vpi", nil, 0.3, 0.3); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LogDecision(ctx, "one", "complete", nil, map[string]int{"M": 0}, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LogDecision(ctx, "missing", "meu", nil, nil, 0); !errors.Is(err, bayes.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	all, err := s.Decisions(ctx, "", 0)
	if err != nil {
		t.Fatalf("Decisions: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].Kind != "complete" {
		t.Errorf("newest first: got %s", all[0].Kind)
	}

	one, err := s.Decisions(ctx, "one", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(one) != 1 || one[0].Network != "one" {
		t.Errorf("filtered = %+v", one)
	}

	meu, _ := s.Decisions(ctx, "one", 0)
	last := meu[len(meu)-1]
	if last.Evidence["M"] != 1 || last.Utility != 2.2 {
		t.Errorf("meu record = %+v", last)
	}
	var result map[string]int
	if err := json.Unmarshal(last.Result, &result); err != nil || result["D"] != 0 {
		t.Errorf("result = %s (%v)", last.Result, err)
	}
}

func TestLastActivity(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	last, err := s.LastActivity(ctx)
	if err != nil {
		t.Fatalf("LastActivity: %v", err)
	}
	if !last.IsZero() {
		t.Errorf("empty store should have zero activity, got %v", last)
	}

	before := time.Now().Add(-time.Second)
	if _, err := s.SaveNetwork(ctx, "x", "name: x\n"); err != nil {
		t.Fatal(err)
	}
	last, err = s.LastActivity(ctx)
	if err != nil {
		t.Fatalf("LastActivity: %v", err)
	}
	if last.Before(before) {
		t.Errorf("last activity %v before %v", last, before)
	}
}
