package network

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/CanopyHQ/xylem/internal/bayes"
	"github.com/CanopyHQ/xylem/internal/decision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lectureYAML = `
name: lecture-5-2
description: marketing decision with a hidden market state
edges:
  - [M, C]
  - [D, C]
decisions: [D]
utilities:
  C: {0: 3, 1: 1}
states:
  M: 2
`

func lectureData() bayes.Dataset {
	data := bayes.Dataset{Columns: []string{"M", "D", "C"}}
	counts := map[[3]int]int{
		{0, 0, 0}: 8, {0, 0, 1}: 2, {0, 1, 0}: 3, {0, 1, 1}: 7,
		{1, 0, 0}: 4, {1, 0, 1}: 6, {1, 1, 0}: 7, {1, 1, 1}: 3,
	}
	for m := 0; m < 2; m++ {
		for d := 0; d < 2; d++ {
			for c := 0; c < 2; c++ {
				for i := 0; i < counts[[3]int{m, d, c}]; i++ {
					data.Rows = append(data.Rows, []int{m, d, c})
				}
			}
		}
	}
	return data
}

func TestParse(t *testing.T) {
	def, err := Parse([]byte(lectureYAML))
	require.NoError(t, err)
	assert.Equal(t, "lecture-5-2", def.Name)
	assert.Equal(t, [][]string{{"M", "C"}, {"D", "C"}}, def.Edges)
	assert.Equal(t, []string{"D"}, def.Decisions)
	assert.Equal(t, map[int]float64{0: 3, 1: 1}, def.Utilities["C"])
	assert.Equal(t, 2, def.States["M"])
	assert.Equal(t, []string{"C"}, def.UtilityVariables())
}

func TestParse_JSON(t *testing.T) {
	def, err := Parse([]byte(`{"name": "j", "edges": [["A", "B"]], "decisions": ["A"], "pseudocount": 0.5}`))
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A", "B"}}, def.Edges)
	assert.Equal(t, 0.5, def.Pseudocount)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr error
	}{
		{"empty", "", bayes.ErrStructure},
		{"missing name", "edges: [[A, B]]", bayes.ErrStructure},
		{"bad name", "name: 'a b'", bayes.ErrStructure},
		{"short edge", "name: n\nedges: [[A]]", bayes.ErrStructure},
		{"decision twice", "name: n\ndecisions: [D, D]", bayes.ErrStructure},
		{"decision with utility", "name: n\ndecisions: [D]\nutilities: {D: {0: 1}}", bayes.ErrStructure},
		{"zero states", "name: n\nstates: {A: 0}", bayes.ErrDomain},
		{"negative pseudocount", "name: n\npseudocount: -1", bayes.ErrDomain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.in))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}

	_, err := Parse([]byte("name: n\nedgez: []"))
	assert.Error(t, err, "unknown keys are rejected")
}

func TestMarshalRoundTrip(t *testing.T) {
	def, err := Parse([]byte(lectureYAML))
	require.NoError(t, err)
	out, err := def.Marshal()
	require.NoError(t, err)
	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, def, again)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.yaml")
	require.NoError(t, os.WriteFile(path, []byte(lectureYAML), 0644))
	def, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "lecture-5-2", def.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseEvidence(t *testing.T) {
	ev, err := ParseEvidence(" A=1, B = 0 ,")
	require.NoError(t, err)
	assert.Equal(t, bayes.Evidence{"A": 1, "B": 0}, ev)

	ev, err = ParseEvidence("")
	require.NoError(t, err)
	assert.Empty(t, ev)

	for _, bad := range []string{"A", "=1", "A=x", "A=1,A=2"} {
		_, err := ParseEvidence(bad)
		assert.Error(t, err, bad)
	}
}

func TestCompile(t *testing.T) {
	def, err := Parse([]byte(lectureYAML))
	require.NoError(t, err)
	c, err := Compile(def, lectureData(), WithConcurrency(2))
	require.NoError(t, err)

	best, err := c.Engine.MEU(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, bayes.Evidence{"D": 0}, best.Assignment)
	assert.InDelta(t, 2.2, best.Utility, 1e-9)

	dist, err := c.Inference.Query([]string{"M"}, nil)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, dist.Values(), 1e-12)
}

func TestCompile_Errors(t *testing.T) {
	def, err := Parse([]byte("name: n\nedges: [[A, Q]]"))
	require.NoError(t, err)
	_, err = Compile(def, bayes.Dataset{Columns: []string{"A"}, Rows: [][]int{{0}}})
	assert.True(t, errors.Is(err, bayes.ErrStructure), "got %v", err)

	def, err = Parse([]byte("name: n\ndecisions: [Q]"))
	require.NoError(t, err)
	_, err = Compile(def, bayes.Dataset{Columns: []string{"A"}, Rows: [][]int{{0}}})
	assert.True(t, errors.Is(err, bayes.ErrNotFound), "got %v", err)
}

type fakeSource struct {
	text []byte
	rev  int
	data bayes.Dataset
}

func (f fakeSource) Definition(_ context.Context, name string) ([]byte, int, error) {
	if f.text == nil {
		return nil, 0, bayes.ErrNotFound
	}
	return f.text, f.rev, nil
}

func (f fakeSource) Observations(context.Context, string) (bayes.Dataset, error) {
	return f.data, nil
}

func TestOpen(t *testing.T) {
	c, err := Open(context.Background(), fakeSource{[]byte(lectureYAML), 3, lectureData()}, "lecture-5-2")
	require.NoError(t, err)
	assert.Equal(t, 3, c.Revision)

	_, err = Open(context.Background(), fakeSource{}, "nope")
	assert.True(t, errors.Is(err, bayes.ErrNotFound))
}

func TestDescribe(t *testing.T) {
	c, err := Open(context.Background(), fakeSource{[]byte(lectureYAML), 1, lectureData()}, "lecture-5-2")
	require.NoError(t, err)
	s := c.Describe()

	assert.Equal(t, "lecture-5-2", s.Name)
	assert.Equal(t, 40, s.Rows)
	require.Len(t, s.Variables, 3)
	roles := map[string]string{}
	for _, v := range s.Variables {
		roles[v.Name] = v.Role
		assert.Equal(t, 2, v.States)
	}
	assert.Equal(t, map[string]string{"M": RoleChance, "D": RoleDecision, "C": RoleUtility}, roles)
	assert.Equal(t, "C", s.Variables[2].Name)
	assert.Equal(t, []string{"M", "D"}, s.Variables[2].Parents)
	assert.Equal(t, decision.UtilityMap{"C": {0: 3, 1: 1}}, decision.UtilityMap(s.Utilities))
}
