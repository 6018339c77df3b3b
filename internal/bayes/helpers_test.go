package bayes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// counted is a row pattern repeated n times.
type counted struct {
	row []int
	n   int
}

func datasetOf(cols []string, patterns ...counted) Dataset {
	d := Dataset{Columns: cols}
	for _, p := range patterns {
		for i := 0; i < p.n; i++ {
			d.Rows = append(d.Rows, append([]int(nil), p.row...))
		}
	}
	return d
}

// confounded is Z -> X, Z -> Y, X -> Y with P(Z=0)=0.5 and a strong Z effect.
func confounded(t *testing.T) *Model {
	t.Helper()
	data := datasetOf([]string{"Z", "X", "Y"},
		counted{[]int{0, 0, 0}, 30}, counted{[]int{0, 0, 1}, 10},
		counted{[]int{0, 1, 0}, 5}, counted{[]int{0, 1, 1}, 5},
		counted{[]int{1, 0, 0}, 2}, counted{[]int{1, 0, 1}, 3},
		counted{[]int{1, 1, 0}, 10}, counted{[]int{1, 1, 1}, 35},
	)
	m, err := Fit(data, []Edge{{"Z", "X"}, {"Z", "Y"}, {"X", "Y"}})
	require.NoError(t, err)
	return m
}

// sprinkler is a five node network with a v-structure and a three-state variable.
func sprinkler(t *testing.T) *Model {
	t.Helper()
	cols := []string{"Cloudy", "Sprinkler", "Rain", "Wet", "Slippery"}
	var patterns []counted
	n := 0
	for c := 0; c < 2; c++ {
		for s := 0; s < 2; s++ {
			for r := 0; r < 2; r++ {
				for w := 0; w < 3; w++ {
					for sl := 0; sl < 2; sl++ {
						n++
						// deterministic but uneven counts
						weight := 1 + (n*7+c*3+s*5+r*11+w*13+sl*17)%9
						if w == 2 && s == 0 && r == 0 {
							weight = 1
						}
						patterns = append(patterns, counted{[]int{c, s, r, w, sl}, weight})
					}
				}
			}
		}
	}
	data := datasetOf(cols, patterns...)
	m, err := Fit(data, []Edge{
		{"Cloudy", "Sprinkler"}, {"Cloudy", "Rain"},
		{"Sprinkler", "Wet"}, {"Rain", "Wet"}, {"Wet", "Slippery"},
	})
	require.NoError(t, err)
	return m
}

// joint enumerates every full assignment and returns its probability under m.
func joint(t *testing.T, m *Model, fn func(a Evidence, p float64)) {
	t.Helper()
	vars := m.Variables()
	assign := make(Evidence, len(vars))
	var walk func(i int)
	walk = func(i int) {
		if i == len(vars) {
			p := 1.0
			for _, v := range vars {
				cpt, err := m.CPT(v.Name)
				require.NoError(t, err)
				x, err := cpt.Value(assign)
				require.NoError(t, err)
				p *= x
			}
			fn(assign, p)
			return
		}
		for s := 0; s < vars[i].Card; s++ {
			assign[vars[i].Name] = s
			walk(i + 1)
		}
	}
	walk(0)
}

// bruteForce computes P(target | evidence) by full joint enumeration.
func bruteForce(t *testing.T, m *Model, target string, evidence Evidence) []float64 {
	t.Helper()
	out := make([]float64, m.Card(target))
	var total float64
	joint(t, m, func(a Evidence, p float64) {
		for k, v := range evidence {
			if a[k] != v {
				return
			}
		}
		out[a[target]] += p
		total += p
	})
	require.Greater(t, total, 0.0)
	for i := range out {
		out[i] /= total
	}
	return out
}
