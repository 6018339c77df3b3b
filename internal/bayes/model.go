package bayes

import (
	"fmt"
	"sort"
)

// Variable is a discrete variable with states 0..Card-1.
type Variable struct {
	Name string `json:"name"`
	Card int    `json:"card"`
}

// Edge is a directed (parent -> child) dependency.
type Edge struct {
	Parent string `json:"parent"`
	Child  string `json:"child"`
}

type node struct {
	Variable
	index    int
	parents  []string
	children []string
	cpt      *Factor // scope: parents in declaration order, then the node itself
}

// Model is a fitted discrete Bayesian network. It is immutable after Fit and safe to
// share between any number of concurrent queries.
type Model struct {
	names       []string
	nodes       map[string]*node
	topo        []string
	edges       []Edge
	rows        int
	pseudocount float64
}

// FitOption customises parameter estimation.
type FitOption func(*fitConfig)

type fitConfig struct {
	pseudocount float64
	cards       map[string]int
}

// WithPseudocount adds alpha to every CPT cell count before normalising (Laplace
// smoothing). The default of 0 is plain maximum likelihood.
func WithPseudocount(alpha float64) FitOption {
	return func(c *fitConfig) { c.pseudocount = alpha }
}

// WithCardinality declares the domain size of a variable, for states that never
// occur in the data. It cannot shrink the domain below the observed maximum.
func WithCardinality(name string, card int) FitOption {
	return func(c *fitConfig) { c.cards[name] = card }
}

// Fit builds a network over the dataset's columns with the given edges and estimates
// every CPT by counting.
//
// Estimation policy: cell (parents=p, X=x) is (n(p,x) + alpha) / (n(p) + k*alpha).
// A parent configuration with zero total mass (never observed, alpha == 0) gets the
// uniform distribution 1/k. The fallback never produces an error.
func Fit(data Dataset, edges []Edge, opts ...FitOption) (*Model, error) {
	cfg := fitConfig{cards: map[string]int{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.pseudocount < 0 {
		return nil, fmt.Errorf("%w: negative pseudocount %v", ErrDomain, cfg.pseudocount)
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}
	if len(data.Rows) == 0 {
		return nil, fmt.Errorf("%w: dataset has no rows", ErrStructure)
	}

	m := &Model{
		names:       append([]string(nil), data.Columns...),
		nodes:       make(map[string]*node, len(data.Columns)),
		rows:        len(data.Rows),
		pseudocount: cfg.pseudocount,
	}
	for i, name := range data.Columns {
		m.nodes[name] = &node{Variable: Variable{Name: name, Card: 1}, index: i}
	}

	// domains: contiguous from 0 up to the largest observed state
	for r, row := range data.Rows {
		for j, x := range row {
			if x < 0 {
				return nil, fmt.Errorf("%w: row %d column %q has negative state %d", ErrDomain, r, data.Columns[j], x)
			}
			n := m.nodes[data.Columns[j]]
			if x+1 > n.Card {
				n.Card = x + 1
			}
		}
	}
	for name, card := range cfg.cards {
		n, ok := m.nodes[name]
		if !ok {
			return nil, fmt.Errorf("%w: cardinality given for unknown variable %q", ErrNotFound, name)
		}
		if card < n.Card {
			return nil, fmt.Errorf("%w: %q declared with %d states but data uses %d", ErrDomain, name, card, n.Card)
		}
		n.Card = card
	}

	if err := m.link(edges); err != nil {
		return nil, err
	}
	if err := m.sortTopological(); err != nil {
		return nil, err
	}
	for _, name := range m.names {
		m.nodes[name].cpt = estimateCPT(data, m, m.nodes[name], cfg.pseudocount)
	}
	return m, nil
}

func (m *Model) link(edges []Edge) error {
	seen := make(map[Edge]bool, len(edges))
	for _, e := range edges {
		p, ok := m.nodes[e.Parent]
		if !ok {
			return fmt.Errorf("%w: edge %s -> %s references unknown column %q", ErrStructure, e.Parent, e.Child, e.Parent)
		}
		c, ok := m.nodes[e.Child]
		if !ok {
			return fmt.Errorf("%w: edge %s -> %s references unknown column %q", ErrStructure, e.Parent, e.Child, e.Child)
		}
		if e.Parent == e.Child {
			return fmt.Errorf("%w: self loop on %q", ErrStructure, e.Parent)
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		m.edges = append(m.edges, e)
		c.parents = append(c.parents, p.Name)
		p.children = append(p.children, c.Name)
	}
	for _, n := range m.nodes {
		m.byDeclaration(n.parents)
		m.byDeclaration(n.children)
	}
	return nil
}

// sortTopological orders nodes parents-first (Kahn), breaking ties by declaration
// order, and rejects cycles.
func (m *Model) sortTopological() error {
	indeg := make(map[string]int, len(m.nodes))
	for name, n := range m.nodes {
		indeg[name] = len(n.parents)
	}
	var ready []string
	for _, name := range m.names {
		if indeg[name] == 0 {
			ready = append(ready, name)
		}
	}
	m.topo = make([]string, 0, len(m.names))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		m.topo = append(m.topo, name)
		for _, child := range m.nodes[name].children {
			indeg[child]--
			if indeg[child] == 0 {
				ready = append(ready, child)
				m.byDeclaration(ready)
			}
		}
	}
	if len(m.topo) != len(m.names) {
		var cyclic []string
		for _, name := range m.names {
			if indeg[name] > 0 {
				cyclic = append(cyclic, name)
			}
		}
		return fmt.Errorf("%w: graph has a cycle through %v", ErrStructure, cyclic)
	}
	return nil
}

func (m *Model) byDeclaration(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return m.nodes[names[i]].index < m.nodes[names[j]].index
	})
}

// Variables lists every variable in declaration (column) order.
func (m *Model) Variables() []Variable {
	out := make([]Variable, 0, len(m.names))
	for _, name := range m.names {
		out = append(out, m.nodes[name].Variable)
	}
	return out
}

// Names lists variable names in declaration order.
func (m *Model) Names() []string { return append([]string(nil), m.names...) }

// Edges lists the distinct edges in the order they were supplied.
func (m *Model) Edges() []Edge { return append([]Edge(nil), m.edges...) }

// Rows is the number of observations the model was fitted on.
func (m *Model) Rows() int { return m.rows }

// Pseudocount is the smoothing constant used during estimation.
func (m *Model) Pseudocount() float64 { return m.pseudocount }

// Has reports whether name is a model variable.
func (m *Model) Has(name string) bool {
	_, ok := m.nodes[name]
	return ok
}

// Variable returns the named variable.
func (m *Model) Variable(name string) (Variable, error) {
	n, ok := m.nodes[name]
	if !ok {
		return Variable{}, fmt.Errorf("%w: variable %q", ErrNotFound, name)
	}
	return n.Variable, nil
}

// Card returns the domain size of name, or 0 if unknown.
func (m *Model) Card(name string) int {
	if n, ok := m.nodes[name]; ok {
		return n.Card
	}
	return 0
}

// Parents returns the parents of name in declaration order.
func (m *Model) Parents(name string) ([]string, error) {
	n, ok := m.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: variable %q", ErrNotFound, name)
	}
	return append([]string(nil), n.parents...), nil
}

// Children returns the children of name in declaration order.
func (m *Model) Children(name string) ([]string, error) {
	n, ok := m.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: variable %q", ErrNotFound, name)
	}
	return append([]string(nil), n.children...), nil
}

// CPT returns the conditional probability table of name as a factor over its parents
// followed by itself. The returned factor is independent of the model.
func (m *Model) CPT(name string) (*Factor, error) {
	n, ok := m.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: variable %q", ErrNotFound, name)
	}
	return newFactorFrom(n.cpt), nil
}

// TopologicalOrder lists variables parents-first.
func (m *Model) TopologicalOrder() []string { return append([]string(nil), m.topo...) }

// CheckAssignment verifies that every key names a model variable and every value is
// inside its domain.
func (m *Model) CheckAssignment(a Evidence) error {
	for _, name := range a.Keys() {
		n, ok := m.nodes[name]
		if !ok {
			return fmt.Errorf("%w: variable %q", ErrNotFound, name)
		}
		if v := a[name]; v < 0 || v >= n.Card {
			return fmt.Errorf("%w: %s=%d outside domain [0,%d)", ErrDomain, name, v, n.Card)
		}
	}
	return nil
}

func newFactorFrom(f *Factor) *Factor {
	out := newFactor(f.vars, f.cards)
	copy(out.values, f.values)
	return out
}
