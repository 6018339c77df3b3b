package bayes

import "fmt"

// Inference answers marginal and posterior queries by variable elimination.
type Inference struct {
	model *Model
}

// NewInference returns an engine over m. The engine keeps no per-query state.
func NewInference(m *Model) *Inference {
	return &Inference{model: m}
}

// Model returns the underlying network.
func (e *Inference) Model() *Model { return e.model }

// Query returns the distribution of targets conditioned on evidence, normalised and
// with its scope in the order targets were given.
func (e *Inference) Query(targets []string, evidence Evidence) (*Factor, error) {
	return e.model.query(targets, nil, evidence)
}

// query runs variable elimination with optional interventions. Intervened variables
// lose their CPT in favour of a parentless point mass; afterwards both do and
// evidence values are restricted into every factor that mentions them.
func (m *Model) query(targets []string, do, evidence Evidence) (*Factor, error) {
	if err := m.checkTargets(targets); err != nil {
		return nil, err
	}
	if err := m.CheckAssignment(do); err != nil {
		return nil, err
	}
	if err := m.CheckAssignment(evidence); err != nil {
		return nil, err
	}
	pinned := do.Clone()
	for name, v := range evidence {
		if forced, ok := pinned[name]; ok && forced != v {
			return nil, fmt.Errorf("%w: %s observed as %d but intervened to %d", ErrDomain, name, v, forced)
		}
		pinned[name] = v
	}

	isTarget := make(map[string]bool, len(targets))
	for _, t := range targets {
		isTarget[t] = true
	}

	relevant := m.ancestors(append(append([]string(nil), targets...), pinned.Keys()...), do)
	var factors []*Factor
	for _, name := range m.topo {
		if !relevant[name] {
			continue
		}
		n := m.nodes[name]
		f := n.cpt
		if v, ok := do[name]; ok {
			f = pointMass(name, n.Card, v)
		}
		for _, v := range f.Scope() {
			val, ok := pinned[v]
			if !ok || isTarget[v] {
				continue
			}
			var err error
			if f, err = f.Restrict(v, val); err != nil {
				return nil, err
			}
		}
		factors = append(factors, f)
	}
	// a pinned target keeps its scope; an indicator factor forces its value
	for _, t := range targets {
		if v, ok := pinned[t]; ok {
			factors = append(factors, pointMass(t, m.nodes[t].Card, v))
		}
	}

	var hidden []string
	for _, name := range m.names {
		if relevant[name] && !isTarget[name] {
			if _, ok := pinned[name]; !ok {
				hidden = append(hidden, name)
			}
		}
	}

	for _, v := range m.eliminationOrder(factors, hidden) {
		var err error
		if factors, _, err = eliminate(factors, v, (*Factor).SumOut); err != nil {
			return nil, err
		}
	}

	joint, err := product(factors)
	if err != nil {
		return nil, err
	}
	if joint, err = joint.Permute(targets); err != nil {
		return nil, err
	}
	return joint.Normalize()
}

func (m *Model) checkTargets(targets []string) error {
	if len(targets) == 0 {
		return fmt.Errorf("%w: query needs at least one target variable", ErrDomain)
	}
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if !m.Has(t) {
			return fmt.Errorf("%w: variable %q", ErrNotFound, t)
		}
		if seen[t] {
			return fmt.Errorf("%w: target %q listed twice", ErrDomain, t)
		}
		seen[t] = true
	}
	return nil
}

// ancestors returns roots plus every ancestor, walking the graph mutilated by do:
// an intervened variable has no parents. Nodes outside this set are barren for the
// query and can be dropped without changing the answer.
func (m *Model) ancestors(roots []string, do Evidence) map[string]bool {
	seen := make(map[string]bool, len(m.names))
	stack := append([]string(nil), roots...)
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, forced := do[name]; forced {
			continue
		}
		stack = append(stack, m.nodes[name].parents...)
	}
	return seen
}

// eliminate multiplies every factor mentioning v, reduces v out of the product and
// returns the new factor list along with the pre-reduction product.
func eliminate(factors []*Factor, v string, reduce func(*Factor, string) (*Factor, error)) ([]*Factor, *Factor, error) {
	var keep, touched []*Factor
	for _, f := range factors {
		if f.Has(v) {
			touched = append(touched, f)
		} else {
			keep = append(keep, f)
		}
	}
	if len(touched) == 0 {
		return factors, nil, nil
	}
	psi, err := product(touched)
	if err != nil {
		return nil, nil, err
	}
	reduced, err := reduce(psi, v)
	if err != nil {
		return nil, nil, err
	}
	return append(keep, reduced), psi, nil
}

func product(factors []*Factor) (*Factor, error) {
	if len(factors) == 0 {
		return scalar(1), nil
	}
	out := factors[0]
	for _, f := range factors[1:] {
		var err error
		if out, err = Multiply(out, f); err != nil {
			return nil, err
		}
	}
	return out, nil
}
