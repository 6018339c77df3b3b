package bayes

import "fmt"

// MAP returns the most probable joint assignment of every non-evidence variable given
// evidence, with the evidence entries included. It runs max-product elimination and
// traces the maximising states back in reverse elimination order; ties go to the
// lowest state.
func (e *Inference) MAP(evidence Evidence) (Evidence, error) {
	m := e.model
	if err := m.CheckAssignment(evidence); err != nil {
		return nil, err
	}

	factors := make([]*Factor, 0, len(m.topo))
	for _, name := range m.topo {
		f := m.nodes[name].cpt
		for _, v := range f.Scope() {
			val, ok := evidence[v]
			if !ok {
				continue
			}
			var err error
			if f, err = f.Restrict(v, val); err != nil {
				return nil, err
			}
		}
		factors = append(factors, f)
	}

	var hidden []string
	for _, name := range m.names {
		if _, ok := evidence[name]; !ok {
			hidden = append(hidden, name)
		}
	}

	type step struct {
		name string
		psi  *Factor
	}
	var steps []step
	for _, v := range m.eliminationOrder(factors, hidden) {
		var (
			psi *Factor
			err error
		)
		if factors, psi, err = eliminate(factors, v, (*Factor).MaxOut); err != nil {
			return nil, err
		}
		steps = append(steps, step{name: v, psi: psi})
	}

	best, err := product(factors)
	if err != nil {
		return nil, err
	}
	if !(best.Total() > 0) {
		return nil, fmt.Errorf("%w: evidence has zero probability", ErrDomain)
	}

	out := evidence.Clone()
	for i := len(steps) - 1; i >= 0; i-- {
		f := steps[i].psi
		for _, v := range f.Scope() {
			if v == steps[i].name {
				continue
			}
			if f, err = f.Restrict(v, out[v]); err != nil {
				return nil, err
			}
		}
		out[steps[i].name] = f.argmax()
	}
	return out, nil
}
