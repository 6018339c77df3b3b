package bayes

// Causal answers interventional queries P(targets | do(X=x), evidence).
//
// Forcing a variable is not the same as observing it: the intervened variable's CPT is
// replaced by a point mass with no parents, so beliefs about its causes are left alone.
type Causal struct {
	model *Model
}

// NewCausal returns a causal engine over m.
func NewCausal(m *Model) *Causal {
	return &Causal{model: m}
}

// Model returns the underlying network.
func (c *Causal) Model() *Model { return c.model }

// Query returns the distribution of targets in the network mutilated by do and
// conditioned on evidence. With an empty do it equals Inference.Query.
func (c *Causal) Query(targets []string, do, evidence Evidence) (*Factor, error) {
	return c.model.query(targets, do, evidence)
}

// Mutilated lists the edges that survive the intervention: every edge into an
// intervened variable is removed.
func (c *Causal) Mutilated(do Evidence) []Edge {
	var out []Edge
	for _, e := range c.model.edges {
		if _, forced := do[e.Child]; !forced {
			out = append(out, e)
		}
	}
	return out
}
