package network

import "github.com/CanopyHQ/xylem/internal/bayes"

// Role names used in summaries.
const (
	RoleDecision = "decision"
	RoleUtility  = "utility"
	RoleChance   = "chance"
)

// VariableSummary describes one node of a compiled network.
type VariableSummary struct {
	Name    string   `json:"name"`
	States  int      `json:"states"`
	Role    string   `json:"role"`
	Parents []string `json:"parents,omitempty"`
}

// Summary is the read-only view of a compiled network shown by the CLI and MCP tools.
type Summary struct {
	Name        string                     `json:"name"`
	Description string                     `json:"description,omitempty"`
	Revision    int                        `json:"revision"`
	Rows        int                        `json:"rows"`
	Pseudocount float64                    `json:"pseudocount"`
	Variables   []VariableSummary          `json:"variables"`
	Edges       []bayes.Edge               `json:"edges"`
	Utilities   map[string]map[int]float64 `json:"utilities,omitempty"`
}

// Describe summarizes c. Variables are listed in topological order.
func (c *Compiled) Describe() Summary {
	roles := c.Engine.Roles()
	role := make(map[string]string)
	for _, n := range roles.Decisions {
		role[n] = RoleDecision
	}
	for _, n := range roles.Utilities {
		role[n] = RoleUtility
	}

	s := Summary{
		Name:        c.Definition.Name,
		Description: c.Definition.Description,
		Revision:    c.Revision,
		Rows:        c.Model.Rows(),
		Pseudocount: c.Model.Pseudocount(),
		Edges:       c.Model.Edges(),
		Utilities:   c.Engine.Utilities(),
	}
	for _, name := range c.Model.TopologicalOrder() {
		parents, _ := c.Model.Parents(name)
		r := role[name]
		if r == "" {
			r = RoleChance
		}
		s.Variables = append(s.Variables, VariableSummary{
			Name:    name,
			States:  c.Model.Card(name),
			Role:    r,
			Parents: parents,
		})
	}
	return s
}
