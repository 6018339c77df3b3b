package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/CanopyHQ/xylem/internal/bayes"
	"github.com/CanopyHQ/xylem/internal/decision"
	"github.com/CanopyHQ/xylem/internal/network"
	"github.com/CanopyHQ/xylem/internal/store"
)

// Decision log kinds.
const (
	KindMEU      = "meu"
	KindVPI      = "vpi"
	KindComplete = "complete"
)

// Outcome is one joint assignment of a query distribution.
type Outcome struct {
	Assignment bayes.Evidence `json:"assignment"`
	P          float64        `json:"p"`
}

// QueryResult is the answer to a query tool call.
type QueryResult struct {
	Network      string         `json:"network"`
	Revision     int            `json:"revision"`
	Targets      []string       `json:"targets"`
	Evidence     bayes.Evidence `json:"evidence,omitempty"`
	Intervention bayes.Evidence `json:"do,omitempty"`
	Distribution []Outcome      `json:"distribution"`
}

// VPIResult is the answer to a vpi tool call.
type VPIResult struct {
	Network  string         `json:"network"`
	Revision int            `json:"revision"`
	Variable string         `json:"variable"`
	Evidence bayes.Evidence `json:"evidence,omitempty"`
	Value    float64        `json:"value"`
}

// NetworkInfo is the listing entry for a stored network.
type NetworkInfo struct {
	Name     string   `json:"name"`
	Revision int      `json:"revision"`
	Rows     int      `json:"rows"`
	Columns  []string `json:"columns,omitempty"`
	Updated  string   `json:"updated_at"`
}

// handleToolsList returns available tools
func (s *Server) handleToolsList(req *JSONRPCRequest) {
	networkProp := map[string]interface{}{
		"type":        "string",
		"description": "Name of a stored network",
	}
	evidenceProp := map[string]interface{}{
		"description": "Observed states, either an object {\"A\": 1} or a string \"A=1,B=0\"",
		"oneOf": []map[string]interface{}{
			{"type": "object", "additionalProperties": map[string]interface{}{"type": "integer"}},
			{"type": "string"},
		},
	}

	tools := []map[string]interface{}{
		{
			"name":        "list_networks",
			"description": "List stored decision networks with their revision and number of observations.",
			"inputSchema": map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			"name":        "describe_network",
			"description": "Show a network's variables, their roles (decision, utility, chance), parents and utility tables.",
			"inputSchema": map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"network": networkProp},
				"required":   []string{"network"},
			},
		},
		{
			"name":        "query",
			"description": "Compute the joint distribution of target variables given evidence, optionally under a do-intervention.",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"network": networkProp,
					"targets": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Variables whose joint distribution is returned",
					},
					"evidence": evidenceProp,
					"do": map[string]interface{}{
						"description": "Variables forced to a state, same forms as evidence",
						"oneOf":       evidenceProp["oneOf"],
					},
				},
				"required": []string{"network", "targets"},
			},
		},
		{
			"name":        "meu",
			"description": "Find the assignment of decision variables with maximum expected utility given evidence.",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"network":  networkProp,
					"evidence": evidenceProp,
				},
				"required": []string{"network"},
			},
		},
		{
			"name":        "vpi",
			"description": "Value of perfect information: how much expected utility observing a variable before deciding would add.",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"network":  networkProp,
					"variable": map[string]interface{}{"type": "string", "description": "Chance variable to observe"},
					"evidence": evidenceProp,
				},
				"required": []string{"network", "variable"},
			},
		},
		{
			"name":        "complete",
			"description": "Fill in every unobserved variable with its jointly most likely state given evidence.",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"network":  networkProp,
					"evidence": evidenceProp,
				},
				"required": []string{"network"},
			},
		},
		{
			"name":        "decision_history",
			"description": "Recent logged MEU, VPI and completion answers, newest first.",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"network": networkProp,
					"limit": map[string]interface{}{
						"type":        "number",
						"description": "Maximum records to return (default 20)",
					},
				},
			},
		},
	}

	s.sendResult(req.ID, map[string]interface{}{"tools": tools})
}

// handleToolCall executes a tool
func (s *Server) handleToolCall(ctx context.Context, req *JSONRPCRequest) {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	if params.Arguments == nil {
		params.Arguments = map[string]interface{}{}
	}

	var result interface{}
	var err error

	switch params.Name {
	case "list_networks":
		result, err = s.toolListNetworks(ctx)
	case "describe_network":
		result, err = s.toolDescribe(ctx, params.Arguments)
	case "query":
		result, err = s.toolQuery(ctx, params.Arguments)
	case "meu":
		result, err = s.toolMEU(ctx, params.Arguments)
	case "vpi":
		result, err = s.toolVPI(ctx, params.Arguments)
	case "complete":
		result, err = s.toolComplete(ctx, params.Arguments)
	case "decision_history":
		result, err = s.toolDecisionHistory(ctx, params.Arguments)
	default:
		s.sendError(req.ID, codeInvalidParams, "Unknown tool", params.Name)
		return
	}

	if err != nil {
		s.log.Warn("tool call failed", "tool", params.Name, "error", err)
		s.sendResult(req.ID, map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": fmt.Sprintf("Error: %v", err)},
			},
			"isError": true,
		})
		return
	}

	text, _ := json.MarshalIndent(result, "", "  ")
	s.sendResult(req.ID, map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": string(text)},
		},
	})
}

func (s *Server) toolListNetworks(ctx context.Context) ([]NetworkInfo, error) {
	list, err := s.store.ListNetworks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]NetworkInfo, 0, len(list))
	for _, n := range list {
		out = append(out, NetworkInfo{
			Name:     n.Name,
			Revision: n.Revision,
			Rows:     n.Rows,
			Columns:  n.Columns,
			Updated:  n.UpdatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	return out, nil
}

func (s *Server) toolDescribe(ctx context.Context, args map[string]interface{}) (*network.Summary, error) {
	c, err := s.networkArg(ctx, args)
	if err != nil {
		return nil, err
	}
	summary := c.Describe()
	return &summary, nil
}

func (s *Server) toolQuery(ctx context.Context, args map[string]interface{}) (*QueryResult, error) {
	c, err := s.networkArg(ctx, args)
	if err != nil {
		return nil, err
	}
	targets, err := stringList(args, "targets")
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("targets is required")
	}
	evidence, err := evidenceArg(args, "evidence")
	if err != nil {
		return nil, err
	}
	do, err := evidenceArg(args, "do")
	if err != nil {
		return nil, err
	}

	var dist *bayes.Factor
	if len(do) > 0 {
		dist, err = c.Causal.Query(targets, do, evidence)
	} else {
		dist, err = c.Inference.Query(targets, evidence)
	}
	if err != nil {
		return nil, err
	}

	return &QueryResult{
		Network:      c.Definition.Name,
		Revision:     c.Revision,
		Targets:      dist.Scope(),
		Evidence:     evidence,
		Intervention: do,
		Distribution: outcomes(dist),
	}, nil
}

func (s *Server) toolMEU(ctx context.Context, args map[string]interface{}) (*decision.Decision, error) {
	c, err := s.networkArg(ctx, args)
	if err != nil {
		return nil, err
	}
	evidence, err := evidenceArg(args, "evidence")
	if err != nil {
		return nil, err
	}
	best, err := c.Engine.MEU(ctx, evidence)
	if err != nil {
		return nil, err
	}
	s.logDecision(ctx, c, KindMEU, evidence, best, best.Utility)
	return &best, nil
}

func (s *Server) toolVPI(ctx context.Context, args map[string]interface{}) (*VPIResult, error) {
	c, err := s.networkArg(ctx, args)
	if err != nil {
		return nil, err
	}
	variable, _ := args["variable"].(string)
	if variable == "" {
		return nil, fmt.Errorf("variable is required")
	}
	evidence, err := evidenceArg(args, "evidence")
	if err != nil {
		return nil, err
	}
	value, err := c.Engine.VPI(ctx, variable, evidence)
	if err != nil {
		return nil, err
	}
	res := &VPIResult{
		Network:  c.Definition.Name,
		Revision: c.Revision,
		Variable: variable,
		Evidence: evidence,
		Value:    value,
	}
	s.logDecision(ctx, c, KindVPI, evidence, res, value)
	return res, nil
}

func (s *Server) toolComplete(ctx context.Context, args map[string]interface{}) (bayes.Evidence, error) {
	c, err := s.networkArg(ctx, args)
	if err != nil {
		return nil, err
	}
	evidence, err := evidenceArg(args, "evidence")
	if err != nil {
		return nil, err
	}
	completion, err := c.Engine.MostLikelyCompletion(evidence)
	if err != nil {
		return nil, err
	}
	s.logDecision(ctx, c, KindComplete, evidence, completion, 0)
	return completion, nil
}

func (s *Server) toolDecisionHistory(ctx context.Context, args map[string]interface{}) ([]*store.DecisionRecord, error) {
	name, _ := args["network"].(string)
	limit := 20
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}
	records, err := s.store.Decisions(ctx, name, limit)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*store.DecisionRecord{}
	}
	return records, nil
}

// logDecision records an answer. Failures are logged but never fail the tool call.
func (s *Server) logDecision(ctx context.Context, c *network.Compiled, kind string, evidence bayes.Evidence, result any, utility float64) {
	if _, err := s.store.LogDecision(ctx, c.Definition.Name, kind, evidence, result, utility); err != nil {
		s.log.Warn("failed to log decision", "network", c.Definition.Name, "kind", kind, "error", err)
	}
}

// buildAdvice renders the advise prompt: the best decision followed by the chance
// variables worth observing first, most valuable first.
func (s *Server) buildAdvice(ctx context.Context, name string, evidence bayes.Evidence) (string, error) {
	c, err := s.compiled(ctx, name)
	if err != nil {
		return "", err
	}
	best, err := c.Engine.MEU(ctx, evidence)
	if err != nil {
		return "", err
	}

	type info struct {
		name  string
		value float64
	}
	var worth []info
	for _, v := range c.Engine.Roles().Chance {
		if _, seen := evidence[v]; seen {
			continue
		}
		value, err := c.Engine.VPI(ctx, v, evidence)
		if err != nil {
			return "", err
		}
		if value > 0 {
			worth = append(worth, info{v, value})
		}
	}
	sort.SliceStable(worth, func(i, j int) bool { return worth[i].value > worth[j].value })

	var b strings.Builder
	fmt.Fprintf(&b, "I am deciding with the %q network (revision %d, %d observations).\n", name, c.Revision, c.Model.Rows())
	if len(evidence) > 0 {
		fmt.Fprintf(&b, "Known: %s\n", evidence)
	}
	fmt.Fprintf(&b, "The engine recommends %s with expected utility %.4f.\n", best.Assignment, best.Utility)
	if len(worth) == 0 {
		b.WriteString("No single observation would change the expected utility.\n")
	} else {
		b.WriteString("Observing these first would be worth:\n")
		for _, w := range worth {
			fmt.Fprintf(&b, "- %s: %.4f\n", w.name, w.value)
		}
	}
	b.WriteString("Explain the recommendation and whether it is worth gathering more information before acting.")
	return b.String(), nil
}

func (s *Server) networkArg(ctx context.Context, args map[string]interface{}) (*network.Compiled, error) {
	name, _ := args["network"].(string)
	if name == "" {
		return nil, fmt.Errorf("network is required")
	}
	return s.compiled(ctx, name)
}

func outcomes(f *bayes.Factor) []Outcome {
	scope := f.Scope()
	out := make([]Outcome, 0, f.Len())
	f.Each(func(assignment []int, p float64) {
		a := make(bayes.Evidence, len(scope))
		for i, v := range scope {
			a[v] = assignment[i]
		}
		out = append(out, Outcome{Assignment: a, P: p})
	})
	return out
}

// evidenceArg reads an assignment given either as a JSON object of integers or as an
// "A=1,B=0" string. A missing key yields empty evidence.
func evidenceArg(args map[string]interface{}, key string) (bayes.Evidence, error) {
	switch v := args[key].(type) {
	case nil:
		return bayes.Evidence{}, nil
	case string:
		return network.ParseEvidence(v)
	case map[string]interface{}:
		ev := make(bayes.Evidence, len(v))
		for name, raw := range v {
			x, ok := raw.(float64)
			if !ok || x != math.Trunc(x) {
				return nil, fmt.Errorf("%s.%s must be an integer state: %w", key, name, bayes.ErrDomain)
			}
			ev[name] = int(x)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%s must be an object or a string", key)
	}
}

func stringList(args map[string]interface{}, key string) ([]string, error) {
	switch v := args[key].(type) {
	case nil:
		return nil, nil
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s must contain strings", key)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be an array of names", key)
	}
}
