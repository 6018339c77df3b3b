// Package decision layers decision theory over a fitted Bayesian network: maximum
// expected utility search over controllable variables, value of perfect information,
// and most-likely completion of unobserved variables.
package decision

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"github.com/CanopyHQ/xylem/internal/bayes"
	"github.com/CanopyHQ/xylem/internal/logger"
	"golang.org/x/sync/errgroup"
)

// vpiTolerance absorbs floating error around zero information value.
const vpiTolerance = 1e-9

// UtilityMap scores the states of utility-bearing variables. States without a score
// contribute zero.
type UtilityMap map[string]map[int]float64

// Decision is an assignment to every decision variable with its expected utility.
type Decision struct {
	Assignment bayes.Evidence `json:"assignment"`
	Utility    float64        `json:"utility"`
}

// Roles partitions the model's variables.
type Roles struct {
	Decisions []string `json:"decisions"`
	Utilities []string `json:"utilities"`
	Chance    []string `json:"chance"`
}

// Engine answers MEU, VPI and completion queries. It keeps no state between calls and
// is safe for concurrent use.
type Engine struct {
	model     *bayes.Model
	inference *bayes.Inference
	causal    *bayes.Causal

	decisions  []string
	isDecision map[string]bool
	utilities  UtilityMap
	utilVars   []string
	chance     []string

	workers int
	log     *logger.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithConcurrency bounds how many decision candidates MEU evaluates at once.
// Values below one mean sequential evaluation.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n < 1 {
			n = 1
		}
		e.workers = n
	}
}

// WithLogger sets the engine's logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New builds an engine. decisions keeps its order, which fixes the enumeration order
// of candidates; every decision and utility variable must exist in the model and no
// variable may play both roles.
func New(model *bayes.Model, decisions []string, utilities UtilityMap, opts ...Option) (*Engine, error) {
	e := &Engine{
		model:      model,
		inference:  bayes.NewInference(model),
		causal:     bayes.NewCausal(model),
		isDecision: make(map[string]bool, len(decisions)),
		utilities:  make(UtilityMap, len(utilities)),
		workers:    runtime.GOMAXPROCS(0),
		log:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, d := range decisions {
		if !model.Has(d) {
			return nil, fmt.Errorf("%w: decision variable %q", bayes.ErrNotFound, d)
		}
		if e.isDecision[d] {
			return nil, fmt.Errorf("%w: decision variable %q listed twice", bayes.ErrStructure, d)
		}
		e.isDecision[d] = true
		e.decisions = append(e.decisions, d)
	}

	for _, name := range model.Names() {
		scores, ok := utilities[name]
		if !ok {
			if !e.isDecision[name] {
				e.chance = append(e.chance, name)
			}
			continue
		}
		if e.isDecision[name] {
			return nil, fmt.Errorf("%w: %q is both a decision and a utility variable", bayes.ErrStructure, name)
		}
		card := model.Card(name)
		copied := make(map[int]float64, len(scores))
		for v, s := range scores {
			if v < 0 || v >= card {
				return nil, fmt.Errorf("%w: utility for %s=%d outside domain [0,%d)", bayes.ErrDomain, name, v, card)
			}
			copied[v] = s
		}
		e.utilities[name] = copied
		e.utilVars = append(e.utilVars, name)
	}
	for name := range utilities {
		if !model.Has(name) {
			return nil, fmt.Errorf("%w: utility variable %q", bayes.ErrNotFound, name)
		}
	}
	return e, nil
}

// Model returns the network the engine reasons over.
func (e *Engine) Model() *bayes.Model { return e.model }

// Roles reports which variables are decisions, utilities and chance nodes, each in
// declaration order (decisions in the order they were given).
func (e *Engine) Roles() Roles {
	return Roles{
		Decisions: append([]string(nil), e.decisions...),
		Utilities: append([]string(nil), e.utilVars...),
		Chance:    append([]string(nil), e.chance...),
	}
}

// Utilities returns a copy of the utility scores.
func (e *Engine) Utilities() UtilityMap {
	out := make(UtilityMap, len(e.utilities))
	for k, scores := range e.utilities {
		out[k] = make(map[int]float64, len(scores))
		for v, s := range scores {
			out[k][v] = s
		}
	}
	return out
}

// Candidates enumerates decision assignments: decisions in declaration order, states
// ascending, the last decision varying fastest. A decision variable pinned by evidence
// only takes its observed value.
func (e *Engine) Candidates(evidence bayes.Evidence) []bayes.Evidence {
	combos := []bayes.Evidence{{}}
	for _, d := range e.decisions {
		values := make([]int, 0, e.model.Card(d))
		if v, ok := evidence[d]; ok {
			values = append(values, v)
		} else {
			for v := 0; v < e.model.Card(d); v++ {
				values = append(values, v)
			}
		}
		next := make([]bayes.Evidence, 0, len(combos)*len(values))
		for _, c := range combos {
			for _, v := range values {
				next = append(next, c.With(d, v))
			}
		}
		combos = next
	}
	return combos
}

// ExpectedUtility sums, over every utility variable, the expectation of its score
// under do(decision) and evidence.
func (e *Engine) ExpectedUtility(ctx context.Context, decision, evidence bayes.Evidence) (float64, error) {
	var total float64
	for _, u := range e.utilVars {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		dist, err := e.causal.Query([]string{u}, decision, evidence)
		if err != nil {
			return 0, fmt.Errorf("expected utility of %s under do(%s): %w", u, decision, err)
		}
		scores := e.utilities[u]
		for v := 0; v < e.model.Card(u); v++ {
			total += dist.Prob(v) * scores[v]
		}
	}
	return total, nil
}

// MEU searches every decision candidate and returns the one with the highest expected
// utility. Candidates are evaluated concurrently; ties resolve to the candidate that
// comes first in Candidates order.
func (e *Engine) MEU(ctx context.Context, evidence bayes.Evidence) (Decision, error) {
	if err := e.model.CheckAssignment(evidence); err != nil {
		return Decision{}, err
	}
	candidates := e.Candidates(evidence)
	utils := make([]float64, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			u, err := e.ExpectedUtility(gctx, c, evidence)
			if err != nil {
				return err
			}
			utils[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Decision{}, err
	}

	best := Decision{Utility: math.Inf(-1)}
	for i, u := range utils {
		if u > best.Utility {
			best = Decision{Assignment: candidates[i], Utility: u}
		}
	}
	e.log.Debug("meu evaluated",
		"evidence", evidence.String(),
		"candidates", len(candidates),
		"best", best.Assignment.String(),
		"utility", best.Utility,
	)
	return best, nil
}

// VPI is the expected gain in maximum expected utility from learning variable before
// deciding: sum_v P(v | evidence) * MEU(evidence + v) - MEU(evidence). States with zero
// posterior probability are skipped. A variable that is already observed is worth
// nothing; decision variables are not observable. The result is never negative: a
// negative raw value only arises around descendants of a decision and is clamped to 0.
func (e *Engine) VPI(ctx context.Context, variable string, evidence bayes.Evidence) (float64, error) {
	vpi, err := e.rawVPI(ctx, variable, evidence)
	if err != nil {
		return 0, err
	}
	if vpi < 0 {
		if vpi < -vpiTolerance {
			e.log.Warn("negative information value clamped",
				"variable", variable,
				"evidence", evidence.String(),
				"raw", vpi,
			)
		}
		vpi = 0
	}
	return vpi, nil
}

// rawVPI is VPI without the clamp.
func (e *Engine) rawVPI(ctx context.Context, variable string, evidence bayes.Evidence) (float64, error) {
	if !e.model.Has(variable) {
		return 0, fmt.Errorf("%w: variable %q", bayes.ErrNotFound, variable)
	}
	if e.isDecision[variable] {
		return 0, fmt.Errorf("%w: %q is a decision variable and cannot be observed before deciding", bayes.ErrDomain, variable)
	}
	if err := e.model.CheckAssignment(evidence); err != nil {
		return 0, err
	}
	if _, observed := evidence[variable]; observed {
		return 0, nil
	}

	base, err := e.MEU(ctx, evidence)
	if err != nil {
		return 0, err
	}
	dist, err := e.inference.Query([]string{variable}, evidence)
	if err != nil {
		return 0, err
	}

	var informed float64
	for v := 0; v < e.model.Card(variable); v++ {
		p := dist.Prob(v)
		if p == 0 {
			continue
		}
		best, err := e.MEU(ctx, evidence.With(variable, v))
		if err != nil {
			return 0, err
		}
		informed += p * best.Utility
	}
	return informed - base.Utility, nil
}

// MostLikelyCompletion fills every non-evidence, non-decision variable with its value
// in the joint MAP assignment given evidence. Evidence entries are copied through
// unchanged; decision variables absent from evidence never appear.
func (e *Engine) MostLikelyCompletion(evidence bayes.Evidence) (bayes.Evidence, error) {
	full, err := e.inference.MAP(evidence)
	if err != nil {
		return nil, err
	}
	out := evidence.Clone()
	for name, v := range full {
		if _, observed := evidence[name]; observed || e.isDecision[name] {
			continue
		}
		out[name] = v
	}
	return out, nil
}
