package network

import (
	"context"
	"fmt"

	"github.com/CanopyHQ/xylem/internal/bayes"
	"github.com/CanopyHQ/xylem/internal/decision"
	"github.com/CanopyHQ/xylem/internal/logger"
)

// Compiled is a definition fitted to its observations.
type Compiled struct {
	Definition *Definition
	Revision   int
	Model      *bayes.Model
	Inference  *bayes.Inference
	Causal     *bayes.Causal
	Engine     *decision.Engine
}

type compileConfig struct {
	engineOpts []decision.Option
	log        *logger.Logger
}

// Option configures compilation.
type Option func(*compileConfig)

// WithConcurrency bounds MEU candidate evaluation in the compiled engine.
func WithConcurrency(n int) Option {
	return func(c *compileConfig) {
		c.engineOpts = append(c.engineOpts, decision.WithConcurrency(n))
	}
}

// WithLogger attaches a logger to the compiled engine.
func WithLogger(l *logger.Logger) Option {
	return func(c *compileConfig) {
		c.log = l
		c.engineOpts = append(c.engineOpts, decision.WithLogger(l))
	}
}

// Compile fits the definition's structure to data and builds the decision engine.
// Every variable named by the definition must be a column of data.
func Compile(def *Definition, data bayes.Dataset, opts ...Option) (*Compiled, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	cfg := compileConfig{log: logger.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	fitOpts := []bayes.FitOption{bayes.WithPseudocount(def.Pseudocount)}
	for name, k := range def.States {
		fitOpts = append(fitOpts, bayes.WithCardinality(name, k))
	}
	model, err := bayes.Fit(data, def.BayesEdges(), fitOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to fit %s: %w", def.Name, err)
	}

	engine, err := decision.New(model, def.Decisions, decision.UtilityMap(def.Utilities), cfg.engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build decision engine for %s: %w", def.Name, err)
	}

	cfg.log.Debug("network compiled",
		"network", def.Name,
		"variables", len(model.Names()),
		"rows", model.Rows(),
	)
	return &Compiled{
		Definition: def,
		Model:      model,
		Inference:  bayes.NewInference(model),
		Causal:     bayes.NewCausal(model),
		Engine:     engine,
	}, nil
}

// Source supplies stored definitions and observations. *store.Store satisfies it.
type Source interface {
	Definition(ctx context.Context, name string) (text []byte, revision int, err error)
	Observations(ctx context.Context, name string) (bayes.Dataset, error)
}

// Open compiles a stored network at its current revision.
func Open(ctx context.Context, src Source, name string, opts ...Option) (*Compiled, error) {
	text, rev, err := src.Definition(ctx, name)
	if err != nil {
		return nil, err
	}
	def, err := Parse(text)
	if err != nil {
		return nil, fmt.Errorf("stored definition of %s: %w", name, err)
	}
	data, err := src.Observations(ctx, name)
	if err != nil {
		return nil, err
	}
	c, err := Compile(def, data, opts...)
	if err != nil {
		return nil, err
	}
	c.Revision = rev
	return c, nil
}
