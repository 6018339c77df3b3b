// Package bayes implements discrete Bayesian networks: parameter estimation from
// tabular data, exact inference by variable elimination, causal "do" queries and
// joint MAP completion.
//
// Every error returned by this package wraps one of the sentinels below, so callers
// can classify failures with errors.Is.
package bayes

import "errors"

var (
	// ErrStructure reports a malformed network: cycles, unknown columns, bad shapes.
	ErrStructure = errors.New("structure error")
	// ErrDomain reports a value outside a variable's domain, or evidence with zero probability.
	ErrDomain = errors.New("domain error")
	// ErrNotFound reports a variable that is not part of the model.
	ErrNotFound = errors.New("not found")
)
