package bayes

import (
	"fmt"
	"math"
)

// Factor is a dense table over discrete variables mapping every joint assignment to a
// non-negative weight. The table is row-major in scope order: the last variable varies
// fastest. Factors are values; every operation returns a new factor.
type Factor struct {
	vars    []string
	cards   []int
	strides []int
	values  []float64
}

// NewFactor builds a factor over vars with the given cardinalities. values must hold
// one non-negative entry per joint assignment.
func NewFactor(vars []string, cards []int, values []float64) (*Factor, error) {
	if len(vars) != len(cards) {
		return nil, fmt.Errorf("%w: %d variables but %d cardinalities", ErrStructure, len(vars), len(cards))
	}
	seen := make(map[string]bool, len(vars))
	for i, v := range vars {
		if seen[v] {
			return nil, fmt.Errorf("%w: variable %q repeated in factor scope", ErrStructure, v)
		}
		seen[v] = true
		if cards[i] < 1 {
			return nil, fmt.Errorf("%w: variable %q has empty domain", ErrDomain, v)
		}
	}
	f := newFactor(vars, cards)
	if len(values) != len(f.values) {
		return nil, fmt.Errorf("%w: factor needs %d values, got %d", ErrStructure, len(f.values), len(values))
	}
	for i, x := range values {
		if x < 0 || math.IsNaN(x) {
			return nil, fmt.Errorf("%w: negative weight %v at index %d", ErrDomain, x, i)
		}
	}
	copy(f.values, values)
	return f, nil
}

// newFactor allocates a zero factor; callers guarantee a valid scope.
func newFactor(vars []string, cards []int) *Factor {
	f := &Factor{
		vars:    append([]string(nil), vars...),
		cards:   append([]int(nil), cards...),
		strides: make([]int, len(vars)),
	}
	size := 1
	for i := len(cards) - 1; i >= 0; i-- {
		f.strides[i] = size
		size *= cards[i]
	}
	f.values = make([]float64, size)
	return f
}

// pointMass is the deterministic factor over a single variable fixed to value.
func pointMass(name string, card, value int) *Factor {
	f := newFactor([]string{name}, []int{card})
	f.values[value] = 1
	return f
}

// scalar returns a factor with empty scope.
func scalar(x float64) *Factor {
	f := newFactor(nil, nil)
	f.values[0] = x
	return f
}

// Scope returns the factor's variables in table order.
func (f *Factor) Scope() []string { return append([]string(nil), f.vars...) }

// Cards returns the cardinalities aligned with Scope.
func (f *Factor) Cards() []int { return append([]int(nil), f.cards...) }

// Values returns a copy of the raw table.
func (f *Factor) Values() []float64 { return append([]float64(nil), f.values...) }

// Len is the number of table entries.
func (f *Factor) Len() int { return len(f.values) }

// Has reports whether name is in the factor's scope.
func (f *Factor) Has(name string) bool { return f.indexOf(name) >= 0 }

// Card returns the cardinality of name, or 0 if it is not in scope.
func (f *Factor) Card(name string) int {
	if i := f.indexOf(name); i >= 0 {
		return f.cards[i]
	}
	return 0
}

func (f *Factor) indexOf(name string) int {
	for i, v := range f.vars {
		if v == name {
			return i
		}
	}
	return -1
}

// Total is the sum of all entries.
func (f *Factor) Total() float64 {
	var sum float64
	for _, x := range f.values {
		sum += x
	}
	return sum
}

// Value looks up the weight of a full assignment to the factor's scope.
func (f *Factor) Value(assignment Evidence) (float64, error) {
	idx := 0
	for i, v := range f.vars {
		x, ok := assignment[v]
		if !ok {
			return 0, fmt.Errorf("%w: assignment missing %q", ErrNotFound, v)
		}
		if x < 0 || x >= f.cards[i] {
			return 0, fmt.Errorf("%w: %s=%d outside domain [0,%d)", ErrDomain, v, x, f.cards[i])
		}
		idx += x * f.strides[i]
	}
	return f.values[idx], nil
}

// Prob returns the entry for state value of a single-variable factor; out-of-range
// states and multi-variable factors yield 0.
func (f *Factor) Prob(value int) float64 {
	if len(f.vars) != 1 || value < 0 || value >= f.cards[0] {
		return 0
	}
	return f.values[value]
}

// Each visits every joint assignment in table order. The assignment slice is reused
// between calls.
func (f *Factor) Each(fn func(assignment []int, weight float64)) {
	assign := make([]int, len(f.vars))
	for _, x := range f.values {
		fn(assign, x)
		for d := len(assign) - 1; d >= 0; d-- {
			assign[d]++
			if assign[d] < f.cards[d] {
				break
			}
			assign[d] = 0
		}
	}
}

// Multiply returns the factor over the union of both scopes whose value at a joint
// assignment is the product of the inputs on their sub-assignments. The result keeps
// a's variable order followed by b's new variables.
func Multiply(a, b *Factor) (*Factor, error) {
	vars := append([]string(nil), a.vars...)
	cards := append([]int(nil), a.cards...)
	for i, v := range b.vars {
		j := a.indexOf(v)
		if j < 0 {
			vars = append(vars, v)
			cards = append(cards, b.cards[i])
			continue
		}
		if a.cards[j] != b.cards[i] {
			return nil, fmt.Errorf("%w: variable %q has cardinality %d and %d", ErrStructure, v, a.cards[j], b.cards[i])
		}
	}

	out := newFactor(vars, cards)
	sa := make([]int, len(vars))
	sb := make([]int, len(vars))
	for i, v := range vars {
		if j := a.indexOf(v); j >= 0 {
			sa[i] = a.strides[j]
		}
		if j := b.indexOf(v); j >= 0 {
			sb[i] = b.strides[j]
		}
	}

	assign := make([]int, len(vars))
	ia, ib := 0, 0
	for k := range out.values {
		out.values[k] = a.values[ia] * b.values[ib]
		for d := len(vars) - 1; d >= 0; d-- {
			assign[d]++
			ia += sa[d]
			ib += sb[d]
			if assign[d] < cards[d] {
				break
			}
			ia -= sa[d] * cards[d]
			ib -= sb[d] * cards[d]
			assign[d] = 0
		}
	}
	return out, nil
}

// SumOut removes name from the scope, summing over its states.
func (f *Factor) SumOut(name string) (*Factor, error) {
	return f.reduce(name, func(acc, x float64) float64 { return acc + x })
}

// MaxOut removes name from the scope, keeping the largest weight over its states.
func (f *Factor) MaxOut(name string) (*Factor, error) {
	return f.reduce(name, math.Max)
}

func (f *Factor) reduce(name string, op func(acc, x float64) float64) (*Factor, error) {
	pos := f.indexOf(name)
	if pos < 0 {
		return nil, fmt.Errorf("%w: %q is not in factor scope", ErrNotFound, name)
	}
	out := f.without(pos)
	inner := f.strides[pos]
	card := f.cards[pos]
	filled := make([]bool, len(out.values))
	for k, x := range f.values {
		o := (k/(card*inner))*inner + k%inner
		if !filled[o] {
			out.values[o] = x
			filled[o] = true
			continue
		}
		out.values[o] = op(out.values[o], x)
	}
	return out, nil
}

// Restrict fixes name to value and removes it from the scope, keeping the matching slice.
func (f *Factor) Restrict(name string, value int) (*Factor, error) {
	pos := f.indexOf(name)
	if pos < 0 {
		return nil, fmt.Errorf("%w: %q is not in factor scope", ErrNotFound, name)
	}
	card := f.cards[pos]
	if value < 0 || value >= card {
		return nil, fmt.Errorf("%w: %s=%d outside domain [0,%d)", ErrDomain, name, value, card)
	}
	out := f.without(pos)
	inner := f.strides[pos]
	outer := len(f.values) / (card * inner)
	for hi := 0; hi < outer; hi++ {
		src := hi*card*inner + value*inner
		copy(out.values[hi*inner:(hi+1)*inner], f.values[src:src+inner])
	}
	return out, nil
}

func (f *Factor) without(pos int) *Factor {
	vars := make([]string, 0, len(f.vars)-1)
	cards := make([]int, 0, len(f.cards)-1)
	for i := range f.vars {
		if i != pos {
			vars = append(vars, f.vars[i])
			cards = append(cards, f.cards[i])
		}
	}
	return newFactor(vars, cards)
}

// Permute returns the same table with its scope in the given order.
func (f *Factor) Permute(order []string) (*Factor, error) {
	if len(order) != len(f.vars) {
		return nil, fmt.Errorf("%w: permutation has %d variables, scope has %d", ErrStructure, len(order), len(f.vars))
	}
	cards := make([]int, len(order))
	src := make([]int, len(order))
	seen := make(map[string]bool, len(order))
	for i, v := range order {
		j := f.indexOf(v)
		if j < 0 || seen[v] {
			return nil, fmt.Errorf("%w: %v is not a permutation of %v", ErrStructure, order, f.vars)
		}
		seen[v] = true
		cards[i] = f.cards[j]
		src[i] = f.strides[j]
	}
	out := newFactor(order, cards)
	assign := make([]int, len(order))
	idx := 0
	for k := range out.values {
		out.values[k] = f.values[idx]
		for d := len(order) - 1; d >= 0; d-- {
			assign[d]++
			idx += src[d]
			if assign[d] < cards[d] {
				break
			}
			idx -= src[d] * cards[d]
			assign[d] = 0
		}
	}
	return out, nil
}

// Normalize scales the table to sum to one. A factor with zero total mass means the
// conditioning evidence is impossible and yields ErrDomain.
func (f *Factor) Normalize() (*Factor, error) {
	total := f.Total()
	if !(total > 0) {
		return nil, fmt.Errorf("%w: evidence has zero probability", ErrDomain)
	}
	out := newFactor(f.vars, f.cards)
	for i, x := range f.values {
		out.values[i] = x / total
	}
	return out, nil
}

// argmax returns the index of the largest entry; ties go to the lowest index.
func (f *Factor) argmax() int {
	best := 0
	for i, x := range f.values {
		if x > f.values[best] {
			best = i
		}
	}
	return best
}
