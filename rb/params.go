// Package rb implements the offline phase of the certified reduced
// basis method: distributed training-set generation over a process
// group and the greedy, error-bound-driven loop that selects
// snapshots and grows a reduced basis.
//
// Truth solves, basis enrichment, and error-bound evaluation are
// external collaborators injected through the interfaces in
// greedy.go; this package owns parameter bookkeeping, sampling, and
// the cross-rank selection protocol.
package rb

import (
	"fmt"
	"sort"
)

// A ParameterSet is an ordered mapping from parameter name to a real
// scalar: one point in parameter space.
//
// The key set is fixed at construction and iteration order is always
// lexicographic, so flattening a set to Values() on one rank and
// re-applying them with SetValues() on another reconstructs the same
// point. That contract is what makes broadcast of a parameter point
// well defined.
type ParameterSet struct {
	names  []string
	values map[string]float64
}

// NewParameterSet creates a set with the given parameter names, all
// values zero. Duplicate names are collapsed.
func NewParameterSet(names ...string) *ParameterSet {
	ps := &ParameterSet{values: map[string]float64{}}
	for _, name := range names {
		if _, ok := ps.values[name]; !ok {
			ps.names = append(ps.names, name)
			ps.values[name] = 0
		}
	}
	sort.Strings(ps.names)
	return ps
}

// Len returns the number of parameters.
func (p *ParameterSet) Len() int {
	return len(p.names)
}

// Names returns the parameter names in lexicographic order.
// The returned slice must not be modified.
func (p *ParameterSet) Names() []string {
	return p.names
}

// Has reports whether the set contains the named parameter.
func (p *ParameterSet) Has(name string) bool {
	_, ok := p.values[name]
	return ok
}

// Value returns the named parameter's value, panicking on an unknown
// name. Unknown names are programmer errors: the key set never
// changes during a run.
func (p *ParameterSet) Value(name string) float64 {
	v, ok := p.values[name]
	if !ok {
		panic(fmt.Sprintf("unknown parameter: %q", name))
	}
	return v
}

// Set assigns the named parameter's value, panicking on an unknown
// name.
func (p *ParameterSet) Set(name string, v float64) {
	if _, ok := p.values[name]; !ok {
		panic(fmt.Sprintf("unknown parameter: %q", name))
	}
	p.values[name] = v
}

// Values returns the parameter values in Names() order.
func (p *ParameterSet) Values() []float64 {
	out := make([]float64, len(p.names))
	for i, name := range p.names {
		out[i] = p.values[name]
	}
	return out
}

// SetValues assigns all parameter values at once, in Names() order.
// The length must match Len().
func (p *ParameterSet) SetValues(vals []float64) error {
	if len(vals) != len(p.names) {
		return fmt.Errorf("set values: got %d values for %d parameters: %w",
			len(vals), len(p.names), ErrConfig)
	}
	for i, name := range p.names {
		p.values[name] = vals[i]
	}
	return nil
}

// Equal reports whether two sets have the same keys and values.
func (p *ParameterSet) Equal(other *ParameterSet) bool {
	if other == nil || len(p.names) != len(other.names) {
		return false
	}
	for i, name := range p.names {
		if other.names[i] != name || p.values[name] != other.values[name] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the set.
func (p *ParameterSet) Clone() *ParameterSet {
	out := &ParameterSet{
		names:  p.names,
		values: make(map[string]float64, len(p.values)),
	}
	for name, v := range p.values {
		out.values[name] = v
	}
	return out
}

// String formats the set as name=value pairs in order.
func (p *ParameterSet) String() string {
	s := ""
	for i, name := range p.names {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s=%g", name, p.values[name])
	}
	return s
}

// sameNames reports whether two sets declare identical key sets.
func sameNames(a, b *ParameterSet) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i, name := range a.names {
		if b.names[i] != name {
			return false
		}
	}
	return true
}
