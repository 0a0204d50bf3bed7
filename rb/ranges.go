package rb

import (
	"fmt"
	"math"
)

// ParameterRanges declares the tunable parameters of a problem: a
// box [min, max] per parameter, an optional log-scale flag used by
// the training-set generators, and an optional list of discrete
// allowed values for parameters that may not vary continuously.
type ParameterRanges struct {
	min      *ParameterSet
	max      *ParameterSet
	logScale map[string]bool
	discrete map[string][]float64
}

// NewParameterRanges creates ranges from matching min and max sets.
func NewParameterRanges(min, max *ParameterSet) (*ParameterRanges, error) {
	if !sameNames(min, max) {
		return nil, fmt.Errorf("parameter ranges: min has %d parameters, max has %d: %w",
			min.Len(), max.Len(), ErrConfig)
	}
	for _, name := range min.Names() {
		if min.Value(name) > max.Value(name) {
			return nil, fmt.Errorf("parameter ranges: %q has min %g > max %g: %w",
				name, min.Value(name), max.Value(name), ErrConfig)
		}
	}
	return &ParameterRanges{
		min:      min.Clone(),
		max:      max.Clone(),
		logScale: map[string]bool{},
		discrete: map[string][]float64{},
	}, nil
}

// Names returns the parameter names in lexicographic order.
func (r *ParameterRanges) Names() []string {
	return r.min.Names()
}

// Len returns the number of parameters.
func (r *ParameterRanges) Len() int {
	return r.min.Len()
}

// Min returns the lower-bound parameter set.
func (r *ParameterRanges) Min() *ParameterSet {
	return r.min
}

// Max returns the upper-bound parameter set.
func (r *ParameterRanges) Max() *ParameterSet {
	return r.max
}

// SetLogScale marks a parameter for log-uniform sampling.
func (r *ParameterRanges) SetLogScale(name string, on bool) {
	r.min.Value(name) // panic on unknown name
	r.logScale[name] = on
}

// LogScale reports whether the parameter samples log-uniformly.
func (r *ParameterRanges) LogScale(name string) bool {
	return r.logScale[name]
}

// SetDiscreteValues restricts a parameter to a list of allowed
// values. Generated samples snap to the nearest allowed value.
func (r *ParameterRanges) SetDiscreteValues(name string, vals []float64) {
	r.min.Value(name) // panic on unknown name
	r.discrete[name] = append([]float64{}, vals...)
}

// IsDiscrete reports whether the parameter has a discrete value list.
func (r *ParameterRanges) IsDiscrete(name string) bool {
	return len(r.discrete[name]) > 0
}

// DiscreteValues returns the allowed values for a discrete
// parameter, or nil for a continuous one.
func (r *ParameterRanges) DiscreteValues(name string) []float64 {
	return r.discrete[name]
}

// HasDiscrete reports whether any parameter is discrete.
func (r *ParameterRanges) HasDiscrete() bool {
	for _, vals := range r.discrete {
		if len(vals) > 0 {
			return true
		}
	}
	return false
}

// ClosestDiscreteValue returns the allowed value nearest to v by
// absolute distance. Ties keep the earlier value in the list.
func (r *ParameterRanges) ClosestDiscreteValue(name string, v float64) float64 {
	vals := r.discrete[name]
	if len(vals) == 0 {
		panic(fmt.Sprintf("parameter %q is not discrete", name))
	}
	best := vals[0]
	bestDist := math.Abs(v - best)
	for _, candidate := range vals[1:] {
		if dist := math.Abs(v - candidate); dist < bestDist {
			best = candidate
			bestDist = dist
		}
	}
	return best
}

// Validate checks that a parameter point lies inside the declared
// ranges: within [min, max] for continuous parameters and on an
// allowed value for discrete ones.
func (r *ParameterRanges) Validate(ps *ParameterSet) error {
	if !sameNames(r.min, ps) {
		return fmt.Errorf("validate: parameter set has %d parameters, ranges have %d: %w",
			ps.Len(), r.min.Len(), ErrConfig)
	}
	for _, name := range ps.Names() {
		v := ps.Value(name)
		if r.IsDiscrete(name) {
			ok := false
			for _, allowed := range r.discrete[name] {
				if v == allowed {
					ok = true
					break
				}
			}
			if !ok {
				return fmt.Errorf("validate: %q value %g is not an allowed discrete value: %w",
					name, v, ErrConfig)
			}
			continue
		}
		if v < r.min.Value(name) || v > r.max.Value(name) {
			return fmt.Errorf("validate: %q value %g outside [%g, %g]: %w",
				name, v, r.min.Value(name), r.max.Value(name), ErrConfig)
		}
	}
	return nil
}
