package rb

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Guards the log-spaced grid endpoints against zero and rounding at
// the range boundaries.
const gridEpsilon = 1e-6

// GenerateRandom fills the training set with n samples drawn
// uniformly (or log-uniformly, per the ranges' log-scale flags) and
// independently per parameter.
//
// A negative seed means "seed from the wall clock". For a serial set
// the effective seed is made identical on every rank (rank 0's clock
// is broadcast), so all replicas agree; for a partitioned set the
// seed is perturbed per rank so local slices differ. Collective.
func (ts *TrainingSet) GenerateRandom(ranges *ParameterRanges, n int, seed int64) error {
	ts.reset(ranges, n)
	if len(ts.names) == 0 {
		ts.initialized = true
		return nil
	}

	rng := rand.New(rand.NewSource(ts.effectiveSeed(seed)))

	localN := ts.part.Last - ts.part.First
	for _, name := range ts.names {
		minV := ranges.Min().Value(name)
		maxV := ranges.Max().Value(name)
		logScale := ranges.LogScale(name)
		vals := ts.samples[name]
		for i := 0; i < localN; i++ {
			u := rng.Float64()
			if logScale {
				logMin := math.Log10(minV)
				logRange := math.Log10(maxV / minV)
				vals[i] = math.Pow(10, logMin+u*logRange)
			} else {
				vals[i] = minV + u*(maxV-minV)
			}
		}
	}

	ts.snapDiscrete(ranges)
	ts.initialized = true
	return nil
}

// GenerateDeterministic fills the training set with an evenly spaced
// grid: a 1D grid for one parameter, or the Cartesian product of two
// 1D grids for two parameters, in which case n must be a perfect
// square. More than two parameters is not supported. Collective.
func (ts *TrainingSet) GenerateDeterministic(ranges *ParameterRanges, n int) error {
	numParams := ranges.Len()
	if numParams > 2 {
		return fmt.Errorf("deterministic training set generation with %d parameters: %w",
			numParams, ErrNotImplemented)
	}

	if numParams == 2 {
		perVar := int(math.Sqrt(float64(n)))
		if perVar*perVar != n {
			return fmt.Errorf("deterministic training set generation with two parameters "+
				"requires a perfect square sample count, got %d: %w", n, ErrBadSampleCount)
		}
	}

	ts.reset(ranges, n)
	if numParams == 0 {
		ts.initialized = true
		return nil
	}

	if numParams == 1 {
		name := ts.names[0]
		grid := gridValues(ranges.Min().Value(name), ranges.Max().Value(name),
			ranges.LogScale(name), n)
		vals := ts.samples[name]
		for i := range vals {
			vals[i] = grid[ts.part.First+i]
		}
	} else {
		perVar := int(math.Sqrt(float64(n)))
		grids := make([][]float64, 2)
		for i, name := range ts.names {
			grids[i] = gridValues(ranges.Min().Value(name), ranges.Max().Value(name),
				ranges.LogScale(name), perVar)
		}

		// Flat index i1*perVar+i2 maps to (grid0[i1], grid1[i2]);
		// each rank fills only the flat indices it owns.
		vals0 := ts.samples[ts.names[0]]
		vals1 := ts.samples[ts.names[1]]
		for i1 := 0; i1 < perVar; i1++ {
			for i2 := 0; i2 < perVar; i2++ {
				index := i1*perVar + i2
				if index >= ts.part.First && index < ts.part.Last {
					vals0[index-ts.part.First] = grids[0][i1]
					vals1[index-ts.part.First] = grids[1][i2]
				}
			}
		}
	}

	ts.snapDiscrete(ranges)
	ts.initialized = true
	return nil
}

// reset reallocates the per-parameter arrays for a fresh generation
// pass, preserving already-existing arrays where the size allows.
func (ts *TrainingSet) reset(ranges *ParameterRanges, n int) {
	mode := PartitionParallel
	if ts.serial {
		mode = PartitionSerial
	}
	ts.part = newPartition(mode, n, ts.c.Size(), ts.c.Rank())
	ts.names = append([]string{}, ranges.Names()...)

	localN := ts.part.Last - ts.part.First
	for name := range ts.samples {
		if !ranges.Min().Has(name) {
			delete(ts.samples, name)
		}
	}
	for _, name := range ts.names {
		if cap(ts.samples[name]) >= localN {
			vals := ts.samples[name][:localN]
			for i := range vals {
				vals[i] = 0
			}
			ts.samples[name] = vals
		} else {
			ts.samples[name] = make([]float64, localN)
		}
	}
}

// effectiveSeed resolves the per-rank RNG seed. The wall clock is
// only consulted when seed < 0.
func (ts *TrainingSet) effectiveSeed(seed int64) int64 {
	if seed < 0 {
		if ts.serial {
			// Clocks may disagree across ranks; everyone uses
			// rank 0's reading so the replicas come out identical.
			return ts.c.BcastInt64(time.Now().Unix(), 0)
		}
		return time.Now().Unix() * int64(1+ts.c.Rank())
	}
	if ts.serial {
		return seed
	}
	return seed * int64(1+ts.c.Rank())
}

// gridValues builds an n-point evenly spaced grid from min to max,
// log-spaced when logScale is set. The last point is forced to max
// exactly to cancel accumulated rounding drift.
func gridValues(min, max float64, logScale bool, n int) []float64 {
	grid := make([]float64, n)
	switch {
	case n == 0:
	case n == 1:
		if logScale {
			grid[0] = max
		} else {
			grid[0] = min
		}
	case logScale:
		// The epsilon keeps a zero or boundary-rounded min from
		// blowing up the logarithm.
		floats.Span(grid, math.Log10(min+gridEpsilon), math.Log10(max-gridEpsilon))
		for i, x := range grid {
			grid[i] = math.Pow(10, x)
		}
		grid[n-1] = max
	default:
		floats.Span(grid, min, max)
		grid[n-1] = max
	}
	return grid
}
