package rb_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rbtrain/rbtrain/comm"
	"github.com/rbtrain/rbtrain/rb"
	"github.com/rbtrain/rbtrain/simulator"
)

// runGroup spawns a process group over an order-preserving network
// and runs the loop to completion. Closures must only use assert
// (not require): they run outside the test Goroutine.
func runGroup(t *testing.T, n int, f func(c *comm.Communicator)) {
	t.Helper()
	loop := simulator.NewEventLoop()
	network := simulator.NewLinkNetwork(1e6, 1e-4)
	comm.SpawnGroup(loop, network, n, f)
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
}

func TestDeterministic1DGridSerial(t *testing.T) {
	ranges := makeRanges(t, map[string][2]float64{"x": {1, 10}})
	want := []float64{1, 3.25, 5.5, 7.75, 10}

	runGroup(t, 3, func(c *comm.Communicator) {
		ts := rb.NewTrainingSet(c, true)
		if !assert.NoError(t, ts.GenerateDeterministic(ranges, 5)) {
			return
		}
		vals, err := ts.LocalValues("x")
		assert.NoError(t, err)
		assert.Equal(t, want, vals, "rank %d replica", c.Rank())
	})
}

func TestDeterministic1DGridParallel(t *testing.T) {
	ranges := makeRanges(t, map[string][2]float64{"x": {1, 10}})
	want := []float64{1, 3.25, 5.5, 7.75, 10}

	const p = 3
	gathered := make([][]float64, p)
	firsts := make([]int, p)
	runGroup(t, p, func(c *comm.Communicator) {
		ts := rb.NewTrainingSet(c, false)
		if !assert.NoError(t, ts.GenerateDeterministic(ranges, 5)) {
			return
		}
		vals, err := ts.LocalValues("x")
		assert.NoError(t, err)
		first, err := ts.FirstLocalIndex()
		assert.NoError(t, err)
		gathered[c.Rank()] = vals
		firsts[c.Rank()] = first
	})

	global := make([]float64, len(want))
	for rank, vals := range gathered {
		copy(global[firsts[rank]:], vals)
	}
	assert.Equal(t, want, global)
}

func TestDeterministic1DLogGrid(t *testing.T) {
	ranges := makeRanges(t, map[string][2]float64{"x": {0.001, 10}})
	ranges.SetLogScale("x", true)

	runGroup(t, 1, func(c *comm.Communicator) {
		ts := rb.NewTrainingSet(c, false)
		if !assert.NoError(t, ts.GenerateDeterministic(ranges, 7)) {
			return
		}
		vals, err := ts.LocalValues("x")
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, 10.0, vals[len(vals)-1], "last grid point must be exactly max")
		for i, v := range vals {
			assert.Greater(t, v, 0.0)
			assert.LessOrEqual(t, v, 10.0)
			if i > 0 {
				assert.Greater(t, v, vals[i-1], "log grid must increase")
			}
		}
	})
}

func TestDeterministic2DGrid(t *testing.T) {
	ranges := makeRanges(t, map[string][2]float64{"x": {0, 2}, "y": {10, 30}})
	gridX := []float64{0, 1, 2}
	gridY := []float64{10, 20, 30}

	runGroup(t, 2, func(c *comm.Communicator) {
		ts := rb.NewTrainingSet(c, true)
		if !assert.NoError(t, ts.GenerateDeterministic(ranges, 9)) {
			return
		}
		xs, err := ts.LocalValues("x")
		assert.NoError(t, err)
		ys, err := ts.LocalValues("y")
		assert.NoError(t, err)

		for i1 := 0; i1 < 3; i1++ {
			for i2 := 0; i2 < 3; i2++ {
				idx := i1*3 + i2
				assert.Equal(t, gridX[i1], xs[idx], "x at flat index %d", idx)
				assert.Equal(t, gridY[i2], ys[idx], "y at flat index %d", idx)
			}
		}
	})
}

func TestDeterministic2DNotSquare(t *testing.T) {
	ranges := makeRanges(t, map[string][2]float64{"x": {0, 1}, "y": {0, 1}})
	runGroup(t, 1, func(c *comm.Communicator) {
		ts := rb.NewTrainingSet(c, false)
		err := ts.GenerateDeterministic(ranges, 10)
		assert.ErrorIs(t, err, rb.ErrBadSampleCount)
		assert.ErrorContains(t, err, "10")
	})
}

func TestDeterministicThreeParams(t *testing.T) {
	ranges := makeRanges(t, map[string][2]float64{"x": {0, 1}, "y": {0, 1}, "z": {0, 1}})
	runGroup(t, 1, func(c *comm.Communicator) {
		ts := rb.NewTrainingSet(c, false)
		assert.ErrorIs(t, ts.GenerateDeterministic(ranges, 8), rb.ErrNotImplemented)
	})
}

func TestRandomBounds(t *testing.T) {
	ranges := makeRanges(t, map[string][2]float64{"lin": {2, 3}, "log": {1e-3, 1e3}})
	ranges.SetLogScale("log", true)

	runGroup(t, 4, func(c *comm.Communicator) {
		ts := rb.NewTrainingSet(c, false)
		if !assert.NoError(t, ts.GenerateRandom(ranges, 50, 1234)) {
			return
		}
		lin, err := ts.LocalValues("lin")
		assert.NoError(t, err)
		for _, v := range lin {
			assert.GreaterOrEqual(t, v, 2.0)
			assert.LessOrEqual(t, v, 3.0)
		}
		logVals, err := ts.LocalValues("log")
		assert.NoError(t, err)
		for _, v := range logVals {
			assert.GreaterOrEqual(t, v, 1e-3)
			assert.LessOrEqual(t, v, 1e3)
		}
	})
}

func TestRandomSerialReplicasAgree(t *testing.T) {
	ranges := makeRanges(t, map[string][2]float64{"x": {0, 1}})

	const p = 3
	replicas := make([][]float64, p)
	runGroup(t, p, func(c *comm.Communicator) {
		ts := rb.NewTrainingSet(c, true)
		if !assert.NoError(t, ts.GenerateRandom(ranges, 20, 42)) {
			return
		}
		vals, err := ts.LocalValues("x")
		assert.NoError(t, err)
		replicas[c.Rank()] = vals
	})

	for rank := 1; rank < p; rank++ {
		assert.Equal(t, replicas[0], replicas[rank],
			"serial replicas must be identical on every rank")
	}
}

func TestRandomParallelRanksDiffer(t *testing.T) {
	ranges := makeRanges(t, map[string][2]float64{"x": {0, 1}})

	const p = 2
	locals := make([][]float64, p)
	runGroup(t, p, func(c *comm.Communicator) {
		ts := rb.NewTrainingSet(c, false)
		if !assert.NoError(t, ts.GenerateRandom(ranges, 40, 42)) {
			return
		}
		vals, err := ts.LocalValues("x")
		assert.NoError(t, err)
		locals[c.Rank()] = vals
	})

	assert.NotEqual(t, locals[0], locals[1],
		"per-rank seed perturbation must decorrelate local slices")
}

func TestSampleCountSerialVsParallel(t *testing.T) {
	ranges := makeRanges(t, map[string][2]float64{"x": {0, 1}})

	for _, serial := range []bool{false, true} {
		runGroup(t, 4, func(c *comm.Communicator) {
			ts := rb.NewTrainingSet(c, serial)
			if !assert.NoError(t, ts.GenerateRandom(ranges, 18, 7)) {
				return
			}
			n, err := ts.SampleCount()
			assert.NoError(t, err)
			assert.Equal(t, 18, n, "serial=%v", serial)
		})
	}
}

func TestZeroParameters(t *testing.T) {
	ranges := makeRanges(t, map[string][2]float64{})
	runGroup(t, 2, func(c *comm.Communicator) {
		ts := rb.NewTrainingSet(c, false)
		if !assert.NoError(t, ts.GenerateRandom(ranges, 10, 1)) {
			return
		}
		n, err := ts.SampleCount()
		assert.NoError(t, err)
		assert.Equal(t, 0, n, "zero parameters must produce an empty store")
	})
}

func TestDiscreteSnapping(t *testing.T) {
	ranges := makeRanges(t, map[string][2]float64{"k": {0, 10}})
	ranges.SetDiscreteValues("k", []float64{1, 2, 4})

	runGroup(t, 2, func(c *comm.Communicator) {
		ts := rb.NewTrainingSet(c, false)
		if !assert.NoError(t, ts.GenerateRandom(ranges, 30, 99)) {
			return
		}
		vals, err := ts.LocalValues("k")
		assert.NoError(t, err)
		for i, v := range vals {
			assert.Contains(t, []float64{1, 2, 4}, v, "sample %d must snap to an allowed value", i)
		}
	})
}

func TestUninitializedAccess(t *testing.T) {
	runGroup(t, 1, func(c *comm.Communicator) {
		ts := rb.NewTrainingSet(c, false)
		_, err := ts.SampleCount()
		assert.ErrorIs(t, err, rb.ErrNotInitialized)
		_, err = ts.FirstLocalIndex()
		assert.ErrorIs(t, err, rb.ErrNotInitialized)
		_, err = ts.ParamsAt(0)
		assert.ErrorIs(t, err, rb.ErrNotInitialized)
		assert.ErrorIs(t, ts.Replace(map[string][]float64{}), rb.ErrNotInitialized)
	})
}

func TestParamsAtOutsideLocalRange(t *testing.T) {
	ranges := makeRanges(t, map[string][2]float64{"x": {0, 1}})
	runGroup(t, 2, func(c *comm.Communicator) {
		ts := rb.NewTrainingSet(c, false)
		if !assert.NoError(t, ts.GenerateDeterministic(ranges, 4)) {
			return
		}
		// Each rank owns 2 of 4 samples; the other rank's range
		// must be inaccessible.
		var foreign int
		if c.Rank() == 0 {
			foreign = 3
		}
		_, err := ts.ParamsAt(foreign)
		assert.ErrorIs(t, err, rb.ErrIndexRange)
	})
}

func TestReplace(t *testing.T) {
	ranges := makeRanges(t, map[string][2]float64{"x": {0, 1}})

	runGroup(t, 2, func(c *comm.Communicator) {
		ts := rb.NewTrainingSet(c, false)
		if !assert.NoError(t, ts.GenerateRandom(ranges, 4, 5)) {
			return
		}

		// Uneven local sizes are allowed: offsets come from a
		// prefix sum over the group.
		var local []float64
		if c.Rank() == 0 {
			local = []float64{0.1, 0.2, 0.3}
		} else {
			local = []float64{0.4}
		}
		if !assert.NoError(t, ts.Replace(map[string][]float64{"x": local})) {
			return
		}

		n, err := ts.SampleCount()
		assert.NoError(t, err)
		assert.Equal(t, 4, n)
		first, err := ts.FirstLocalIndex()
		assert.NoError(t, err)
		if c.Rank() == 0 {
			assert.Equal(t, 0, first)
		} else {
			assert.Equal(t, 3, first)
			ps, err := ts.ParamsAt(3)
			if assert.NoError(t, err) {
				assert.Equal(t, 0.4, ps.Value("x"))
			}
		}
	})
}

func TestReplaceKeyMismatch(t *testing.T) {
	ranges := makeRanges(t, map[string][2]float64{"x": {0, 1}})
	runGroup(t, 1, func(c *comm.Communicator) {
		ts := rb.NewTrainingSet(c, false)
		if !assert.NoError(t, ts.GenerateRandom(ranges, 4, 5)) {
			return
		}
		err := ts.Replace(map[string][]float64{"x": {1}, "y": {2}})
		assert.ErrorIs(t, err, rb.ErrConfig)
		err = ts.Replace(map[string][]float64{"y": {1}})
		assert.ErrorIs(t, err, rb.ErrConfig)
	})
}

func TestBroadcastParamsAt(t *testing.T) {
	ranges := makeRanges(t, map[string][2]float64{"x": {1, 10}})
	runGroup(t, 3, func(c *comm.Communicator) {
		ts := rb.NewTrainingSet(c, false)
		if !assert.NoError(t, ts.GenerateDeterministic(ranges, 5)) {
			return
		}
		// Index 4 lives on the last rank; everyone must see it.
		ps, err := ts.BroadcastParamsAt(4)
		if assert.NoError(t, err) {
			assert.Equal(t, 10.0, ps.Value("x"), "rank %d", c.Rank())
		}
	})
}

func TestRegenerateReuses(t *testing.T) {
	ranges := makeRanges(t, map[string][2]float64{"x": {0, 4}})
	runGroup(t, 1, func(c *comm.Communicator) {
		ts := rb.NewTrainingSet(c, false)
		if !assert.NoError(t, ts.GenerateDeterministic(ranges, 5)) {
			return
		}
		if !assert.NoError(t, ts.GenerateDeterministic(ranges, 3)) {
			return
		}
		n, err := ts.SampleCount()
		assert.NoError(t, err)
		assert.Equal(t, 3, n)
		vals, err := ts.LocalValues("x")
		assert.NoError(t, err)
		assert.Equal(t, []float64{0, 2, 4}, vals)
	})
}

func TestRandomLogBoundsAfterExponentiation(t *testing.T) {
	ranges := makeRanges(t, map[string][2]float64{"x": {0.01, 100}})
	ranges.SetLogScale("x", true)

	runGroup(t, 1, func(c *comm.Communicator) {
		ts := rb.NewTrainingSet(c, true)
		if !assert.NoError(t, ts.GenerateRandom(ranges, 200, 3)) {
			return
		}
		vals, err := ts.LocalValues("x")
		assert.NoError(t, err)
		for _, v := range vals {
			assert.False(t, math.IsNaN(v))
			assert.GreaterOrEqual(t, v, 0.01)
			assert.LessOrEqual(t, v, 100.0)
		}
	})
}
