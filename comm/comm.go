// Package comm implements blocking collective operations over a
// group of simulated processes.
//
// A Communicator is one rank's view of the process group. Every
// collective is synchronous: all ranks must invoke the same
// collectives in the same relative order, or the event loop reports
// a deadlock. Back-to-back collectives additionally require an
// order-preserving network such as simulator.LinkNetwork, since a
// collective carries no operation tag of its own.
package comm

import (
	"math"

	"github.com/rbtrain/rbtrain/simulator"
)

// A Communicator is a single rank's handle on the process group.
//
// A Communicator is bound to one Goroutine; ranks must not share
// them.
type Communicator struct {
	// Handle is the rank's Goroutine's handle on the event loop.
	Handle *simulator.Handle

	// Port is the current rank's port.
	Port *simulator.Port

	// Ports contains ports for every rank in the group,
	// including the current one, indexed by rank.
	Ports []*simulator.Port

	// Network is the network connecting the ranks.
	Network simulator.Network
}

// SpawnGroup creates a process group of n ranks on the loop and
// calls f once per rank in that rank's own Goroutine.
func SpawnGroup(loop *simulator.EventLoop, network simulator.Network, n int,
	f func(c *Communicator)) {
	ports := make([]*simulator.Port, n)
	for i := range ports {
		ports[i] = simulator.NewPort(loop)
	}
	for i := range ports {
		port := ports[i]
		loop.Go(func(h *simulator.Handle) {
			f(&Communicator{
				Handle:  h,
				Port:    port,
				Ports:   ports,
				Network: network,
			})
		})
	}
}

// Rank returns the current rank's index in the group.
func (c *Communicator) Rank() int {
	for i, port := range c.Ports {
		if port == c.Port {
			return i
		}
	}
	panic("unreachable")
}

// Size returns the number of ranks in the group.
func (c *Communicator) Size() int {
	return len(c.Ports)
}

// send transmits a vector to another rank.
func (c *Communicator) send(dst int, vec []float64) {
	c.Network.Send(c.Handle, &simulator.Message{
		Source:  c.Port,
		Dest:    c.Ports[dst],
		Message: vec,
		Size:    float64(8 * len(vec)),
	})
}

// recv receives the next vector along with the sending rank.
func (c *Communicator) recv() ([]float64, int) {
	msg := c.Port.Recv(c.Handle)
	for i, port := range c.Ports {
		if port == msg.Source {
			return msg.Message.([]float64), i
		}
	}
	panic("unreachable")
}

// reduceRoot gathers every rank's vector on rank 0, applies fn to
// the gathered vectors in arrival order, and fans the result back
// out. All ranks return the same reduced vector.
//
// Arrival order at the root is not deterministic, which is why ties
// in MaxLoc have no defined winner.
func (c *Communicator) reduceRoot(vec []float64, fn func(acc, next []float64, src int)) []float64 {
	if c.Rank() != 0 {
		c.send(0, vec)
		res, _ := c.recv()
		return res
	}

	acc := append([]float64{}, vec...)
	for i := 0; i < len(c.Ports)-1; i++ {
		next, src := c.recv()
		fn(acc, next, src)
	}
	for dst := 1; dst < len(c.Ports); dst++ {
		c.send(dst, append([]float64{}, acc...))
	}
	return acc
}

// SumFloat64 computes the sum of x across all ranks.
func (c *Communicator) SumFloat64(x float64) float64 {
	res := c.reduceRoot([]float64{x}, func(acc, next []float64, src int) {
		acc[0] += next[0]
	})
	return res[0]
}

// SumInt computes the sum of x across all ranks.
func (c *Communicator) SumInt(x int) int {
	return int(c.SumFloat64(float64(x)))
}

// MaxFloat64 computes the maximum of x across all ranks.
func (c *Communicator) MaxFloat64(x float64) float64 {
	res := c.reduceRoot([]float64{x}, func(acc, next []float64, src int) {
		acc[0] = math.Max(acc[0], next[0])
	})
	return res[0]
}

// MaxInt computes the maximum of x across all ranks.
func (c *Communicator) MaxInt(x int) int {
	return int(c.MaxFloat64(float64(x)))
}

// MaxLoc computes the maximum of value across all ranks along with
// the rank that contributed it.
//
// If several ranks contribute the same maximal value, the reported
// owner is whichever contribution the root gathered first. That
// order is not deterministic; callers must not rely on any
// particular tie-break.
func (c *Communicator) MaxLoc(value float64) (max float64, owner int) {
	res := c.reduceRoot([]float64{value, float64(c.Rank())},
		func(acc, next []float64, src int) {
			if next[0] > acc[0] {
				acc[0] = next[0]
				acc[1] = next[1]
			}
		})
	return res[0], int(res[1])
}

// AllGatherInt collects x from every rank into a slice indexed by
// rank; all ranks return the same slice contents.
func (c *Communicator) AllGatherInt(x int) []int {
	vec := make([]float64, c.Size())
	vec[c.Rank()] = float64(x)
	res := c.reduceRoot(vec, func(acc, next []float64, src int) {
		acc[src] = next[src]
	})
	out := make([]int, len(res))
	for i, v := range res {
		out[i] = int(v)
	}
	return out
}

// BcastFloat64s broadcasts a vector from root to every rank. The
// vec argument is only read on the root; every rank returns a copy
// of the root's vector.
func (c *Communicator) BcastFloat64s(vec []float64, root int) []float64 {
	if c.Rank() == root {
		out := append([]float64{}, vec...)
		for dst := range c.Ports {
			if dst != root {
				// Fresh copy per receiver so no two ranks
				// alias the same backing array.
				c.send(dst, append([]float64{}, out...))
			}
		}
		return out
	}
	res, _ := c.recv()
	return res
}

// BcastInt broadcasts a single integer from root to every rank.
func (c *Communicator) BcastInt(x int, root int) int {
	res := c.BcastFloat64s([]float64{float64(x)}, root)
	return int(res[0])
}

// BcastInt64 broadcasts a single 64-bit integer from root to every
// rank.
func (c *Communicator) BcastInt64(x int64, root int) int64 {
	res := c.BcastFloat64s([]float64{float64(x)}, root)
	return int64(res[0])
}

// Barrier blocks until every rank has entered the barrier.
func (c *Communicator) Barrier() {
	c.SumFloat64(0)
}
