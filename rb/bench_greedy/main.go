// Command bench_greedy runs offline greedy training over simulated
// process groups of varying sizes and prints a markdown table of the
// resulting basis sizes and virtual communication times. With -out it
// additionally persists the last run's offline data.
package main

import (
	"flag"
	"fmt"
	"strconv"

	"github.com/unixpickle/essentials"
	"gonum.org/v1/gonum/mat"

	"github.com/rbtrain/rbtrain/comm"
	"github.com/rbtrain/rbtrain/galerkin"
	"github.com/rbtrain/rbtrain/offline"
	"github.com/rbtrain/rbtrain/rb"
	"github.com/rbtrain/rbtrain/simulator"
)

// RunInfo describes a specific group and network configuration.
type RunInfo struct {
	NumRanks int
	Latency  float64
	Rate     float64
}

// Run spawns a process group on a fresh loop, calls rankFn once per
// rank, and returns the loop's final virtual time.
func (r *RunInfo) Run(rankFn func(c *comm.Communicator)) float64 {
	loop := simulator.NewEventLoop()
	network := simulator.NewLinkNetwork(r.Rate, r.Latency)
	comm.SpawnGroup(loop, network, r.NumRanks, rankFn)
	essentials.Must(loop.Run())
	return loop.Time()
}

// newDiffusionProblem builds a 1D diffusion-reaction problem
//
//	A(k) = A_laplace + k * A_reaction
//
// with a unit load, parameterized by the reaction coefficient k.
func newDiffusionProblem(dofs int) *galerkin.Problem {
	laplace := mat.NewSymDense(dofs, nil)
	for i := 0; i < dofs; i++ {
		laplace.SetSym(i, i, 2)
		if i+1 < dofs {
			laplace.SetSym(i, i+1, -1)
		}
	}
	reaction := mat.NewSymDense(dofs, nil)
	for i := 0; i < dofs; i++ {
		reaction.SetSym(i, i, 1)
	}
	rhs := mat.NewVecDense(dofs, nil)
	for i := 0; i < dofs; i++ {
		rhs.SetVec(i, 1)
	}

	problem, err := galerkin.NewProblem(
		[]*mat.SymDense{laplace, reaction},
		[]galerkin.Theta{
			func(mu *rb.ParameterSet) float64 { return 1 },
			func(mu *rb.ParameterSet) float64 { return mu.Value("k") },
		},
		rhs,
	)
	essentials.Must(err)
	return problem
}

func main() {
	var outDir string
	var dofs int
	var tol float64
	flag.StringVar(&outDir, "out", "", "directory for the persisted offline store (empty to skip)")
	flag.IntVar(&dofs, "dofs", 50, "truth-space dimension")
	flag.Float64Var(&tol, "tol", 1e-6, "greedy bound tolerance")
	flag.Parse()

	min := rb.NewParameterSet("k")
	min.Set("k", 0.01)
	max := rb.NewParameterSet("k")
	max.Set("k", 100)
	ranges, err := rb.NewParameterRanges(min, max)
	essentials.Must(err)
	ranges.SetLogScale("k", true)

	runs := []RunInfo{
		{NumRanks: 1, Latency: 1e-4, Rate: 1e6},
		{NumRanks: 4, Latency: 1e-4, Rate: 1e6},
		{NumRanks: 16, Latency: 1e-4, Rate: 1e6},
		{NumRanks: 16, Latency: 1e-2, Rate: 1e6},
		{NumRanks: 16, Latency: 1e-4, Rate: 1e9},
	}
	trainingSizes := []int{16, 100, 400}

	fmt.Println("| Ranks | Latency | Rate | Samples | Basis | Iters | Comm time |")
	fmt.Println("|:--|:--|:--|:--|:--|:--|:--|")

	var lastResult *rb.GreedyResult
	var lastSize int
	for _, runInfo := range runs {
		for _, size := range trainingSizes {
			results := make([]*rb.GreedyResult, runInfo.NumRanks)
			elapsed := runInfo.Run(func(c *comm.Communicator) {
				ts := rb.NewTrainingSet(c, false)
				essentials.Must(ts.GenerateDeterministic(ranges, size))

				// Each rank runs its own replica of the truth
				// problem, so the bases evolve in lock-step.
				problem := newDiffusionProblem(dofs)
				trainer := rb.NewGreedyTrainer(
					rb.GreedyConfig{Tol: tol, NMax: 30},
					problem, problem, problem)
				res, err := trainer.Train(c, ts, ranges)
				essentials.Must(err)
				results[c.Rank()] = res
			})

			res := results[0]
			fmt.Printf("| %d | %s | %s | %d | %d | %d | %f |\n",
				runInfo.NumRanks,
				strconv.FormatFloat(runInfo.Latency, 'f', -1, 64),
				strconv.FormatFloat(runInfo.Rate, 'E', -1, 64),
				size, res.BasisSize, len(res.Selected), elapsed)

			lastResult = res
			lastSize = size
		}
	}

	if outDir != "" {
		persist(outDir, ranges, lastSize, lastResult, dofs)
	}
}

// persist regenerates the last configuration's training grid, replays
// its selections into a fresh basis, and writes the full offline data
// set to disk.
func persist(dir string, ranges *rb.ParameterRanges, sampleCount int,
	res *rb.GreedyResult, dofs int) {
	// A one-rank serial group holds the entire grid locally.
	var samples map[string][]float64
	run := RunInfo{NumRanks: 1, Latency: 1e-4, Rate: 1e6}
	run.Run(func(c *comm.Communicator) {
		ts := rb.NewTrainingSet(c, true)
		essentials.Must(ts.GenerateDeterministic(ranges, sampleCount))
		samples = map[string][]float64{}
		for _, name := range ts.Names() {
			vals, err := ts.LocalValues(name)
			essentials.Must(err)
			samples[name] = append([]float64{}, vals...)
		}
	})

	problem := newDiffusionProblem(dofs)
	basis := make([][]float64, 0, res.BasisSize)
	for _, mu := range res.Selected {
		snapshot, err := problem.TruthSolve(mu)
		essentials.Must(err)
		size, err := problem.Enrich(snapshot)
		essentials.Must(err)
		if size == len(basis)+1 {
			vec := problem.Basis(size - 1)
			flat := make([]float64, vec.Len())
			for i := range flat {
				flat[i] = vec.AtVec(i)
			}
			basis = append(basis, flat)
		}
	}

	store, err := offline.Open(dir)
	essentials.Must(err)
	defer store.Close()
	runID, err := store.CreateRun()
	essentials.Must(err)
	essentials.Must(store.WriteOfflineData(runID, &offline.RunData{
		Ranges:   ranges,
		Samples:  samples,
		Selected: res.Selected,
		Bounds:   res.Bounds,
		Basis:    basis,
	}, offline.ScopeAll))
	fmt.Printf("\nwrote run %s to %s\n", runID, dir)
}
