package rb

import (
	"fmt"
	"log"
	"math"
	"os"

	"github.com/rbtrain/rbtrain/comm"
)

// An Evaluator estimates how badly the current reduced basis
// approximates the truth at a parameter point. Larger means worse.
// It must be cheap: the greedy loop calls it once per locally-owned
// training sample per iteration.
type Evaluator interface {
	ErrorBound(mu *ParameterSet, basisSize int) (float64, error)
}

// A TruthSolver performs a full-fidelity solve at a parameter point.
// The returned snapshot is passed verbatim to the Enricher; the
// trainer never inspects it.
type TruthSolver interface {
	TruthSolve(mu *ParameterSet) (interface{}, error)
}

// An Enricher appends a snapshot's contribution to the reduced
// basis and reports the new basis size. A snapshot already spanned
// by the basis may leave the size unchanged.
type Enricher interface {
	Enrich(snapshot interface{}) (int, error)
}

// GreedyConfig holds the termination thresholds and knobs of a
// greedy training run.
type GreedyConfig struct {
	// Tol stops the loop once the worst error bound over the
	// training set falls below it.
	Tol float64

	// NMax stops the loop once the basis reaches this size.
	NMax int

	// DeltaN is the number of enrichment calls issued per selected
	// snapshot. Zero means one.
	DeltaN int

	// CheckInitialBound short-circuits before the first truth
	// solve when the zero-basis bound is already below Tol.
	CheckInitialBound bool

	// Verbose enables per-iteration progress logging on rank 0.
	Verbose bool

	// Logger receives progress output; defaults to stderr.
	Logger *log.Logger
}

// GreedyResult records what a training run selected.
type GreedyResult struct {
	// Selected lists the winning parameter points in selection
	// order, one per iteration. Append-only during the run.
	Selected []*ParameterSet

	// Bounds lists the group-wide maximal error bound observed at
	// each iteration, aligned with Selected.
	Bounds []float64

	// BasisSize is the final reduced basis size.
	BasisSize int

	// Converged reports whether the loop stopped because the bound
	// fell below Tol, as opposed to hitting NMax or stalling.
	Converged bool
}

// A GreedyTrainer drives the offline reduced-basis loop: evaluate
// the error bound at every training sample, agree group-wide on the
// worst point, truth-solve there, enrich the basis, repeat.
type GreedyTrainer struct {
	cfg      GreedyConfig
	eval     Evaluator
	solver   TruthSolver
	enricher Enricher
}

// NewGreedyTrainer creates a trainer around the three injected
// collaborators.
func NewGreedyTrainer(cfg GreedyConfig, eval Evaluator, solver TruthSolver,
	enricher Enricher) *GreedyTrainer {
	if cfg.DeltaN <= 0 {
		cfg.DeltaN = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "greedy: ", 0)
	}
	return &GreedyTrainer{cfg: cfg, eval: eval, solver: solver, enricher: enricher}
}

// Train runs the greedy loop to termination. Collective: every rank
// of the group must call Train with an identically-generated
// training set, and all collaborator errors are fatal to the run.
func (g *GreedyTrainer) Train(c *comm.Communicator, ts *TrainingSet,
	ranges *ParameterRanges) (*GreedyResult, error) {
	n, err := ts.SampleCount()
	if err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("train: empty training set: %w", ErrConfig)
	}
	if ranges.Len() != len(ts.Names()) {
		return nil, fmt.Errorf("train: ranges have %d parameters, training set has %d: %w",
			ranges.Len(), len(ts.Names()), ErrConfig)
	}

	current := ranges.Min().Clone()
	res := &GreedyResult{}
	basisSize := 0

	for iter := 0; ; iter++ {
		localMax, localIdx, err := g.scanLocal(ts, basisSize)
		if err != nil {
			return nil, err
		}

		// Agree on the globally worst point and put its parameter
		// values in every rank's hands before the truth solve.
		maxBound, owner := c.MaxLoc(localMax)
		if c.Rank() == owner {
			winner, err := ts.ParamsAt(localIdx)
			if err != nil {
				return nil, fmt.Errorf("train: winning sample: %w", err)
			}
			current = winner
		}
		if err := current.SetValues(c.BcastFloat64s(current.Values(), owner)); err != nil {
			return nil, fmt.Errorf("train: broadcast parameters: %w", err)
		}

		if iter == 0 && g.cfg.CheckInitialBound && maxBound < g.cfg.Tol {
			g.logf(c, "initial bound %g already below tolerance %g", maxBound, g.cfg.Tol)
			res.Converged = true
			break
		}

		g.logf(c, "iteration %d: max bound %g at %v (basis size %d)",
			iter, maxBound, current, basisSize)

		snapshot, err := g.solver.TruthSolve(current)
		if err != nil {
			return nil, fmt.Errorf("train: truth solve at %v: %w", current, err)
		}
		prevSize := basisSize
		for d := 0; d < g.cfg.DeltaN; d++ {
			basisSize, err = g.enricher.Enrich(snapshot)
			if err != nil {
				return nil, fmt.Errorf("train: enrich at %v: %w", current, err)
			}
		}

		res.Selected = append(res.Selected, current.Clone())
		res.Bounds = append(res.Bounds, maxBound)

		if maxBound < g.cfg.Tol {
			g.logf(c, "converged: bound %g below tolerance %g", maxBound, g.cfg.Tol)
			res.Converged = true
			break
		}
		if basisSize >= g.cfg.NMax {
			g.logf(c, "reached maximum basis size %d", g.cfg.NMax)
			break
		}
		if basisSize == prevSize {
			// The selected snapshot added nothing; another pass
			// would select the same point again.
			g.logf(c, "basis stalled at size %d with bound %g", basisSize, maxBound)
			break
		}
	}

	res.BasisSize = basisSize
	return res, nil
}

// scanLocal evaluates the error bound at every locally-owned sample
// and returns the local maximum with its global index. An empty
// local range contributes (-Inf, -1).
func (g *GreedyTrainer) scanLocal(ts *TrainingSet, basisSize int) (float64, int, error) {
	first, err := ts.FirstLocalIndex()
	if err != nil {
		return 0, 0, fmt.Errorf("train: %w", err)
	}
	last, err := ts.LastLocalIndex()
	if err != nil {
		return 0, 0, fmt.Errorf("train: %w", err)
	}

	localMax := math.Inf(-1)
	localIdx := -1
	for i := first; i < last; i++ {
		mu, err := ts.ParamsAt(i)
		if err != nil {
			return 0, 0, fmt.Errorf("train: %w", err)
		}
		bound, err := g.eval.ErrorBound(mu, basisSize)
		if err != nil {
			return 0, 0, fmt.Errorf("train: error bound at %v: %w", mu, err)
		}
		if bound > localMax {
			localMax = bound
			localIdx = i
		}
	}
	return localMax, localIdx, nil
}

// logf writes progress output on rank 0 when Verbose is set.
func (g *GreedyTrainer) logf(c *comm.Communicator, format string, args ...interface{}) {
	if g.cfg.Verbose && c.Rank() == 0 {
		g.cfg.Logger.Printf(format, args...)
	}
}
