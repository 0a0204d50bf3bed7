package rb

import (
	"fmt"

	"github.com/rbtrain/rbtrain/comm"
)

// PartitionMode selects how training samples are laid out across
// the process group.
type PartitionMode int

const (
	// PartitionParallel gives each rank a contiguous disjoint
	// slice of the global sample range.
	PartitionParallel PartitionMode = iota

	// PartitionSerial replicates every sample on every rank.
	PartitionSerial
)

// A Partition describes one rank's ownership of a distributed array
// of global length GlobalN: the half-open index range [First, Last).
type Partition struct {
	Mode    PartitionMode
	Rank    int
	Size    int
	First   int
	Last    int
	GlobalN int
}

// splitRange computes the contiguous range owned by a rank under the
// quotient/remainder rule: the first n%size ranks own one extra
// sample.
func splitRange(n, size, rank int) (first, last int) {
	quotient := n / size
	remainder := n % size
	if rank < remainder {
		first = rank * (quotient + 1)
		last = first + quotient + 1
	} else {
		first = remainder*(quotient+1) + (rank-remainder)*quotient
		last = first + quotient
	}
	return
}

// newPartition builds the partition descriptor for a rank.
func newPartition(mode PartitionMode, n, size, rank int) Partition {
	p := Partition{Mode: mode, Rank: rank, Size: size, GlobalN: n}
	if mode == PartitionSerial {
		p.First, p.Last = 0, n
	} else {
		p.First, p.Last = splitRange(n, size, rank)
	}
	return p
}

// A TrainingSet is this rank's portion of the distributed training
// sample collection: one value array per parameter name, all sharing
// the same global length and partition.
//
// The arrays are written during generation (or wholesale through
// Replace) and read-only afterwards.
type TrainingSet struct {
	c      *comm.Communicator
	serial bool

	part        Partition
	names       []string
	samples     map[string][]float64
	initialized bool
}

// NewTrainingSet creates an empty, uninitialized training set bound
// to a process group. With serial set, generation replicates the
// full sample collection on every rank instead of partitioning it.
func NewTrainingSet(c *comm.Communicator, serial bool) *TrainingSet {
	return &TrainingSet{c: c, serial: serial, samples: map[string][]float64{}}
}

// Serial reports whether the set replicates samples on every rank.
func (ts *TrainingSet) Serial() bool {
	return ts.serial
}

// Partition returns the rank's partition descriptor.
func (ts *TrainingSet) Partition() (Partition, error) {
	if !ts.initialized {
		return Partition{}, fmt.Errorf("partition: %w", ErrNotInitialized)
	}
	return ts.part, nil
}

// SampleCount returns the global number of training samples, or 0
// for an empty (zero-parameter) set.
func (ts *TrainingSet) SampleCount() (int, error) {
	if !ts.initialized {
		return 0, fmt.Errorf("sample count: %w", ErrNotInitialized)
	}
	if len(ts.names) == 0 {
		return 0, nil
	}
	return ts.part.GlobalN, nil
}

// LocalSampleCount returns the number of locally-owned samples.
func (ts *TrainingSet) LocalSampleCount() (int, error) {
	if !ts.initialized {
		return 0, fmt.Errorf("local sample count: %w", ErrNotInitialized)
	}
	return ts.part.Last - ts.part.First, nil
}

// FirstLocalIndex returns the first globally-indexed sample owned by
// this rank.
func (ts *TrainingSet) FirstLocalIndex() (int, error) {
	if !ts.initialized {
		return 0, fmt.Errorf("first local index: %w", ErrNotInitialized)
	}
	return ts.part.First, nil
}

// LastLocalIndex returns one past the last globally-indexed sample
// owned by this rank.
func (ts *TrainingSet) LastLocalIndex() (int, error) {
	if !ts.initialized {
		return 0, fmt.Errorf("last local index: %w", ErrNotInitialized)
	}
	return ts.part.Last, nil
}

// Names returns the parameter names in lexicographic order.
func (ts *TrainingSet) Names() []string {
	return ts.names
}

// LocalValues returns the locally-owned values of one parameter,
// indexed from FirstLocalIndex. The slice must not be modified.
func (ts *TrainingSet) LocalValues(name string) ([]float64, error) {
	if !ts.initialized {
		return nil, fmt.Errorf("local values: %w", ErrNotInitialized)
	}
	vals, ok := ts.samples[name]
	if !ok {
		return nil, fmt.Errorf("local values: unknown parameter %q: %w", name, ErrConfig)
	}
	return vals, nil
}

// ParamsAt builds the parameter point stored at a global sample
// index. The index must be locally owned; there is no implicit
// cross-rank fetch.
func (ts *TrainingSet) ParamsAt(index int) (*ParameterSet, error) {
	if !ts.initialized {
		return nil, fmt.Errorf("params at %d: %w", index, ErrNotInitialized)
	}
	if index < ts.part.First || index >= ts.part.Last {
		return nil, fmt.Errorf("params at %d: local range is [%d, %d): %w",
			index, ts.part.First, ts.part.Last, ErrIndexRange)
	}
	ps := NewParameterSet(ts.names...)
	for _, name := range ts.names {
		ps.Set(name, ts.samples[name][index-ts.part.First])
	}
	return ps, nil
}

// BroadcastParamsAt builds the parameter point at any global sample
// index: the owning rank reads it and broadcasts it to the group.
// Collective; every rank must call it with the same index.
func (ts *TrainingSet) BroadcastParamsAt(index int) (*ParameterSet, error) {
	if !ts.initialized {
		return nil, fmt.Errorf("broadcast params at %d: %w", index, ErrNotInitialized)
	}
	if index < 0 || index >= ts.part.GlobalN {
		return nil, fmt.Errorf("broadcast params at %d: global length is %d: %w",
			index, ts.part.GlobalN, ErrIndexRange)
	}

	// Only the owner knows the values; agree on the owner by
	// max-reducing the rank (0 elsewhere, as in a serial set where
	// every rank owns the index and rank 0 serves it).
	root := 0
	ps := NewParameterSet(ts.names...)
	if index >= ts.part.First && index < ts.part.Last && ts.part.Mode == PartitionParallel {
		root = ts.c.Rank()
	}
	root = ts.c.MaxInt(root)

	if ts.c.Rank() == root {
		owned, err := ts.ParamsAt(index)
		if err != nil {
			return nil, err
		}
		ps = owned
	}
	vals := ts.c.BcastFloat64s(ps.Values(), root)
	if err := ps.SetValues(vals); err != nil {
		return nil, err
	}
	return ps, nil
}

// Replace substitutes the whole training collection with externally
// supplied per-parameter local arrays. The key set must match the
// existing one; the global length is recomputed by summing local
// lengths across the group. Collective.
func (ts *TrainingSet) Replace(newData map[string][]float64) error {
	if !ts.initialized {
		return fmt.Errorf("replace: cannot be used to initialize parameters: %w", ErrNotInitialized)
	}
	if len(newData) != len(ts.names) {
		return fmt.Errorf("replace: got %d parameters, want %d: %w",
			len(newData), len(ts.names), ErrConfig)
	}

	localN := -1
	for _, name := range ts.names {
		vals, ok := newData[name]
		if !ok {
			return fmt.Errorf("replace: missing parameter %q: %w", name, ErrConfig)
		}
		if localN < 0 {
			localN = len(vals)
		} else if len(vals) != localN {
			return fmt.Errorf("replace: parameter %q has %d samples, want %d: %w",
				name, len(vals), localN, ErrConfig)
		}
	}

	if ts.serial {
		ts.part = newPartition(PartitionSerial, localN, ts.c.Size(), ts.c.Rank())
	} else {
		// The new local sizes need not follow the generation
		// split; keep them and recompute offsets by prefix sum.
		sizes := ts.c.AllGatherInt(localN)
		globalN := 0
		first := 0
		for r, sz := range sizes {
			if r < ts.c.Rank() {
				first += sz
			}
			globalN += sz
		}
		ts.part = Partition{
			Mode:    PartitionParallel,
			Rank:    ts.c.Rank(),
			Size:    ts.c.Size(),
			First:   first,
			Last:    first + localN,
			GlobalN: globalN,
		}
	}

	for _, name := range ts.names {
		ts.samples[name] = append([]float64{}, newData[name]...)
	}
	return nil
}

// snapDiscrete rewrites every locally-stored value of each discrete
// parameter to the nearest allowed value.
func (ts *TrainingSet) snapDiscrete(ranges *ParameterRanges) {
	for _, name := range ts.names {
		if !ranges.IsDiscrete(name) {
			continue
		}
		vals := ts.samples[name]
		for i, v := range vals {
			vals[i] = ranges.ClosestDiscreteValue(name, v)
		}
	}
}
