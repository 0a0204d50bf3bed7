package rb

import "errors"

// Errors reported by the training core. All of them are fatal to a
// distributed run: once one rank bails out of the collective
// sequence the rest of the group cannot make progress, so callers
// should abort and restart rather than attempt partial recovery.
var (
	// ErrNotInitialized is returned when a training set is used
	// before it has been generated or loaded.
	ErrNotInitialized = errors.New("training set not initialized")

	// ErrConfig is returned for configuration mismatches, such as
	// differing parameter counts between bounds and data.
	ErrConfig = errors.New("configuration error")

	// ErrNotImplemented is returned for requests outside the
	// implemented range, such as deterministic sampling with more
	// than two parameters.
	ErrNotImplemented = errors.New("not implemented")

	// ErrBadSampleCount is returned when a requested sample count
	// cannot be laid out, such as a non-square count for a
	// two-parameter deterministic grid.
	ErrBadSampleCount = errors.New("bad sample count")

	// ErrIndexRange is returned when a sample index falls outside
	// the caller's local partition.
	ErrIndexRange = errors.New("index outside local range")
)
