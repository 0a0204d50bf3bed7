package offline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbtrain/rbtrain/offline"
	"github.com/rbtrain/rbtrain/rb"
)

func testRunData(t *testing.T) *offline.RunData {
	t.Helper()

	min := rb.NewParameterSet("k", "x")
	min.Set("k", 0.1)
	min.Set("x", 0)
	max := rb.NewParameterSet("k", "x")
	max.Set("k", 10)
	max.Set("x", 1)
	ranges, err := rb.NewParameterRanges(min, max)
	require.NoError(t, err)
	ranges.SetLogScale("k", true)
	ranges.SetDiscreteValues("x", []float64{0, 0.5, 1})

	selected := rb.NewParameterSet("k", "x")
	selected.Set("k", 2)
	selected.Set("x", 0.5)

	return &offline.RunData{
		Ranges: ranges,
		Samples: map[string][]float64{
			"k": {0.1, 1, 10},
			"x": {0, 0.5, 1},
		},
		Selected: []*rb.ParameterSet{selected},
		Bounds:   []float64{4.25},
		Basis:    [][]float64{{1, 0, 0}, {0, 0.6, 0.8}},
	}
}

func TestWriteReadAll(t *testing.T) {
	store, err := offline.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	runID, err := store.CreateRun()
	require.NoError(t, err)

	data := testRunData(t)
	require.NoError(t, store.WriteOfflineData(runID, data, offline.ScopeAll))

	got, err := store.ReadOfflineData(runID, offline.ScopeAll)
	require.NoError(t, err)

	require.NotNil(t, got.Ranges)
	assert.Equal(t, []string{"k", "x"}, got.Ranges.Names())
	assert.Equal(t, 0.1, got.Ranges.Min().Value("k"))
	assert.Equal(t, 10.0, got.Ranges.Max().Value("k"))
	assert.True(t, got.Ranges.LogScale("k"))
	assert.False(t, got.Ranges.LogScale("x"))
	assert.Equal(t, []float64{0, 0.5, 1}, got.Ranges.DiscreteValues("x"))

	assert.Equal(t, data.Samples, got.Samples)
	assert.Equal(t, data.Bounds, got.Bounds)
	require.Len(t, got.Selected, 1)
	assert.True(t, got.Selected[0].Equal(data.Selected[0]))
	assert.Equal(t, data.Basis, got.Basis)
}

func TestScopesArePartition(t *testing.T) {
	store, err := offline.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	runID, err := store.CreateRun()
	require.NoError(t, err)
	require.NoError(t, store.WriteOfflineData(runID, testRunData(t), offline.ScopeAll))

	indep, err := store.ReadOfflineData(runID, offline.ScopeBasisIndependent)
	require.NoError(t, err)
	assert.NotNil(t, indep.Ranges)
	assert.NotEmpty(t, indep.Samples)
	assert.Nil(t, indep.Selected)
	assert.Nil(t, indep.Bounds)
	assert.Nil(t, indep.Basis)

	dep, err := store.ReadOfflineData(runID, offline.ScopeBasisDependent)
	require.NoError(t, err)
	assert.Nil(t, dep.Ranges)
	assert.Nil(t, dep.Samples)
	assert.NotEmpty(t, dep.Selected)
	assert.NotEmpty(t, dep.Bounds)
	assert.NotEmpty(t, dep.Basis)
}

func TestScopedWriteLeavesOtherHalf(t *testing.T) {
	store, err := offline.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	runID, err := store.CreateRun()
	require.NoError(t, err)
	data := testRunData(t)
	require.NoError(t, store.WriteOfflineData(runID, data, offline.ScopeAll))

	// Rewriting just the basis-dependent half must not disturb the
	// training set.
	update := &offline.RunData{Bounds: []float64{4.25, 2.5}, Basis: data.Basis}
	require.NoError(t, store.WriteOfflineData(runID, update, offline.ScopeBasisDependent))

	got, err := store.ReadOfflineData(runID, offline.ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, data.Samples, got.Samples)
	assert.Equal(t, []float64{4.25, 2.5}, got.Bounds)
	assert.Nil(t, got.Selected, "selected params were not in the update")
}

func TestRunsListing(t *testing.T) {
	store, err := offline.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	id1, err := store.CreateRun()
	require.NoError(t, err)
	id2, err := store.CreateRun()
	require.NoError(t, err)

	ids, err := store.Runs()
	require.NoError(t, err)
	assert.Contains(t, ids, id1)
	assert.Contains(t, ids, id2)
	assert.Len(t, ids, 2)
}

func TestReadEmptyRun(t *testing.T) {
	store, err := offline.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	runID, err := store.CreateRun()
	require.NoError(t, err)

	got, err := store.ReadOfflineData(runID, offline.ScopeAll)
	require.NoError(t, err)
	assert.Nil(t, got.Ranges)
	assert.Empty(t, got.Samples)
	assert.Empty(t, got.Basis)
}
