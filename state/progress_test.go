package state_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/porter/errors"
	ptesting "github.com/fieldline/porter/internal/testing"
	"github.com/fieldline/porter/state"
)

func createRunForProgress(t *testing.T, store *state.RunStore) *state.Run {
	t.Helper()
	run, err := state.NewRun("crm-full", nil)
	require.NoError(t, err)
	require.NoError(t, store.Create(run))
	return run
}

func TestProgressGetOrCreate(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	run := createRunForProgress(t, state.NewRunStore(db))
	store := state.NewProgressStore(db)

	p, err := store.GetOrCreate(run.ID, "contacts")
	require.NoError(t, err)
	assert.Equal(t, state.ProgressStatusPending, p.Status)
	assert.Equal(t, 0, p.ProcessedRecords)
	assert.Empty(t, p.LastCursor)

	// second call reuses the existing row
	again, err := store.GetOrCreate(run.ID, "contacts")
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)
}

func TestProgressAdvanceAccumulates(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	run := createRunForProgress(t, state.NewRunStore(db))
	store := state.NewProgressStore(db)

	_, err := store.GetOrCreate(run.ID, "contacts")
	require.NoError(t, err)

	require.NoError(t, store.Advance(run.ID, "contacts", 100, 2, 1, "c_0100"))
	require.NoError(t, store.Advance(run.ID, "contacts", 50, 0, 0, "c_0150"))

	p, err := store.Get(run.ID, "contacts")
	require.NoError(t, err)
	assert.Equal(t, 150, p.ProcessedRecords)
	assert.Equal(t, 2, p.FailedRecords)
	assert.Equal(t, 1, p.SkippedRecords)
	assert.Equal(t, "c_0150", p.LastCursor)
	assert.Equal(t, state.ProgressStatusInProgress, p.Status)
}

func TestProgressCursorNeverMovesBackward(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	run := createRunForProgress(t, state.NewRunStore(db))
	store := state.NewProgressStore(db)

	_, err := store.GetOrCreate(run.ID, "contacts")
	require.NoError(t, err)

	require.NoError(t, store.Advance(run.ID, "contacts", 100, 0, 0, "c_0200"))
	// replayed batch with an older cursor must not regress it
	require.NoError(t, store.Advance(run.ID, "contacts", 100, 0, 0, "c_0100"))

	p, err := store.Get(run.ID, "contacts")
	require.NoError(t, err)
	assert.Equal(t, "c_0200", p.LastCursor)
}

func TestProgressAdvanceRejectsNegativeDeltas(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	run := createRunForProgress(t, state.NewRunStore(db))
	store := state.NewProgressStore(db)

	_, err := store.GetOrCreate(run.ID, "contacts")
	require.NoError(t, err)

	err = store.Advance(run.ID, "contacts", -1, 0, 0, "c_0100")
	require.Error(t, err)
}

func TestProgressAdvanceMissingRow(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	run := createRunForProgress(t, state.NewRunStore(db))
	store := state.NewProgressStore(db)

	err := store.Advance(run.ID, "deals", 10, 0, 0, "d_0010")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestProgressSetTotalAndFinalize(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	run := createRunForProgress(t, state.NewRunStore(db))
	store := state.NewProgressStore(db)

	_, err := store.GetOrCreate(run.ID, "contacts")
	require.NoError(t, err)
	require.NoError(t, store.SetTotal(run.ID, "contacts", 2500))
	require.NoError(t, store.MarkCompleted(run.ID, "contacts"))

	p, err := store.Get(run.ID, "contacts")
	require.NoError(t, err)
	require.NotNil(t, p.TotalRecords)
	assert.Equal(t, 2500, *p.TotalRecords)
	assert.Equal(t, state.ProgressStatusCompleted, p.Status)
	require.NotNil(t, p.CompletedAt)
}

func TestProgressListForRun(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	run := createRunForProgress(t, state.NewRunStore(db))
	store := state.NewProgressStore(db)

	for _, entity := range []string{"deals", "contacts", "companies"} {
		_, err := store.GetOrCreate(run.ID, entity)
		require.NoError(t, err)
	}

	all, err := store.ListForRun(run.ID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "companies", all[0].EntityType)
	assert.Equal(t, "contacts", all[1].EntityType)
	assert.Equal(t, "deals", all[2].EntityType)
}
