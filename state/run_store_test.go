package state_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/porter/errors"
	ptesting "github.com/fieldline/porter/internal/testing"
	"github.com/fieldline/porter/state"
)

func TestRunStoreCreateAndGet(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	store := state.NewRunStore(db)

	snapshot := json.RawMessage(`{"batch_size":100}`)
	run, err := state.NewRun("crm-full", snapshot)
	require.NoError(t, err)

	require.NoError(t, store.Create(run))

	got, err := store.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, state.RunStatusQueued, got.Status)
	assert.Equal(t, "crm-full", got.MigrationKind)
	assert.JSONEq(t, string(snapshot), string(got.ConfigSnapshot))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestRunStoreGetNotFound(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	store := state.NewRunStore(db)

	_, err := store.Get("run_missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestNewRunRequiresKind(t *testing.T) {
	_, err := state.NewRun("", nil)
	require.Error(t, err)
}

func TestRunStoreClaim(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	store := state.NewRunStore(db)

	run, err := state.NewRun("crm-full", nil)
	require.NoError(t, err)
	require.NoError(t, store.Create(run))

	claimed, err := store.Claim(run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	// a second claim must lose
	_, err = store.Claim(run.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestRunStoreClaimNonQueued(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	store := state.NewRunStore(db)

	run, err := state.NewRun("crm-full", nil)
	require.NoError(t, err)
	run.Complete()
	require.NoError(t, store.Create(run))

	_, err = store.Claim(run.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestRunStoreNextQueuedOrder(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	store := state.NewRunStore(db)

	first, err := state.NewRun("crm-full", nil)
	require.NoError(t, err)
	require.NoError(t, store.Create(first))

	second, err := state.NewRun("crm-full", nil)
	require.NoError(t, err)
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	second.UpdatedAt = second.CreatedAt
	require.NoError(t, store.Create(second))

	next, err := store.NextQueued()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, first.ID, next.ID)
}

func TestRunStoreNextQueuedEmpty(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	store := state.NewRunStore(db)

	next, err := store.NextQueued()
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestRunStoreUpdateLifecycle(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	store := state.NewRunStore(db)

	run, err := state.NewRun("crm-full", nil)
	require.NoError(t, err)
	require.NoError(t, store.Create(run))

	run.Start()
	require.NoError(t, store.Update(run))

	run.Fail(errors.New("target unreachable"))
	require.NoError(t, store.Update(run))

	got, err := store.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusFailed, got.Status)
	assert.Equal(t, "target unreachable", got.Notes)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.IsTerminal())
}

func TestRunStoreListByStatus(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	store := state.NewRunStore(db)

	queued, err := state.NewRun("crm-full", nil)
	require.NoError(t, err)
	require.NoError(t, store.Create(queued))

	done, err := state.NewRun("crm-full", nil)
	require.NoError(t, err)
	done.Complete()
	require.NoError(t, store.Create(done))

	status := state.RunStatusQueued
	runs, err := store.ListByStatus(&status, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, queued.ID, runs[0].ID)

	all, err := store.ListByStatus(nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRunStoreRequestStop(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	store := state.NewRunStore(db)

	run, err := state.NewRun("crm-full", nil)
	require.NoError(t, err)
	run.Start()
	require.NoError(t, store.Create(run))

	require.NoError(t, store.RequestStop(run.ID))

	got, err := store.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusPaused, got.Status)
	assert.Equal(t, "stop requested", got.Notes)

	// operator notes survive the stop marker
	noted, err := state.NewRun("crm-full", nil)
	require.NoError(t, err)
	noted.Start()
	noted.Notes = "rerun of run_0412 after source cleanup"
	require.NoError(t, store.Create(noted))

	require.NoError(t, store.RequestStop(noted.ID))
	got, err = store.Get(noted.ID)
	require.NoError(t, err)
	assert.Equal(t, "rerun of run_0412 after source cleanup; stop requested", got.Notes)

	// terminal runs cannot be stopped
	done, err := state.NewRun("crm-full", nil)
	require.NoError(t, err)
	done.Complete()
	require.NoError(t, store.Create(done))

	err = store.RequestStop(done.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestRunStoreRequeueStranded(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	store := state.NewRunStore(db)

	stranded, err := state.NewRun("crm-full", nil)
	require.NoError(t, err)
	stranded.Start()
	require.NoError(t, store.Create(stranded))

	finished, err := state.NewRun("crm-full", nil)
	require.NoError(t, err)
	finished.Complete()
	require.NoError(t, store.Create(finished))

	count, err := store.RequeueStranded()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store.Get(stranded.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusQueued, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, "requeued after engine restart", got.Notes)

	untouched, err := store.Get(finished.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusCompleted, untouched.Status)
}
