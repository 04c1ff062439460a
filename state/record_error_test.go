package state_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/porter/errors"
	ptesting "github.com/fieldline/porter/internal/testing"
	"github.com/fieldline/porter/state"
)

func TestRecordErrorCreateAndList(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	run := createRunForProgress(t, state.NewRunStore(db))
	store := state.NewRecordErrorStore(db)

	re := state.NewRecordError(run.ID, "contacts", "c_0007", "contact",
		"missing required field: email", json.RawMessage(`{"field":"email"}`))
	require.NoError(t, store.Create(re))

	pending, err := store.ListPendingRetry(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, re.ID, pending[0].ID)
	assert.Equal(t, state.RecordErrorStatusPendingRetry, pending[0].Status)
	assert.Equal(t, 0, pending[0].RetryCount)
	assert.JSONEq(t, `{"field":"email"}`, string(pending[0].Details))
}

func TestRecordErrorIncrementRetry(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	run := createRunForProgress(t, state.NewRunStore(db))
	store := state.NewRecordErrorStore(db)

	re := state.NewRecordError(run.ID, "contacts", "c_0007", "contact", "load failed", nil)
	require.NoError(t, store.Create(re))

	require.NoError(t, store.IncrementRetry(re.ID))
	require.NoError(t, store.IncrementRetry(re.ID))

	list, err := store.ListForRun(run.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].RetryCount)
}

func TestRecordErrorSetStatus(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	run := createRunForProgress(t, state.NewRunStore(db))
	store := state.NewRecordErrorStore(db)

	re := state.NewRecordError(run.ID, "contacts", "c_0007", "contact", "load failed", nil)
	require.NoError(t, store.Create(re))

	require.NoError(t, store.SetStatus(re.ID, state.RecordErrorStatusResolved))

	pending, err := store.ListPendingRetry(10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	counts, err := store.CountForRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[state.RecordErrorStatusResolved])
}

func TestRecordErrorNotFound(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	store := state.NewRecordErrorStore(db)

	err := store.IncrementRetry("rerr_missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))

	err = store.SetStatus("rerr_missing", state.RecordErrorStatusFailed)
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestAuditAppendAndList(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	run := createRunForProgress(t, state.NewRunStore(db))
	store := state.NewAuditStore(db)

	require.NoError(t, store.Append(&state.AuditEntry{
		RunID:  run.ID,
		Action: state.AuditActionRunStarted,
	}))
	require.NoError(t, store.Append(&state.AuditEntry{
		RunID:       run.ID,
		Action:      state.AuditActionBatchLoaded,
		EntityType:  "contacts",
		RecordCount: 100,
		Metadata:    json.RawMessage(`{"cursor":"c_0100"}`),
	}))

	entries, err := store.ListForRun(run.ID, 50)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, state.AuditActionRunStarted, entries[0].Action)
	assert.Equal(t, state.AuditActionBatchLoaded, entries[1].Action)
	assert.Equal(t, 100, entries[1].RecordCount)
	assert.JSONEq(t, `{"cursor":"c_0100"}`, string(entries[1].Metadata))
}
