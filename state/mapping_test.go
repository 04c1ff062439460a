package state_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/porter/errors"
	ptesting "github.com/fieldline/porter/internal/testing"
	"github.com/fieldline/porter/state"
)

func TestMappingUpsertIsIdempotent(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	store := state.NewMappingStore(db)

	mapping := &state.IdMapping{
		SourceID:   "c_0001",
		SourceType: "contact",
		TargetID:   "901",
		TargetType: "contacts",
	}
	require.NoError(t, store.UpsertBatch([]*state.IdMapping{mapping}))

	// re-upserting the same identity with a new target updates in place
	mapping.TargetID = "902"
	require.NoError(t, store.UpsertBatch([]*state.IdMapping{mapping}))

	counts, err := store.CountByType()
	require.NoError(t, err)
	assert.Equal(t, 1, counts["contact"])

	got, err := store.Get("c_0001", "contact")
	require.NoError(t, err)
	assert.Equal(t, "902", got.TargetID)
}

func TestMappingUpsertLargeBatchChunks(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	store := state.NewMappingStore(db)

	// 250 rows exercises three chunks
	mappings := make([]*state.IdMapping, 250)
	for i := range mappings {
		mappings[i] = &state.IdMapping{
			SourceID:   fmt.Sprintf("c_%04d", i),
			SourceType: "contact",
			TargetID:   fmt.Sprintf("%d", 1000+i),
			TargetType: "contacts",
		}
	}
	require.NoError(t, store.UpsertBatch(mappings))

	counts, err := store.CountByType()
	require.NoError(t, err)
	assert.Equal(t, 250, counts["contact"])
}

func TestMappingGetNotFound(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	store := state.NewMappingStore(db)

	_, err := store.Get("c_0001", "contact")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestMappingGetManyBySourceIDs(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	store := state.NewMappingStore(db)

	require.NoError(t, store.UpsertBatch([]*state.IdMapping{
		{SourceID: "c_0001", SourceType: "contact", TargetID: "901", TargetType: "contacts"},
		{SourceID: "c_0002", SourceType: "contact", TargetID: "902", TargetType: "contacts"},
		{SourceID: "d_0001", SourceType: "deal", TargetID: "801", TargetType: "deals"},
	}))

	found, err := store.GetManyBySourceIDs("contact", []string{"c_0001", "c_0002", "c_0003"})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "901", found["c_0001"].TargetID)
	assert.Equal(t, "902", found["c_0002"].TargetID)
	assert.NotContains(t, found, "c_0003")
	assert.NotContains(t, found, "d_0001")
}

func TestMappingSameIDDifferentTypes(t *testing.T) {
	db := ptesting.CreateTestDB(t)
	store := state.NewMappingStore(db)

	require.NoError(t, store.UpsertBatch([]*state.IdMapping{
		{SourceID: "1001", SourceType: "contact", TargetID: "901", TargetType: "contacts"},
		{SourceID: "1001", SourceType: "deal", TargetID: "801", TargetType: "deals"},
	}))

	counts, err := store.CountByType()
	require.NoError(t, err)
	assert.Equal(t, 1, counts["contact"])
	assert.Equal(t, 1, counts["deal"])
}
