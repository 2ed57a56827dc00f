package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnforge/vulnforge/internal/domain/etl"
)

func TestCheckpointStore_AppendAssignsSequences(t *testing.T) {
	store := NewCheckpointStore()
	ctx := context.Background()

	first := etl.NewCheckpoint("cve", map[string]any{"page": 1}, true, "")
	require.NoError(t, store.Append(ctx, first))
	assert.Equal(t, int64(1), first.Sequence())

	second := etl.NewCheckpoint("cve", map[string]any{"page": 2}, true, "")
	require.NoError(t, store.Append(ctx, second))
	assert.Equal(t, int64(2), second.Sequence())

	// Sequences are per provider.
	other := etl.NewCheckpoint("cwe", map[string]any{"view": "1000"}, true, "")
	require.NoError(t, store.Append(ctx, other))
	assert.Equal(t, int64(1), other.Sequence())
}

func TestCheckpointStore_LatestNonExistent(t *testing.T) {
	store := NewCheckpointStore()

	latest, err := store.Latest(context.Background(), "non-existent", false)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestCheckpointStore_LatestSuccessOnly(t *testing.T) {
	store := NewCheckpointStore()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, etl.NewCheckpoint("cve", map[string]any{"page": 1}, true, "")))
	require.NoError(t, store.Append(ctx, etl.NewCheckpoint("cve", map[string]any{"page": 2}, false, "upstream 503")))

	latest, err := store.Latest(ctx, "cve", false)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(2), latest.Sequence())
	assert.False(t, latest.Success())

	latestOK, err := store.Latest(ctx, "cve", true)
	require.NoError(t, err)
	require.NotNil(t, latestOK)
	assert.Equal(t, int64(1), latestOK.Sequence())
	assert.True(t, latestOK.Success())
}

func TestCheckpointStore_ListMostRecentFirst(t *testing.T) {
	store := NewCheckpointStore()
	ctx := context.Background()

	for i := 1; i <= 8; i++ {
		success := i%3 != 0
		require.NoError(t, store.Append(ctx, etl.NewCheckpoint("osv", map[string]any{"page": i}, success, "")))
	}

	got, err := store.List(ctx, "osv", 5, false)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, int64(8), got[0].Sequence())
	assert.Equal(t, int64(4), got[4].Sequence())

	onlyOK, err := store.List(ctx, "osv", 10, true)
	require.NoError(t, err)
	for _, cp := range onlyOK {
		assert.True(t, cp.Success())
	}
	// success_only results are a subset of the unfiltered log.
	assert.Less(t, len(onlyOK), 8)
}

func TestCheckpointStore_ReadsAreCopies(t *testing.T) {
	store := NewCheckpointStore()
	ctx := context.Background()

	cursor := map[string]any{"page": 1}
	require.NoError(t, store.Append(ctx, etl.NewCheckpoint("cve", cursor, true, "")))

	loaded, err := store.Latest(ctx, "cve", false)
	require.NoError(t, err)
	loaded.Cursor()["page"] = 999

	again, err := store.Latest(ctx, "cve", false)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Cursor()["page"])
}
