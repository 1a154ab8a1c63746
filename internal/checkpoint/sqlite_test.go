package checkpoint

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testCheckpoint() *Checkpoint {
	return &Checkpoint{
		OperationID:    "op-123",
		LastBatchIndex: 41,
		Counters: Counters{
			RecordsSeen:      21000,
			RecordsSucceeded: 20950,
			RecordsFailed:    50,
			BatchesCompleted: 42,
		},
		Status:    StatusRunning,
		StartDate: time.Date(2024, 8, 15, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC),
		BatchSize: 500,
		ChunkDays: 30,
		StartedAt: time.Now().Truncate(time.Second),
	}
}

func TestSaveAndLoad(t *testing.T) {
	store := newTestStore(t)

	cp := testCheckpoint()
	require.NoError(t, store.Save(cp))

	loaded, err := store.Load("op-123")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, cp.OperationID, loaded.OperationID)
	assert.Equal(t, int64(41), loaded.LastBatchIndex)
	assert.Equal(t, cp.Counters, loaded.Counters)
	assert.Equal(t, StatusRunning, loaded.Status)
	assert.True(t, cp.StartDate.Equal(loaded.StartDate))
	assert.True(t, cp.EndDate.Equal(loaded.EndDate))
	assert.Equal(t, 500, loaded.BatchSize)
	assert.Equal(t, 30, loaded.ChunkDays)
}

func TestLoadMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)

	loaded, err := store.Load("never-started")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSaveOverwritesByOperationID(t *testing.T) {
	store := newTestStore(t)

	cp := testCheckpoint()
	require.NoError(t, store.Save(cp))

	cp.LastBatchIndex = 99
	cp.Counters.BatchesCompleted = 100
	cp.Status = StatusCompleted
	require.NoError(t, store.Save(cp))

	loaded, err := store.Load("op-123")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(99), loaded.LastBatchIndex)
	assert.Equal(t, int64(100), loaded.Counters.BatchesCompleted)
	assert.Equal(t, StatusCompleted, loaded.Status)
}

func TestSaveIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	cp := testCheckpoint()
	require.NoError(t, store.Save(cp))
	require.NoError(t, store.Save(cp))

	loaded, err := store.Load("op-123")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(41), loaded.LastBatchIndex)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}
