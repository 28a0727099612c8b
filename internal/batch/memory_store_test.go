package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/storage/models"
)

func TestMemoryStore_EvictsOnlyExpiredCompletedJobs(t *testing.T) {
	store := NewMemoryStore(time.Hour, zap.NewNop())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	old := now.Add(-2 * time.Hour)
	recent := now.Add(-10 * time.Minute)

	require.NoError(t, store.Create(ctx, &models.BatchJob{BatchID: "old", Status: models.BatchStatusCompleted, CompletedAt: &old}))
	require.NoError(t, store.Create(ctx, &models.BatchJob{BatchID: "recent", Status: models.BatchStatusCompleted, CompletedAt: &recent}))
	require.NoError(t, store.Create(ctx, &models.BatchJob{BatchID: "running", Status: models.BatchStatusProcessing}))

	assert.Equal(t, 1, store.Evict())
	assert.Equal(t, 2, store.Len())

	_, err := store.Get(ctx, "old")
	assert.Error(t, err)
	_, err = store.Get(ctx, "running")
	assert.NoError(t, err)
}

func TestMemoryStore_FailedUpdateLeavesJobUntouched(t *testing.T) {
	store := NewMemoryStore(0, nil)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &models.BatchJob{BatchID: "a", TotalFiles: 1}))

	_, err := store.Update(ctx, "a", func(job *models.BatchJob) error {
		job.ProcessedFiles = 1
		return errors.New("rejected")
	})
	require.Error(t, err)

	job, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, job.ProcessedFiles)
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore(0, nil)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &models.BatchJob{BatchID: "a"}))

	require.NoError(t, store.Delete(ctx, "a"))
	assert.Zero(t, store.Len())
}
