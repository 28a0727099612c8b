package batch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/common"
	"github.com/pharmatrace/backend/internal/storage/models"
)

func newTestTracker() *Tracker {
	return NewTracker(NewMemoryStore(time.Hour, zap.NewNop()), zap.NewNop())
}

func successOutcome(file string) models.FileOutcome {
	return models.FileOutcome{
		File: file,
		Record: &models.ExtractionRecord{
			File:      file,
			PatientID: "PT_" + file,
			Status:    "success",
		},
	}
}

func TestTracker_CreateAndGet(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()

	created, err := tracker.Create(ctx, "BATCH_A", 3)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPending, created.Status)

	job, err := tracker.Get(ctx, "BATCH_A")
	require.NoError(t, err)
	assert.Equal(t, 3, job.TotalFiles)
	assert.Zero(t, job.ProcessedFiles)
	assert.Empty(t, job.Results)
	assert.Empty(t, job.ErrorDetails)
}

func TestTracker_CreateDuplicate(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()

	_, err := tracker.Create(ctx, "BATCH_A", 1)
	require.NoError(t, err)

	_, err = tracker.Create(ctx, "BATCH_A", 1)
	assert.ErrorIs(t, err, common.ErrDuplicateJob)
}

func TestTracker_GetUnknown(t *testing.T) {
	_, err := newTestTracker().Get(context.Background(), "BATCH_MISSING")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestTracker_ConcurrentUpdatesAreNotLost(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()
	const total = 200

	_, err := tracker.Create(ctx, "BATCH_A", total)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			file := fmt.Sprintf("doc-%d.pdf", i)
			outcome := successOutcome(file)
			if i%3 == 0 {
				outcome = models.FileOutcome{
					File:    file,
					Failure: &models.FileError{File: file, Reason: "bad", Kind: models.FileErrorInvalidDocument},
				}
			}
			_, err := tracker.Update(ctx, "BATCH_A", outcome)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	job, err := tracker.Finalize(ctx, "BATCH_A")
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, job.Status)
	assert.Equal(t, total, job.ProcessedFiles)
	assert.Equal(t, job.ProcessedFiles, job.SuccessfulExtractions+job.FailedFiles)
	assert.Len(t, job.Results, job.SuccessfulExtractions)
	assert.Len(t, job.ErrorDetails, job.FailedFiles)
	assert.NotNil(t, job.CompletedAt)
}

func TestTracker_PrematureFinalize(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()

	_, err := tracker.Create(ctx, "BATCH_A", 2)
	require.NoError(t, err)
	_, err = tracker.Update(ctx, "BATCH_A", successOutcome("a.pdf"))
	require.NoError(t, err)

	_, err = tracker.Finalize(ctx, "BATCH_A")
	require.ErrorIs(t, err, common.ErrInternalInconsistency)

	job, err := tracker.Get(ctx, "BATCH_A")
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusProcessing, job.Status)
}

func TestTracker_CompleteCountsUnrecordedOutcomes(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()

	_, err := tracker.Create(ctx, "BATCH_A", 3)
	require.NoError(t, err)
	_, err = tracker.Update(ctx, "BATCH_A", successOutcome("a.pdf"))
	require.NoError(t, err)
	_, err = tracker.Update(ctx, "BATCH_A", successOutcome("b.pdf"))
	require.NoError(t, err)

	// b.pdf did land despite being reported lost; only c.pdf fits.
	job, err := tracker.Complete(ctx, "BATCH_A", []models.FileOutcome{
		successOutcome("c.pdf"), successOutcome("b.pdf"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, job.Status)
	assert.Equal(t, 3, job.ProcessedFiles)
	assert.Equal(t, 2, job.SuccessfulExtractions)
	assert.Equal(t, 1, job.FailedFiles)
	require.Len(t, job.ErrorDetails, 1)
	assert.Equal(t, "c.pdf", job.ErrorDetails[0].File)
	assert.Equal(t, models.FileErrorUnexpected, job.ErrorDetails[0].Kind)
}

func TestTracker_RejectsUpdatesPastTotalAndAfterCompletion(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()

	_, err := tracker.Create(ctx, "BATCH_A", 1)
	require.NoError(t, err)
	_, err = tracker.Update(ctx, "BATCH_A", successOutcome("a.pdf"))
	require.NoError(t, err)

	_, err = tracker.Update(ctx, "BATCH_A", successOutcome("b.pdf"))
	assert.ErrorIs(t, err, common.ErrInternalInconsistency)

	_, err = tracker.Finalize(ctx, "BATCH_A")
	require.NoError(t, err)

	_, err = tracker.Update(ctx, "BATCH_A", successOutcome("c.pdf"))
	assert.ErrorIs(t, err, common.ErrInternalInconsistency)

	job, err := tracker.Get(ctx, "BATCH_A")
	require.NoError(t, err)
	assert.Equal(t, 1, job.ProcessedFiles)
}

func TestTracker_UpdateRequiresExactlyOneResult(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()

	_, err := tracker.Create(ctx, "BATCH_A", 1)
	require.NoError(t, err)

	_, err = tracker.Update(ctx, "BATCH_A", models.FileOutcome{File: "a.pdf"})
	assert.ErrorIs(t, err, common.ErrInternalInconsistency)
}

func TestTracker_StartIsForwardOnly(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()

	_, err := tracker.Create(ctx, "BATCH_A", 0)
	require.NoError(t, err)

	job, err := tracker.Start(ctx, "BATCH_A")
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusProcessing, job.Status)

	_, err = tracker.Start(ctx, "BATCH_A")
	require.NoError(t, err)

	_, err = tracker.Finalize(ctx, "BATCH_A")
	require.NoError(t, err)

	_, err = tracker.Start(ctx, "BATCH_A")
	assert.ErrorIs(t, err, common.ErrInternalInconsistency)
}

func TestTracker_SnapshotsAreIsolated(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()

	_, err := tracker.Create(ctx, "BATCH_A", 2)
	require.NoError(t, err)
	_, err = tracker.Update(ctx, "BATCH_A", successOutcome("a.pdf"))
	require.NoError(t, err)

	snapshot, err := tracker.Get(ctx, "BATCH_A")
	require.NoError(t, err)
	snapshot.Results[0].PatientID = "mutated"
	snapshot.ProcessedFiles = 99

	fresh, err := tracker.Get(ctx, "BATCH_A")
	require.NoError(t, err)
	assert.Equal(t, "PT_a.pdf", fresh.Results[0].PatientID)
	assert.Equal(t, 1, fresh.ProcessedFiles)
}
