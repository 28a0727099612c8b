package batch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/common"
	"github.com/pharmatrace/backend/internal/storage/models"
)

type Tracker struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

func NewTracker(store Store, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:  store,
		now:    time.Now,
		logger: logger,
	}
}

func (t *Tracker) Create(ctx context.Context, batchID string, totalFiles int) (*models.BatchJob, error) {
	if batchID == "" {
		return nil, common.NewValidationError("batch id is required")
	}
	if totalFiles < 0 {
		return nil, common.NewValidationError("total files must not be negative, got %d", totalFiles)
	}

	job := &models.BatchJob{
		BatchID:      batchID,
		Status:       models.BatchStatusPending,
		TotalFiles:   totalFiles,
		ErrorDetails: []models.FileError{},
		Results:      []models.ExtractionRecord{},
		CreatedAt:    t.now().UTC(),
	}

	if err := t.store.Create(ctx, job); err != nil {
		return nil, err
	}

	t.logger.Info("Batch job created",
		zap.String("batch_id", batchID),
		zap.Int("total_files", totalFiles),
	)

	return job.Clone(), nil
}

func (t *Tracker) Get(ctx context.Context, batchID string) (*models.BatchJob, error) {
	return t.store.Get(ctx, batchID)
}

// Start moves a pending job to processing. Starting a job that is already
// processing is a no-op.
func (t *Tracker) Start(ctx context.Context, batchID string) (*models.BatchJob, error) {
	return t.store.Update(ctx, batchID, func(job *models.BatchJob) error {
		switch job.Status {
		case models.BatchStatusProcessing:
			return nil
		case models.BatchStatusCompleted:
			return common.NewInconsistencyError("batch %s is already completed", batchID)
		}
		now := t.now().UTC()
		job.Status = models.BatchStatusProcessing
		job.StartedAt = &now
		return nil
	})
}

// Update applies the outcome of exactly one file to the job.
func (t *Tracker) Update(ctx context.Context, batchID string, outcome models.FileOutcome) (*models.BatchJob, error) {
	if (outcome.Record == nil) == (outcome.Failure == nil) {
		return nil, common.NewInconsistencyError("outcome for %q must carry exactly one of record or failure", outcome.File)
	}

	return t.store.Update(ctx, batchID, func(job *models.BatchJob) error {
		if job.Status == models.BatchStatusCompleted {
			return common.NewInconsistencyError("batch %s is completed, rejecting update for %q", batchID, outcome.File)
		}
		if job.ProcessedFiles >= job.TotalFiles {
			return common.NewInconsistencyError("batch %s already accounted for all %d files", batchID, job.TotalFiles)
		}

		if job.Status == models.BatchStatusPending {
			now := t.now().UTC()
			job.Status = models.BatchStatusProcessing
			job.StartedAt = &now
		}

		job.ProcessedFiles++
		if outcome.Record != nil {
			job.SuccessfulExtractions++
			job.Results = append(job.Results, *outcome.Record)
		} else {
			job.FailedFiles++
			job.ErrorDetails = append(job.ErrorDetails, *outcome.Failure)
		}
		return nil
	})
}

// Finalize marks the job completed. It fails when files are still
// unaccounted for, which indicates a bug in the caller.
func (t *Tracker) Finalize(ctx context.Context, batchID string) (*models.BatchJob, error) {
	return t.Complete(ctx, batchID, nil)
}

// Complete counts every outcome the store failed to record as an unexpected
// failure and marks the job completed, all in one store update. Outcomes
// beyond TotalFiles are ignored so a retried write that did land is not
// counted twice.
func (t *Tracker) Complete(ctx context.Context, batchID string, unrecorded []models.FileOutcome) (*models.BatchJob, error) {
	job, err := t.store.Update(ctx, batchID, func(job *models.BatchJob) error {
		if job.Status == models.BatchStatusCompleted {
			return nil
		}
		for _, outcome := range unrecorded {
			if job.ProcessedFiles >= job.TotalFiles {
				break
			}
			job.ProcessedFiles++
			job.FailedFiles++
			job.ErrorDetails = append(job.ErrorDetails, models.FileError{
				File:   outcome.File,
				Reason: "outcome could not be recorded",
				Kind:   models.FileErrorUnexpected,
			})
		}
		if job.ProcessedFiles != job.TotalFiles {
			return common.NewInconsistencyError("batch %s finalized with %d of %d files processed",
				batchID, job.ProcessedFiles, job.TotalFiles)
		}
		if job.ProcessedFiles != job.SuccessfulExtractions+job.FailedFiles {
			return common.NewInconsistencyError("batch %s counters diverged: processed=%d successful=%d failed=%d",
				batchID, job.ProcessedFiles, job.SuccessfulExtractions, job.FailedFiles)
		}
		now := t.now().UTC()
		job.Status = models.BatchStatusCompleted
		job.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to finalize batch: %w", err)
	}

	t.logger.Info("Batch job completed",
		zap.String("batch_id", batchID),
		zap.Int("total_files", job.TotalFiles),
		zap.Int("successful", job.SuccessfulExtractions),
		zap.Int("failed", job.FailedFiles),
		zap.Int("unrecorded", len(unrecorded)),
	)

	return job, nil
}

func (t *Tracker) Delete(ctx context.Context, batchID string) error {
	return t.store.Delete(ctx, batchID)
}
