package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/batch"
	"github.com/pharmatrace/backend/internal/common"
	"github.com/pharmatrace/backend/internal/middleware/validation"
	"github.com/pharmatrace/backend/internal/storage/models"
	"github.com/pharmatrace/backend/pkg/logger"
	"github.com/pharmatrace/backend/pkg/utils"
)

// Seconds of processing budgeted per document when estimating batch duration.
const secondsPerDocument = 3

type BatchSubmitter interface {
	Submit(ctx context.Context, batchID string, docs []models.Document) (*batch.Task, error)
}

type JobReader interface {
	Get(ctx context.Context, batchID string) (*models.BatchJob, error)
}

type UploadSaver interface {
	Save(name string, r io.Reader) (models.Document, error)
	Remove(path string) error
	RemoveAll(docs []models.Document)
}

type BatchHandler struct {
	jobs        JobReader
	processor   BatchSubmitter
	uploads     UploadSaver
	maxFiles    int
	concurrency int
}

func NewBatchHandler(jobs JobReader, processor BatchSubmitter, uploads UploadSaver, maxFiles, concurrency int) *BatchHandler {
	return &BatchHandler{
		jobs:        jobs,
		processor:   processor,
		uploads:     uploads,
		maxFiles:    maxFiles,
		concurrency: concurrency,
	}
}

// UploadBatch stores the validated files and hands them to the processor.
// It returns before any document is processed.
func (h *BatchHandler) UploadBatch(c *fiber.Ctx) error {
	files := validation.Files(c)
	if len(files) == 0 || len(files) > h.maxFiles {
		return respondError(c, common.NewValidationError("batch must contain between 1 and %d files, got %d", h.maxFiles, len(files)))
	}

	docs := make([]models.Document, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			h.uploads.RemoveAll(docs)
			return respondError(c, fmt.Errorf("failed to open upload %s: %w", fh.Filename, err))
		}
		doc, err := h.uploads.Save(fh.Filename, f)
		f.Close()
		if err != nil {
			h.uploads.RemoveAll(docs)
			return respondError(c, err)
		}
		docs = append(docs, doc)
	}

	batchID := utils.NewBatchID()
	if _, err := h.processor.Submit(c.UserContext(), batchID, docs); err != nil {
		h.uploads.RemoveAll(docs)
		if errors.Is(err, batch.ErrShuttingDown) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "Server is shutting down, retry shortly",
			})
		}
		return respondError(c, err)
	}

	logger.Info("Batch upload accepted",
		zap.String("batch_id", batchID),
		zap.Int("files", len(docs)),
	)

	n := len(docs)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":      "batch_started",
		"batch_id":    batchID,
		"total_files": n,
		"file_count": fiber.Map{
			"total":        n,
			"max_capacity": h.maxFiles,
		},
		"processing_info": fiber.Map{
			"concurrent_limit":        h.concurrency,
			"estimated_time_seconds":  max(60, n*secondsPerDocument),
			"estimated_time_readable": fmt.Sprintf("~%d minutes", max(1, n*secondsPerDocument/60)),
		},
		"tracking_endpoints": fiber.Map{
			"status":  "/batch-status/" + batchID,
			"results": "/batch-results/" + batchID,
		},
		"next_steps": []string{
			fmt.Sprintf("1. Poll /batch-status/%s to track progress", batchID),
			fmt.Sprintf("2. When status='completed', fetch /batch-results/%s for all extracted data", batchID),
		},
	})
}

func (h *BatchHandler) GetStatus(c *fiber.Ctx) error {
	job, err := h.jobs.Get(c.UserContext(), c.Params("batch_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(statusPayload(job))
}

func (h *BatchHandler) GetResults(c *fiber.Ctx) error {
	batchID := c.Params("batch_id")
	job, err := h.jobs.Get(c.UserContext(), batchID)
	if err != nil {
		return respondError(c, err)
	}

	if job.Status != models.BatchStatusCompleted {
		return respondError(c, common.NewConflictError(
			"Batch still processing. Current status: %s. Poll /batch-status/%s", job.Status, batchID))
	}

	return c.JSON(fiber.Map{
		"batch_id": job.BatchID,
		"status":   "complete",
		"summary": fiber.Map{
			"total_files":             job.TotalFiles,
			"successful_extractions":  job.SuccessfulExtractions,
			"failed_files":            job.FailedFiles,
			"extraction_rate_percent": percent(job.SuccessfulExtractions, job.TotalFiles),
		},
		"patients": job.Results,
		"errors":   job.ErrorDetails,
	})
}

func statusPayload(job *models.BatchJob) fiber.Map {
	payload := fiber.Map{
		"batch_id": job.BatchID,
		"status":   job.Status,
		"progress": fiber.Map{
			"total_files":            job.TotalFiles,
			"processed_files":        job.ProcessedFiles,
			"successful_extractions": job.SuccessfulExtractions,
			"failed_files":           job.FailedFiles,
			"progress_percentage":    job.ProgressPercentage(),
			"remaining_files":        job.Remaining(),
		},
	}

	if job.Status == models.BatchStatusCompleted {
		payload["completion_info"] = fiber.Map{
			"extracted_patients":      len(job.Results),
			"extraction_success_rate": fmt.Sprintf("%.1f%%", percent(len(job.Results), job.TotalFiles)),
			"total_failed":            job.FailedFiles,
		}
		if len(job.ErrorDetails) > 0 {
			payload["sample_errors"] = job.ErrorDetails[:min(5, len(job.ErrorDetails))]
		}
	}

	return payload
}

// percent returns part/total as a percentage rounded to one decimal place.
func percent(part, total int) float64 {
	return math.Round(float64(part)/float64(max(1, total))*1000) / 10
}
