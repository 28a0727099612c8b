package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pharmatrace/backend/internal/common"
	"github.com/pharmatrace/backend/internal/metrics"
	"github.com/pharmatrace/backend/internal/storage/models"
	"github.com/pharmatrace/backend/pkg/retry"
	"github.com/pharmatrace/backend/pkg/utils"
)

const DefaultConcurrency = 5

var ErrShuttingDown = errors.New("processor is shutting down")

type Extractor interface {
	Validate(ctx context.Context, doc models.Document) (*models.ValidationResult, error)
	Extract(ctx context.Context, doc models.Document) (*models.ExtractionResult, error)
}

type PatientSink interface {
	SavePatient(ctx context.Context, patient *models.Patient) error
}

type UploadStore interface {
	Remove(path string) error
}

// Task is the handle for one submitted batch.
type Task struct {
	BatchID string

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the batch is finalized and its uploads released.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// Cancel stops the batch. Documents in flight see a cancelled context and
// documents not yet started are skipped; both are recorded as failures so the
// batch still completes.
func (t *Task) Cancel() {
	t.cancel()
}

type Processor struct {
	tracker     *Tracker
	extractor   Extractor
	sink        PatientSink
	uploads     UploadStore
	concurrency int
	retry       retry.Config
	logger      *zap.Logger

	base     context.Context
	stopBase context.CancelFunc

	mu       sync.Mutex
	tasks    map[string]*Task
	stopping bool
	wg       sync.WaitGroup
}

type ProcessorConfig struct {
	Tracker     *Tracker
	Extractor   Extractor
	Sink        PatientSink
	Uploads     UploadStore
	Concurrency int
	// Retry governs tracker writes. Zero fields take retry defaults.
	Retry  retry.Config
	Logger *zap.Logger
}

// retryableTrackerError reports whether a tracker write may succeed on a
// later attempt. Rule violations and missing jobs never will.
func retryableTrackerError(err error) bool {
	return !errors.Is(err, common.ErrInternalInconsistency) && !errors.Is(err, common.ErrNotFound)
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 4
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = 50 * time.Millisecond
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 2 * time.Second
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = retryableTrackerError
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = cfg.Logger
	}

	base, stop := context.WithCancel(context.Background())
	return &Processor{
		tracker:     cfg.Tracker,
		extractor:   cfg.Extractor,
		sink:        cfg.Sink,
		uploads:     cfg.Uploads,
		concurrency: cfg.Concurrency,
		retry:       cfg.Retry,
		logger:      cfg.Logger,
		base:        base,
		stopBase:    stop,
		tasks:       make(map[string]*Task),
	}
}

// Submit registers the batch with the tracker and starts processing docs in
// the background. It returns as soon as the job exists.
func (p *Processor) Submit(ctx context.Context, batchID string, docs []models.Document) (*Task, error) {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return nil, ErrShuttingDown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	if _, err := p.tracker.Create(ctx, batchID, len(docs)); err != nil {
		p.wg.Done()
		return nil, fmt.Errorf("failed to create batch job: %w", err)
	}
	if _, err := p.tracker.Start(ctx, batchID); err != nil {
		// Nothing would ever drive a job that never started to completion.
		if delErr := p.tracker.Delete(context.WithoutCancel(ctx), batchID); delErr != nil {
			p.logger.Error("Failed to remove unstarted batch job",
				zap.String("batch_id", batchID),
				zap.Error(delErr),
			)
		}
		p.wg.Done()
		return nil, fmt.Errorf("failed to start batch job: %w", err)
	}

	runCtx, cancel := context.WithCancel(p.base)
	task := &Task{
		BatchID: batchID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	p.mu.Lock()
	p.tasks[batchID] = task
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer cancel()
		task.err = p.run(runCtx, batchID, docs)

		p.mu.Lock()
		delete(p.tasks, batchID)
		p.mu.Unlock()
		close(task.done)
	}()

	p.logger.Info("Batch submitted",
		zap.String("batch_id", batchID),
		zap.Int("total_files", len(docs)),
		zap.Int("concurrency", p.concurrency),
	)

	return task, nil
}

// Task returns the handle of a running batch.
func (p *Processor) Task(batchID string) (*Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.tasks[batchID]
	return task, ok
}

// Shutdown cancels every running batch and waits for them to finalize.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	p.stopBase()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) run(ctx context.Context, batchID string, docs []models.Document) error {
	started := time.Now()
	// Tracker writes and cleanup must survive cancellation of the batch.
	persistCtx := context.WithoutCancel(ctx)

	var (
		lostMu sync.Mutex
		lost   []models.FileOutcome
	)
	record := func(outcome models.FileOutcome) {
		if err := p.record(persistCtx, batchID, outcome); err != nil {
			lostMu.Lock()
			lost = append(lost, outcome)
			lostMu.Unlock()
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)

	for _, doc := range docs {
		if ctx.Err() != nil {
			record(cancelledOutcome(doc))
			continue
		}

		g.Go(func() error {
			if ctx.Err() != nil {
				record(cancelledOutcome(doc))
				return nil
			}

			metrics.BatchFilesInFlight.Inc()
			outcome := p.processDocument(ctx, doc)
			metrics.BatchFilesInFlight.Dec()

			record(outcome)
			return nil
		})
	}

	// Workers never return errors; failures are recorded per file.
	_ = g.Wait()

	job, err := retry.DoWithResult(persistCtx, p.retry, func() (*models.BatchJob, error) {
		return p.tracker.Complete(persistCtx, batchID, lost)
	})
	p.releaseUploads(batchID, docs)

	if err != nil {
		metrics.BatchesTotal.WithLabelValues("inconsistent").Inc()
		p.logger.Error("Failed to finalize batch",
			zap.String("batch_id", batchID),
			zap.Error(err),
		)
		return err
	}

	state := "completed"
	if ctx.Err() != nil {
		state = "cancelled"
	}
	metrics.BatchesTotal.WithLabelValues(state).Inc()
	metrics.BatchDuration.Observe(time.Since(started).Seconds())

	p.logger.Info("Batch processing finished",
		zap.String("batch_id", batchID),
		zap.String("state", state),
		zap.Int("successful", job.SuccessfulExtractions),
		zap.Int("failed", job.FailedFiles),
		zap.Duration("duration", time.Since(started)),
	)

	return nil
}

func (p *Processor) processDocument(ctx context.Context, doc models.Document) (outcome models.FileOutcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Recovered panic while processing document",
				zap.String("file", doc.Name),
				zap.Any("panic", r),
			)
			outcome = failureOutcome(doc, models.FileErrorUnexpected, fmt.Sprintf("unexpected error: %v", r))
		}
	}()

	validation, err := p.extractor.Validate(ctx, doc)
	if err != nil {
		return failureOutcome(doc, models.FileErrorUnexpected, fmt.Sprintf("validation failed: %v", err))
	}
	if validation == nil || !validation.IsValid {
		reason := "document rejected"
		if validation != nil && validation.Reason != "" {
			reason = validation.Reason
		}
		return failureOutcome(doc, models.FileErrorInvalidDocument, "Invalid medical document: "+reason)
	}

	result, err := p.extractor.Extract(ctx, doc)
	if err != nil {
		return failureOutcome(doc, models.FileErrorUnexpected, fmt.Sprintf("extraction failed: %v", err))
	}
	if result == nil || result.Status != models.ExtractionSuccess || result.Data == nil {
		reason := "extractor returned no data"
		if result != nil {
			reason = fmt.Sprintf("extraction status %s", result.Status)
			if result.Error != "" {
				reason += ": " + result.Error
			}
		}
		return failureOutcome(doc, models.FileErrorExtractionFailed, reason)
	}

	patient := &models.Patient{
		ID:         utils.NewPatientID(),
		Data:       *result.Data,
		SourceFile: doc.Name,
		CreatedAt:  time.Now().UTC(),
	}
	if p.sink != nil {
		if err := p.sink.SavePatient(ctx, patient); err != nil {
			return failureOutcome(doc, models.FileErrorUnexpected, fmt.Sprintf("failed to persist patient: %v", err))
		}
	}

	metrics.ExtractionConfidence.Observe(result.Data.ConfidenceScore)

	return models.FileOutcome{
		File: doc.Name,
		Record: &models.ExtractionRecord{
			File:        doc.Name,
			PatientID:   patient.ID,
			PatientData: patient.Data,
			Status:      string(models.ExtractionSuccess),
		},
	}
}

// record applies outcome to the job, retrying transient store failures. A
// non-nil error means the outcome is still unaccounted for.
func (p *Processor) record(ctx context.Context, batchID string, outcome models.FileOutcome) error {
	label := "success"
	if outcome.Failure != nil {
		label = string(outcome.Failure.Kind)
		p.logger.Warn("Document failed",
			zap.String("batch_id", batchID),
			zap.String("file", outcome.File),
			zap.String("kind", label),
			zap.String("reason", outcome.Failure.Reason),
		)
	}
	metrics.BatchFilesProcessed.WithLabelValues(label).Inc()

	err := retry.Do(ctx, p.retry, func() error {
		_, err := p.tracker.Update(ctx, batchID, outcome)
		return err
	})
	if err != nil {
		p.logger.Error("Failed to record document outcome",
			zap.String("batch_id", batchID),
			zap.String("file", outcome.File),
			zap.Error(err),
		)
	}
	return err
}

func (p *Processor) releaseUploads(batchID string, docs []models.Document) {
	if p.uploads == nil {
		return
	}
	for _, doc := range docs {
		if doc.Path == "" {
			continue
		}
		if err := p.uploads.Remove(doc.Path); err != nil {
			p.logger.Warn("Failed to remove uploaded file",
				zap.String("batch_id", batchID),
				zap.String("path", doc.Path),
				zap.Error(err),
			)
		}
	}
}

func failureOutcome(doc models.Document, kind models.FileErrorKind, reason string) models.FileOutcome {
	return models.FileOutcome{
		File: doc.Name,
		Failure: &models.FileError{
			File:   doc.Name,
			Reason: reason,
			Kind:   kind,
		},
	}
}

func cancelledOutcome(doc models.Document) models.FileOutcome {
	return failureOutcome(doc, models.FileErrorUnexpected, "batch cancelled")
}
