package evaluation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pharmatrace/backend/internal/metrics"
	"github.com/pharmatrace/backend/internal/scoring"
	"github.com/pharmatrace/backend/internal/storage/models"
)

const (
	DefaultBatchSize   = 10
	DefaultConcurrency = 2
)

// Evaluator runs patients through the Scorer in fixed-size batches and
// guarantees exactly one evaluation per input patient, in input order.
type Evaluator struct {
	scorer      scoring.Scorer
	batchSize   int
	concurrency int
	logger      *zap.Logger
}

type Config struct {
	BatchSize   int
	Concurrency int
	Logger      *zap.Logger
}

func NewEvaluator(scorer scoring.Scorer, cfg Config) *Evaluator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Evaluator{
		scorer:      scorer,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}
}

// Evaluate scores every patient against trial. Scorer failures degrade to
// default records; only context cancellation is returned as an error.
func (e *Evaluator) Evaluate(ctx context.Context, patients []models.Patient, trial models.Trial) ([]models.EligibilityEvaluation, error) {
	results := make([]models.EligibilityEvaluation, len(patients))
	if len(patients) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for start := 0; start < len(patients); start += e.batchSize {
		end := min(start+e.batchSize, len(patients))
		batchNo := start/e.batchSize + 1

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			evals := e.evaluateBatch(gctx, batchNo, patients[start:end], trial)
			copy(results[start:end], evals)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to evaluate patients for trial %s: %w", trial.ID, err)
	}

	for _, r := range results {
		metrics.EvaluationsTotal.WithLabelValues(string(r.EligibilityStatus)).Inc()
	}

	e.logger.Info("Patients evaluated",
		zap.String("trial_id", trial.ID),
		zap.Int("patients", len(patients)),
		zap.Int("batches", (len(patients)+e.batchSize-1)/e.batchSize),
	)

	return results, nil
}

func (e *Evaluator) evaluateBatch(ctx context.Context, batchNo int, batch []models.Patient, trial models.Trial) []models.EligibilityEvaluation {
	started := time.Now()
	evals, err := e.scorer.EvaluateBatch(ctx, batch, trial)
	if err != nil {
		metrics.ScorerBatchDuration.WithLabelValues("error").Observe(time.Since(started).Seconds())
		e.logger.Error("Scorer batch failed, using default evaluations",
			zap.String("trial_id", trial.ID),
			zap.Int("batch", batchNo),
			zap.Int("patients", len(batch)),
			zap.Error(err),
		)
		out := make([]models.EligibilityEvaluation, len(batch))
		for i, p := range batch {
			out[i] = ErrorEvaluation(p.ID)
		}
		return out
	}
	metrics.ScorerBatchDuration.WithLabelValues("success").Observe(time.Since(started).Seconds())

	return e.reconcile(batchNo, batch, evals, trial.ID)
}

// reconcile lines the scorer output up with the batch by patient ID.
func (e *Evaluator) reconcile(batchNo int, batch []models.Patient, evals []models.EligibilityEvaluation, trialID string) []models.EligibilityEvaluation {
	if len(evals) != len(batch) {
		e.logger.Warn("Scorer returned unexpected number of evaluations",
			zap.String("trial_id", trialID),
			zap.Int("batch", batchNo),
			zap.Int("expected", len(batch)),
			zap.Int("received", len(evals)),
		)
	}

	inBatch := make(map[string]struct{}, len(batch))
	for _, p := range batch {
		inBatch[p.ID] = struct{}{}
	}

	byID := make(map[string]models.EligibilityEvaluation, len(evals))
	for _, ev := range evals {
		if _, ok := inBatch[ev.PatientID]; !ok {
			e.logger.Warn("Dropping evaluation for unknown patient",
				zap.String("trial_id", trialID),
				zap.Int("batch", batchNo),
				zap.String("patient_id", ev.PatientID),
			)
			continue
		}
		if _, dup := byID[ev.PatientID]; dup {
			e.logger.Warn("Dropping duplicate evaluation",
				zap.String("trial_id", trialID),
				zap.Int("batch", batchNo),
				zap.String("patient_id", ev.PatientID),
			)
			continue
		}
		byID[ev.PatientID] = ev
	}

	out := make([]models.EligibilityEvaluation, len(batch))
	for i, p := range batch {
		ev, ok := byID[p.ID]
		if !ok {
			e.logger.Warn("Patient missing from scorer output",
				zap.String("trial_id", trialID),
				zap.Int("batch", batchNo),
				zap.String("patient_id", p.ID),
			)
			ev = UnevaluatedEvaluation(p.ID)
		}
		out[i] = ev
	}
	return out
}

// ErrorEvaluation is recorded for every patient of a batch the Scorer failed on.
func ErrorEvaluation(patientID string) models.EligibilityEvaluation {
	return models.EligibilityEvaluation{
		PatientID:           patientID,
		EligibilityScore:    0,
		EligibilityStatus:   models.NotEligible,
		MeetsInclusion:      []string{},
		MeetsExclusion:      false,
		QualifyingFactors:   []string{},
		PendingVerification: []string{"Evaluation error - manual review required"},
		Confidence:          0,
		Notes:               "Failed to evaluate due to processing error",
	}
}

// UnevaluatedEvaluation is recorded for a patient the Scorer silently skipped.
func UnevaluatedEvaluation(patientID string) models.EligibilityEvaluation {
	ev := ErrorEvaluation(patientID)
	ev.PendingVerification = []string{"Not evaluated - manual review required"}
	ev.Notes = "Scorer returned no evaluation for this patient"
	return ev
}

// FilterEligible keeps evaluations scoring at or above threshold, preserving order.
func FilterEligible(evals []models.EligibilityEvaluation, threshold float64) []models.EligibilityEvaluation {
	out := make([]models.EligibilityEvaluation, 0, len(evals))
	for _, ev := range evals {
		if ev.EligibilityScore >= threshold {
			out = append(out, ev)
		}
	}
	return out
}
