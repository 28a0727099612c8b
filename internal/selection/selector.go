package selection

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/metrics"
	"github.com/pharmatrace/backend/internal/storage/models"
)

// Selector builds candidate pools whose order carries no information about
// scores or evaluation order.
type Selector struct {
	evaluator Evaluator
	options
}

func NewSelector(evaluator Evaluator, opts ...Option) *Selector {
	return &Selector{evaluator: evaluator, options: newOptions(opts)}
}

func (s *Selector) SelectCandidates(ctx context.Context, patients []models.Patient, trial models.Trial, required int, multiplier float64) (*models.TrialCandidatePool, error) {
	if err := ValidateRequest(required, multiplier); err != nil {
		return nil, err
	}
	target := TargetPoolSize(required, multiplier)

	candidates, evaluated, err := eligible(ctx, s.evaluator, patients, trial, s.threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to select candidates: %w", err)
	}
	found := len(candidates)

	rng := s.randFactory()
	if len(candidates) > target {
		rng.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
		candidates = candidates[:target]
	}
	rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	metrics.PoolSize.WithLabelValues("selection").Observe(float64(len(candidates)))
	s.logger.Info("Candidate pool selected",
		zap.String("trial_id", trial.ID),
		zap.Int("evaluated", evaluated),
		zap.Int("eligible", found),
		zap.Int("target", target),
		zap.Int("returned", len(candidates)),
	)

	return &models.TrialCandidatePool{
		TrialID:            trial.ID,
		TrialName:          trial.Name,
		Condition:          trial.Condition,
		RequiredCandidates: required,
		CandidatesInPool:   len(candidates),
		EligibleCandidates: candidates,
		ProcessingStats: models.ProcessingStats{
			TotalPatientsEvaluated:  evaluated,
			EligibleCandidatesFound: found,
			TargetPoolSize:          target,
			PoolSizeReturned:        len(candidates),
		},
	}, nil
}

// SelectCandidatesForAllTrials builds one independent pool per trial, keyed by trial ID.
func (s *Selector) SelectCandidatesForAllTrials(ctx context.Context, patients []models.Patient, trials []models.Trial, requiredPerTrial map[string]int, defaultRequired int, multiplier float64) (map[string]*models.TrialCandidatePool, error) {
	pools := make(map[string]*models.TrialCandidatePool, len(trials))
	for _, trial := range trials {
		pool, err := s.SelectCandidates(ctx, patients, trial, requiredFor(trial.ID, requiredPerTrial, defaultRequired), multiplier)
		if err != nil {
			return nil, fmt.Errorf("trial %s: %w", trial.ID, err)
		}
		pools[trial.ID] = pool
	}
	return pools, nil
}
