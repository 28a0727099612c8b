package selection

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/metrics"
	"github.com/pharmatrace/backend/internal/storage/models"
)

// Ranker is the ordering-sensitive sibling of Selector: same evaluation, but
// candidates come back sorted by score with explicit ranks.
type Ranker struct {
	evaluator Evaluator
	options
}

func NewRanker(evaluator Evaluator, opts ...Option) *Ranker {
	return &Ranker{evaluator: evaluator, options: newOptions(opts)}
}

func (r *Ranker) RankCandidates(ctx context.Context, patients []models.Patient, trial models.Trial, required int, multiplier float64) (*models.TrialRankingResult, error) {
	if err := ValidateRequest(required, multiplier); err != nil {
		return nil, err
	}
	target := TargetPoolSize(required, multiplier)

	candidates, evaluated, err := eligible(ctx, r.evaluator, patients, trial, r.threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to rank candidates: %w", err)
	}
	found := len(candidates)

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].EligibilityScore > candidates[j].EligibilityScore
	})
	if len(candidates) > target {
		candidates = candidates[:target]
	}

	ranked := make([]models.RankedCandidate, len(candidates))
	for i, c := range candidates {
		ranked[i] = models.RankedCandidate{EligibleCandidate: c, Rank: i + 1}
	}

	metrics.PoolSize.WithLabelValues("ranking").Observe(float64(len(ranked)))
	r.logger.Info("Candidates ranked",
		zap.String("trial_id", trial.ID),
		zap.Int("evaluated", evaluated),
		zap.Int("eligible", found),
		zap.Int("target", target),
		zap.Int("returned", len(ranked)),
	)

	return &models.TrialRankingResult{
		TrialID:            trial.ID,
		TrialName:          trial.Name,
		Condition:          trial.Condition,
		RequiredCandidates: required,
		CandidatesReturned: len(ranked),
		RankedCandidates:   ranked,
		ProcessingStats: models.ProcessingStats{
			TotalPatientsEvaluated:  evaluated,
			EligibleCandidatesFound: found,
			TargetPoolSize:          target,
			PoolSizeReturned:        len(ranked),
		},
	}, nil
}

func (r *Ranker) RankCandidatesForAllTrials(ctx context.Context, patients []models.Patient, trials []models.Trial, requiredPerTrial map[string]int, defaultRequired int, multiplier float64) (map[string]*models.TrialRankingResult, error) {
	results := make(map[string]*models.TrialRankingResult, len(trials))
	for _, trial := range trials {
		result, err := r.RankCandidates(ctx, patients, trial, requiredFor(trial.ID, requiredPerTrial, defaultRequired), multiplier)
		if err != nil {
			return nil, fmt.Errorf("trial %s: %w", trial.ID, err)
		}
		results[trial.ID] = result
	}
	return results, nil
}
