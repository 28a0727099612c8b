package selection

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmatrace/backend/internal/common"
	"github.com/pharmatrace/backend/internal/evaluation"
	"github.com/pharmatrace/backend/internal/storage/models"
)

type tableScorer struct {
	scores map[string]float64
}

func (s tableScorer) EvaluateBatch(_ context.Context, patients []models.Patient, _ models.Trial) ([]models.EligibilityEvaluation, error) {
	out := make([]models.EligibilityEvaluation, len(patients))
	for i, p := range patients {
		score := s.scores[p.ID]
		out[i] = models.EligibilityEvaluation{
			PatientID:         p.ID,
			EligibilityScore:  score,
			EligibilityStatus: models.EligibilityStatusForScore(score),
			Confidence:        0.9,
		}
	}
	return out, nil
}

func (s tableScorer) MatchTrials(context.Context, models.PatientData, []models.Trial) ([]models.TrialMatch, error) {
	return nil, nil
}

var trial = models.Trial{ID: "NCT00000001", Name: "Diabetes Management Study", Condition: "Type 2 Diabetes"}

// twelvePatients has 8 patients at or above the eligibility threshold.
func twelvePatients() ([]models.Patient, *evaluation.Evaluator) {
	scores := []float64{95, 30, 88, 72, 45, 60, 55, 10, 91, 51, 40, 70}
	patients := make([]models.Patient, len(scores))
	table := map[string]float64{}
	for i, s := range scores {
		id := fmt.Sprintf("P-%02d", i+1)
		patients[i] = models.Patient{ID: id}
		table[id] = s
	}
	return patients, evaluation.NewEvaluator(tableScorer{scores: table}, evaluation.Config{})
}

func seeded(seed uint64) func() *rand.Rand {
	return func() *rand.Rand {
		return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

func ids(candidates []models.EligibleCandidate) []string {
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.PatientID
	}
	return out
}

func TestSelectCandidates_TwelvePatientScenario(t *testing.T) {
	patients, ev := twelvePatients()
	eligibleIDs := []string{"P-01", "P-03", "P-04", "P-06", "P-07", "P-09", "P-10", "P-12"}

	orders := map[string]struct{}{}
	for seed := uint64(1); seed <= 10; seed++ {
		s := NewSelector(ev, WithRandFactory(seeded(seed)))

		pool, err := s.SelectCandidates(context.Background(), patients, trial, 5, 1.5)
		require.NoError(t, err)

		assert.Equal(t, 7, pool.CandidatesInPool)
		require.Len(t, pool.EligibleCandidates, 7)
		assert.Subset(t, eligibleIDs, ids(pool.EligibleCandidates))
		for _, c := range pool.EligibleCandidates {
			assert.GreaterOrEqual(t, c.EligibilityScore, 50.0)
		}
		assert.Equal(t, models.ProcessingStats{
			TotalPatientsEvaluated:  12,
			EligibleCandidatesFound: 8,
			TargetPoolSize:          7,
			PoolSizeReturned:        7,
		}, pool.ProcessingStats)
		assert.Equal(t, 5, pool.RequiredCandidates)

		orders[fmt.Sprint(ids(pool.EligibleCandidates))] = struct{}{}
	}

	assert.Greater(t, len(orders), 1, "different seeds should produce different orders")
}

func TestSelectCandidates_SameSeedIsStable(t *testing.T) {
	patients, ev := twelvePatients()
	s := NewSelector(ev, WithRandFactory(seeded(42)))

	first, err := s.SelectCandidates(context.Background(), patients, trial, 5, 1.5)
	require.NoError(t, err)
	second, err := s.SelectCandidates(context.Background(), patients, trial, 5, 1.5)
	require.NoError(t, err)

	assert.Equal(t, ids(first.EligibleCandidates), ids(second.EligibleCandidates))
}

func TestSelectCandidates_SizeBound(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for round := 0; round < 30; round++ {
		n := rng.IntN(40)
		patients := make([]models.Patient, n)
		table := map[string]float64{}
		for i := range patients {
			id := fmt.Sprintf("P-%d", i)
			patients[i] = models.Patient{ID: id}
			table[id] = float64(rng.IntN(101))
		}
		ev := evaluation.NewEvaluator(tableScorer{scores: table}, evaluation.Config{})
		s := NewSelector(ev, WithRandFactory(seeded(uint64(round))))

		required := rng.IntN(10)
		multiplier := 0.5 + rng.Float64()*2
		pool, err := s.SelectCandidates(context.Background(), patients, trial, required, multiplier)
		require.NoError(t, err)

		assert.LessOrEqual(t, len(pool.EligibleCandidates), TargetPoolSize(required, multiplier))
		assert.Equal(t, pool.CandidatesInPool, len(pool.EligibleCandidates))
		for _, c := range pool.EligibleCandidates {
			assert.GreaterOrEqual(t, c.EligibilityScore, DefaultEligibilityThreshold)
		}
	}
}

func TestSelectCandidates_PoolSmallerThanTargetKeepsEveryone(t *testing.T) {
	patients, ev := twelvePatients()
	s := NewSelector(ev, WithRandFactory(seeded(3)))

	pool, err := s.SelectCandidates(context.Background(), patients, trial, 10, 1.5)
	require.NoError(t, err)

	assert.Equal(t, 15, pool.ProcessingStats.TargetPoolSize)
	assert.ElementsMatch(t, []string{"P-01", "P-03", "P-04", "P-06", "P-07", "P-09", "P-10", "P-12"}, ids(pool.EligibleCandidates))
}

func TestSelectCandidates_InvalidRequest(t *testing.T) {
	patients, ev := twelvePatients()
	s := NewSelector(ev)

	_, err := s.SelectCandidates(context.Background(), patients, trial, -1, 1.5)
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = s.SelectCandidates(context.Background(), patients, trial, 5, 0)
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestSelectCandidatesForAllTrials(t *testing.T) {
	patients, ev := twelvePatients()
	s := NewSelector(ev, WithRandFactory(seeded(9)))
	other := models.Trial{ID: "NCT00000002", Name: "Hypertension Study"}

	pools, err := s.SelectCandidatesForAllTrials(context.Background(), patients, []models.Trial{trial, other},
		map[string]int{"NCT00000002": 2}, 4, 1.5)
	require.NoError(t, err)
	require.Len(t, pools, 2)

	assert.Equal(t, 4, pools[trial.ID].RequiredCandidates)
	assert.Equal(t, 6, pools[trial.ID].CandidatesInPool)
	assert.Equal(t, 2, pools[other.ID].RequiredCandidates)
	assert.Equal(t, 3, pools[other.ID].CandidatesInPool)
}

func TestRankCandidates_TwelvePatientScenario(t *testing.T) {
	patients, ev := twelvePatients()
	r := NewRanker(ev)

	first, err := r.RankCandidates(context.Background(), patients, trial, 5, 1.5)
	require.NoError(t, err)
	second, err := r.RankCandidates(context.Background(), patients, trial, 5, 1.5)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, first.RankedCandidates, 7)
	assert.Equal(t, 7, first.CandidatesReturned)

	wantIDs := []string{"P-01", "P-09", "P-03", "P-04", "P-12", "P-06", "P-07"}
	for i, c := range first.RankedCandidates {
		assert.Equal(t, i+1, c.Rank)
		assert.Equal(t, wantIDs[i], c.PatientID)
		if i > 0 {
			assert.GreaterOrEqual(t, first.RankedCandidates[i-1].EligibilityScore, c.EligibilityScore)
		}
	}
}

func TestRankCandidates_TiesKeepInputOrder(t *testing.T) {
	table := map[string]float64{"a": 80, "b": 90, "c": 80, "d": 80}
	patients := []models.Patient{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}
	ev := evaluation.NewEvaluator(tableScorer{scores: table}, evaluation.Config{BatchSize: 1, Concurrency: 4})
	r := NewRanker(ev, WithThreshold(50))

	result, err := r.RankCandidates(context.Background(), patients, trial, 3, 1)
	require.NoError(t, err)

	got := make([]string, len(result.RankedCandidates))
	for i, c := range result.RankedCandidates {
		got[i] = c.PatientID
	}
	assert.Equal(t, []string{"b", "a", "c"}, got)
}

func TestRankCandidatesForAllTrials(t *testing.T) {
	patients, ev := twelvePatients()
	r := NewRanker(ev)

	results, err := r.RankCandidatesForAllTrials(context.Background(), patients, []models.Trial{trial}, nil, 2, 1.5)
	require.NoError(t, err)

	require.Contains(t, results, trial.ID)
	assert.Equal(t, 3, results[trial.ID].CandidatesReturned)
	assert.Equal(t, "P-01", results[trial.ID].RankedCandidates[0].PatientID)
}

func TestValidateRequest_RejectsOverflowingTarget(t *testing.T) {
	tests := []struct {
		name       string
		required   int
		multiplier float64
	}{
		{name: "huge multiplier", required: 5, multiplier: 1e300},
		{name: "huge required", required: math.MaxInt, multiplier: 1.5},
		{name: "just over the cap", required: MaxPoolSize, multiplier: 1.01},
	}

	patients, ev := twelvePatients()
	s := NewSelector(ev, WithRandFactory(seeded(1)))
	r := NewRanker(ev)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, ValidateRequest(tt.required, tt.multiplier), common.ErrValidation)

			assert.NotPanics(t, func() {
				_, err := s.SelectCandidates(context.Background(), patients, trial, tt.required, tt.multiplier)
				assert.ErrorIs(t, err, common.ErrValidation)

				_, err = r.RankCandidates(context.Background(), patients, trial, tt.required, tt.multiplier)
				assert.ErrorIs(t, err, common.ErrValidation)
			})
		})
	}
}

func TestTargetPoolSize_StaysInRange(t *testing.T) {
	assert.Equal(t, 7, TargetPoolSize(5, 1.5))
	assert.Equal(t, 0, TargetPoolSize(0, 1.5))
	assert.Equal(t, MaxPoolSize, TargetPoolSize(MaxPoolSize, 1))
	assert.Equal(t, MaxPoolSize, TargetPoolSize(5, 1e300))
	assert.NoError(t, ValidateRequest(MaxPoolSize, 1))
}

func TestRanker_ZeroThresholdKeepsEveryPatient(t *testing.T) {
	patients, ev := twelvePatients()

	ranked, err := NewRanker(ev, WithThreshold(0)).RankCandidates(context.Background(), patients, trial, 12, 1)
	require.NoError(t, err)
	assert.Equal(t, 12, ranked.CandidatesReturned)
	assert.Equal(t, "P-08", ranked.RankedCandidates[11].PatientID)

	pool, err := NewSelector(ev, WithThreshold(0), WithRandFactory(seeded(2))).
		SelectCandidates(context.Background(), patients, trial, 12, 1)
	require.NoError(t, err)
	assert.Equal(t, 12, pool.CandidatesInPool)
}
