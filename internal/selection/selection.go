package selection

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/common"
	"github.com/pharmatrace/backend/internal/evaluation"
	"github.com/pharmatrace/backend/internal/storage/models"
)

const (
	DefaultEligibilityThreshold = 50.0
	DefaultMultiplier           = 1.5
	DefaultRequired             = 10

	// MaxPoolSize bounds floor(required × multiplier) so the target always fits an int.
	MaxPoolSize = math.MaxInt32
)

// Evaluator produces exactly one evaluation per patient, in input order.
// Selector and Ranker share one so their eligibility judgments never diverge.
type Evaluator interface {
	Evaluate(ctx context.Context, patients []models.Patient, trial models.Trial) ([]models.EligibilityEvaluation, error)
}

type options struct {
	threshold   float64
	randFactory func() *rand.Rand
	logger      *zap.Logger
}

// Option configures a Selector or a Ranker.
type Option func(*options)

// WithRandFactory replaces the per-call random source. Tests pass seeded sources.
// Rankers ignore it.
func WithRandFactory(f func() *rand.Rand) Option {
	return func(o *options) {
		o.randFactory = f
	}
}

func WithThreshold(threshold float64) Option {
	return func(o *options) {
		o.threshold = threshold
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		threshold:   DefaultEligibilityThreshold,
		randFactory: timeSeededRand,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func timeSeededRand() *rand.Rand {
	return rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64()))
}

// TargetPoolSize is floor(required × multiplier), capped at MaxPoolSize.
// Callers validate with ValidateRequest first.
func TargetPoolSize(required int, multiplier float64) int {
	target := math.Floor(float64(required) * multiplier)
	if target > MaxPoolSize {
		return MaxPoolSize
	}
	if target < 0 || math.IsNaN(target) {
		return 0
	}
	return int(target)
}

// ValidateRequest rejects a negative required count, a multiplier that is not a
// positive finite number, and a pool target above MaxPoolSize.
func ValidateRequest(required int, multiplier float64) error {
	if required < 0 {
		return common.NewValidationError("required candidates must not be negative, got %d", required)
	}
	if multiplier <= 0 || math.IsNaN(multiplier) || math.IsInf(multiplier, 0) {
		return common.NewValidationError("multiplier must be a positive number, got %v", multiplier)
	}
	if float64(required)*multiplier > MaxPoolSize {
		return common.NewValidationError("required candidates × multiplier must not exceed %d, got %d × %v",
			MaxPoolSize, required, multiplier)
	}
	return nil
}

// eligible runs the shared pipeline and keeps candidates at or above threshold.
func eligible(ctx context.Context, ev Evaluator, patients []models.Patient, trial models.Trial, threshold float64) ([]models.EligibleCandidate, int, error) {
	evals, err := ev.Evaluate(ctx, patients, trial)
	if err != nil {
		return nil, 0, err
	}

	passing := evaluation.FilterEligible(evals, threshold)
	out := make([]models.EligibleCandidate, len(passing))
	for i, e := range passing {
		out[i] = models.CandidateFromEvaluation(e)
	}
	return out, len(evals), nil
}

func requiredFor(trialID string, requiredPerTrial map[string]int, defaultRequired int) int {
	if n, ok := requiredPerTrial[trialID]; ok {
		return n
	}
	return defaultRequired
}
