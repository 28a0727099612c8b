package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/common"
	"github.com/pharmatrace/backend/internal/llm"
	"github.com/pharmatrace/backend/internal/storage/models"
	"github.com/pharmatrace/backend/pkg/logger"
	"github.com/pharmatrace/backend/pkg/utils"
)

// MatchThreshold is the lowest match score reported back to callers.
const MatchThreshold = 50.0

// Scorer judges patients against trial criteria. Implementations must score
// every patient independently of the others in the same call.
type Scorer interface {
	EvaluateBatch(ctx context.Context, patients []models.Patient, trial models.Trial) ([]models.EligibilityEvaluation, error)
	MatchTrials(ctx context.Context, data models.PatientData, trials []models.Trial) ([]models.TrialMatch, error)
}

// EvaluationCache stores evaluation results keyed by a hash of the request.
type EvaluationCache interface {
	GetEvaluations(ctx context.Context, hash string) ([]models.EligibilityEvaluation, bool, error)
	SetEvaluations(ctx context.Context, hash string, evals []models.EligibilityEvaluation, ttl time.Duration) error
}

type Config struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	Cache        EvaluationCache
	CacheTTL     time.Duration
	MaxLogLength int
	Logger       *zap.Logger
}

type LLMScorer struct {
	completer    llm.Completer
	model        string
	temperature  float32
	maxTokens    int
	cache        EvaluationCache
	cacheTTL     time.Duration
	maxLogLength int
	logger       *zap.Logger
}

func NewLLMScorer(completer llm.Completer, cfg Config) *LLMScorer {
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.1
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.MaxLogLength <= 0 {
		cfg.MaxLogLength = 200
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &LLMScorer{
		completer:    completer,
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		cache:        cfg.Cache,
		cacheTTL:     cfg.CacheTTL,
		maxLogLength: cfg.MaxLogLength,
		logger:       cfg.Logger,
	}
}

type patientView struct {
	PatientID string             `json:"patient_id"`
	Data      models.PatientData `json:"data"`
}

type cacheKey struct {
	Model    string        `json:"model"`
	Trial    models.Trial  `json:"trial"`
	Patients []patientView `json:"patients"`
}

// EvaluateBatch scores one batch of patients for trial. The result may omit
// patients or contain unknown IDs; reconciling that is the caller's job.
func (s *LLMScorer) EvaluateBatch(ctx context.Context, patients []models.Patient, trial models.Trial) ([]models.EligibilityEvaluation, error) {
	if len(patients) == 0 {
		return []models.EligibilityEvaluation{}, nil
	}

	views := make([]patientView, len(patients))
	for i, p := range patients {
		views[i] = patientView{PatientID: p.ID, Data: p.Data}
	}

	hash := s.cacheHash(trial, views)
	if cached, ok := s.cachedEvaluations(ctx, hash); ok {
		return cached, nil
	}

	patientsJSON, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode patients: %w", err)
	}

	resp, err := s.completer.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: evaluationSystemPrompt,
		UserPrompt:   buildEvaluationPrompt(trial, string(patientsJSON), len(patients)),
		Temperature:  s.temperature,
		MaxTokens:    s.maxTokens,
		JSONMode:     true,
	})
	if err != nil {
		return nil, common.NewExternalServiceError("eligibility scoring call failed", err)
	}

	evals, err := parseEvaluations(resp.Content)
	if err != nil {
		s.logger.Warn("Unparseable scorer response",
			zap.String("trial_id", trial.ID),
			zap.String("response", logger.TruncateForLog(resp.Content, s.maxLogLength)),
		)
		return nil, common.NewExternalServiceError("eligibility scorer returned unusable output", err)
	}

	s.logger.Debug("Batch scored",
		zap.String("trial_id", trial.ID),
		zap.Int("patients", len(patients)),
		zap.Int("evaluations", len(evals)),
	)

	if hash != "" && s.cache != nil {
		if err := s.cache.SetEvaluations(ctx, hash, evals, s.cacheTTL); err != nil {
			s.logger.Warn("Failed to cache evaluations", zap.Error(err))
		}
	}

	return evals, nil
}

// MatchTrials scores one patient against every trial and keeps matches at or
// above MatchThreshold, best first.
func (s *LLMScorer) MatchTrials(ctx context.Context, data models.PatientData, trialList []models.Trial) ([]models.TrialMatch, error) {
	if len(trialList) == 0 {
		return []models.TrialMatch{}, nil
	}

	patientJSON, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode patient data: %w", err)
	}

	resp, err := s.completer.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: matchSystemPrompt,
		UserPrompt:   buildMatchPrompt(string(patientJSON), trialList),
		Temperature:  s.temperature,
		MaxTokens:    s.maxTokens,
		JSONMode:     true,
	})
	if err != nil {
		return nil, common.NewExternalServiceError("trial matching call failed", err)
	}

	known := make(map[string]models.Trial, len(trialList))
	for _, t := range trialList {
		known[t.ID] = t
	}

	matches, err := parseMatches(resp.Content, known)
	if err != nil {
		s.logger.Warn("Unparseable match response",
			zap.String("response", logger.TruncateForLog(resp.Content, s.maxLogLength)),
		)
		return nil, common.NewExternalServiceError("trial matcher returned unusable output", err)
	}

	return matches, nil
}

func (s *LLMScorer) cacheHash(trial models.Trial, views []patientView) string {
	if s.cache == nil {
		return ""
	}
	hash, err := utils.HashJSON(cacheKey{Model: s.model, Trial: trial, Patients: views})
	if err != nil {
		s.logger.Warn("Failed to hash evaluation request", zap.Error(err))
		return ""
	}
	return hash
}

func (s *LLMScorer) cachedEvaluations(ctx context.Context, hash string) ([]models.EligibilityEvaluation, bool) {
	if hash == "" || s.cache == nil {
		return nil, false
	}
	evals, ok, err := s.cache.GetEvaluations(ctx, hash)
	if err != nil {
		s.logger.Warn("Evaluation cache lookup failed", zap.Error(err))
		return nil, false
	}
	return evals, ok
}

func parseEvaluations(raw string) ([]models.EligibilityEvaluation, error) {
	var payload any
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse evaluations: %w", err)
	}

	items, err := recordList(payload, "evaluations", "patient_id")
	if err != nil {
		return nil, err
	}

	evals := make([]models.EligibilityEvaluation, 0, len(items))
	for _, item := range items {
		id := strings.TrimSpace(llm.CoerceString(item["patient_id"]))
		if id == "" {
			continue
		}
		evals = append(evals, toEvaluation(id, item))
	}
	return evals, nil
}

func toEvaluation(id string, item map[string]any) models.EligibilityEvaluation {
	score := llm.CoerceFloat(item["eligibility_score"])
	if math.IsNaN(score) {
		score = 0
	}
	score = llm.Clamp(score, 0, 100)

	status := models.EligibilityStatus(strings.TrimSpace(llm.CoerceString(item["eligibility_status"])))
	if !validStatus(status) {
		status = models.EligibilityStatusForScore(score)
	}

	confidence := llm.CoerceFloat(item["confidence"])
	if math.IsNaN(confidence) {
		confidence = 0
	}

	return models.EligibilityEvaluation{
		PatientID:           id,
		EligibilityScore:    score,
		EligibilityStatus:   status,
		MeetsInclusion:      llm.CoerceStrings(item["meets_inclusion"]),
		MeetsExclusion:      llm.CoerceBool(item["meets_exclusion"]),
		QualifyingFactors:   llm.CoerceStrings(item["qualifying_factors"]),
		PendingVerification: llm.CoerceStrings(item["pending_verification"]),
		Confidence:          llm.Clamp(confidence, 0, 1),
		Notes:               llm.CoerceString(item["notes"]),
	}
}

func validStatus(s models.EligibilityStatus) bool {
	switch s {
	case models.FullyEligible, models.LikelyEligible, models.ConditionallyEligible, models.NotEligible:
		return true
	}
	return false
}

func parseMatches(raw string, known map[string]models.Trial) ([]models.TrialMatch, error) {
	var payload any
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse matches: %w", err)
	}

	items, err := recordList(payload, "matches", "trial_id")
	if err != nil {
		return nil, err
	}

	matches := make([]models.TrialMatch, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		id := strings.TrimSpace(llm.CoerceString(item["trial_id"]))
		trial, ok := known[id]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		score := llm.CoerceFloat(item["match_score"])
		if math.IsNaN(score) {
			continue
		}
		score = llm.Clamp(score, 0, 100)
		if score < MatchThreshold {
			continue
		}

		confidence := llm.CoerceFloat(item["confidence"])
		if math.IsNaN(confidence) {
			confidence = 0
		}

		matches = append(matches, models.TrialMatch{
			TrialID:              id,
			TrialName:            trial.Name,
			MatchScore:           score,
			QualifyingFactors:    llm.CoerceStrings(item["qualifying_factors"]),
			DisqualifyingFactors: llm.CoerceStrings(item["disqualifying_factors"]),
			Recommendation:       models.RecommendationForScore(score),
			Confidence:           llm.Clamp(confidence, 0, 1),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].MatchScore > matches[j].MatchScore
	})

	return matches, nil
}

// recordList accepts a bare array, an object wrapping one under key, or a
// single record identified by idField.
func recordList(payload any, key, idField string) ([]map[string]any, error) {
	var list []any
	switch v := payload.(type) {
	case []any:
		list = v
	case map[string]any:
		if inner, ok := v[key].([]any); ok {
			list = inner
		} else if _, ok := v[idField]; ok {
			list = []any{v}
		} else {
			return nil, fmt.Errorf("response has no %q list", key)
		}
	default:
		return nil, fmt.Errorf("unexpected response type %T", payload)
	}

	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}
