package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/common"
	"github.com/pharmatrace/backend/internal/selection"
	"github.com/pharmatrace/backend/internal/storage/models"
	"github.com/pharmatrace/backend/internal/trials"
	"github.com/pharmatrace/backend/pkg/logger"
)

type TrialRegistry interface {
	Register(ctx context.Context, req trials.RegisterRequest) (*models.Trial, error)
	Get(ctx context.Context, id string) (*models.Trial, error)
	List(ctx context.Context, limit int) ([]models.Trial, error)
}

type PatientLister interface {
	ListPatients(ctx context.Context, limit int) ([]models.Patient, error)
}

type CandidateSelector interface {
	SelectCandidates(ctx context.Context, patients []models.Patient, trial models.Trial, required int, multiplier float64) (*models.TrialCandidatePool, error)
}

type CandidateRanker interface {
	RankCandidates(ctx context.Context, patients []models.Patient, trial models.Trial, required int, multiplier float64) (*models.TrialRankingResult, error)
}

type RunRecorder interface {
	InsertSelectionRun(ctx context.Context, run *models.SelectionRun) error
	ListSelectionRuns(ctx context.Context, trialID string, limit int) ([]models.SelectionRun, error)
}

type SelectionDefaults struct {
	Required     int
	Multiplier   float64
	PatientLimit int
}

type TrialHandler struct {
	registry TrialRegistry
	patients PatientLister
	selector CandidateSelector
	ranker   CandidateRanker
	runs     RunRecorder
	defaults SelectionDefaults
	now      func() time.Time
}

func NewTrialHandler(registry TrialRegistry, patients PatientLister, selector CandidateSelector, ranker CandidateRanker, runs RunRecorder, defaults SelectionDefaults) *TrialHandler {
	if defaults.Required <= 0 {
		defaults.Required = 5
	}
	if defaults.Multiplier <= 0 {
		defaults.Multiplier = 1.5
	}
	if defaults.PatientLimit <= 0 {
		defaults.PatientLimit = 500
	}
	return &TrialHandler{
		registry: registry,
		patients: patients,
		selector: selector,
		ranker:   ranker,
		runs:     runs,
		defaults: defaults,
		now:      time.Now,
	}
}

type selectionParams struct {
	RequiredCandidates *int     `json:"required_candidates"`
	Multiplier         *float64 `json:"multiplier"`
}

type matchRequest struct {
	trials.RegisterRequest
	selectionParams
}

func (h *TrialHandler) UploadTrial(c *fiber.Ctx) error {
	var req trials.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, common.NewValidationError("invalid request body"))
	}

	trial, err := h.registry.Register(c.UserContext(), req)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"status":     "success",
		"message":    "Clinical trial registered successfully",
		"trial_id":   trial.ID,
		"trial_data": trialSummary(trial),
		"criteria":   trials.ParseCriteria(trial),
		"next_steps": []string{
			"Trial is now active in the system",
			"Use POST /trials/" + trial.ID + "/candidate-pool to select candidates",
		},
	})
}

// MatchTrialToCandidates registers the trial and immediately selects a
// candidate pool from stored patients.
func (h *TrialHandler) MatchTrialToCandidates(c *fiber.Ctx) error {
	var req matchRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, common.NewValidationError("invalid request body"))
	}

	required, multiplier := h.resolve(req.selectionParams)
	if err := selection.ValidateRequest(required, multiplier); err != nil {
		return respondError(c, err)
	}

	ctx := c.UserContext()
	trial, err := h.registry.Register(ctx, req.RegisterRequest)
	if err != nil {
		return respondError(c, err)
	}

	pool, err := h.selectPool(ctx, trial, required, multiplier)
	if err != nil {
		return respondError(c, err)
	}

	candidates := make([]fiber.Map, len(pool.EligibleCandidates))
	for i, cand := range pool.EligibleCandidates {
		candidates[i] = fiber.Map{
			"patient_id":           cand.PatientID,
			"eligibility_status":   cand.EligibilityStatus,
			"confidence":           cand.Confidence,
			"qualifying_factors":   head(cand.QualifyingFactors, 3),
			"pending_verification": head(cand.PendingVerification, 2),
		}
	}

	return c.JSON(fiber.Map{
		"status":     "success",
		"trial_id":   trial.ID,
		"trial_name": trial.Name,
		"condition":  trial.Condition,
		"phase":      trial.Phase,
		"matching_results": fiber.Map{
			"total_patients_evaluated":  pool.ProcessingStats.TotalPatientsEvaluated,
			"eligible_candidates_found": pool.ProcessingStats.EligibleCandidatesFound,
			"candidates_in_pool":        pool.CandidatesInPool,
			"pool_multiplier":           multiplier,
		},
		"eligible_candidates": candidates,
	})
}

func (h *TrialHandler) ListTrials(c *fiber.Ctx) error {
	list, err := h.registry.List(c.UserContext(), c.QueryInt("limit", 100))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"status": "success",
		"trials": list,
		"count":  len(list),
	})
}

func (h *TrialHandler) GetTrial(c *fiber.Ctx) error {
	ctx := c.UserContext()
	trial, err := h.registry.Get(ctx, c.Params("trial_id"))
	if err != nil {
		return respondError(c, err)
	}

	runs, err := h.runs.ListSelectionRuns(ctx, trial.ID, 10)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"trial":          trial,
		"criteria":       trials.ParseCriteria(trial),
		"selection_runs": runs,
	})
}

func (h *TrialHandler) CandidatePool(c *fiber.Ctx) error {
	params, err := parseSelectionParams(c)
	if err != nil {
		return respondError(c, err)
	}

	ctx := c.UserContext()
	trial, err := h.registry.Get(ctx, c.Params("trial_id"))
	if err != nil {
		return respondError(c, err)
	}

	required, multiplier := h.resolve(params)
	pool, err := h.selectPool(ctx, trial, required, multiplier)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(pool)
}

func (h *TrialHandler) Ranking(c *fiber.Ctx) error {
	params, err := parseSelectionParams(c)
	if err != nil {
		return respondError(c, err)
	}

	ctx := c.UserContext()
	trial, err := h.registry.Get(ctx, c.Params("trial_id"))
	if err != nil {
		return respondError(c, err)
	}

	patients, err := h.patients.ListPatients(ctx, h.defaults.PatientLimit)
	if err != nil {
		return respondError(c, err)
	}

	required, multiplier := h.resolve(params)
	result, err := h.ranker.RankCandidates(ctx, patients, *trial, required, multiplier)
	if err != nil {
		return respondError(c, err)
	}

	h.recordRun(ctx, trial.ID, "ranking", required, result.ProcessingStats)
	return c.JSON(result)
}

func (h *TrialHandler) selectPool(ctx context.Context, trial *models.Trial, required int, multiplier float64) (*models.TrialCandidatePool, error) {
	patients, err := h.patients.ListPatients(ctx, h.defaults.PatientLimit)
	if err != nil {
		return nil, err
	}

	pool, err := h.selector.SelectCandidates(ctx, patients, *trial, required, multiplier)
	if err != nil {
		return nil, err
	}

	h.recordRun(ctx, trial.ID, "selection", required, pool.ProcessingStats)
	return pool, nil
}

// recordRun is best effort; a failed audit write does not fail the request.
func (h *TrialHandler) recordRun(ctx context.Context, trialID, strategy string, required int, stats models.ProcessingStats) {
	run := &models.SelectionRun{
		TrialID:   trialID,
		Strategy:  strategy,
		Required:  required,
		Stats:     stats,
		CreatedAt: h.now().UTC(),
	}
	if err := h.runs.InsertSelectionRun(ctx, run); err != nil {
		logger.Warn("Failed to record selection run",
			zap.String("trial_id", trialID),
			zap.String("strategy", strategy),
			zap.Error(err),
		)
	}
}

func (h *TrialHandler) resolve(p selectionParams) (int, float64) {
	required, multiplier := h.defaults.Required, h.defaults.Multiplier
	if p.RequiredCandidates != nil {
		required = *p.RequiredCandidates
	}
	if p.Multiplier != nil {
		multiplier = *p.Multiplier
	}
	return required, multiplier
}

func parseSelectionParams(c *fiber.Ctx) (selectionParams, error) {
	var p selectionParams
	if len(c.Body()) == 0 {
		return p, nil
	}
	if err := c.BodyParser(&p); err != nil {
		return p, common.NewValidationError("invalid request body")
	}
	return p, nil
}

func trialSummary(t *models.Trial) fiber.Map {
	return fiber.Map{
		"id":           t.ID,
		"name":         t.Name,
		"condition":    t.Condition,
		"phase":        t.Phase,
		"location":     t.Location,
		"compensation": t.Compensation,
	}
}

func head(items []string, n int) []string {
	if items == nil {
		return []string{}
	}
	return items[:min(n, len(items))]
}
