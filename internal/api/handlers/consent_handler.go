package handlers

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/pharmatrace/backend/internal/common"
	"github.com/pharmatrace/backend/internal/storage/models"
)

type ConsentStore interface {
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	GetTrial(ctx context.Context, id string) (*models.Trial, error)
	InsertConsent(ctx context.Context, consent *models.Consent) error
}

type ConsentHandler struct {
	store    ConsentStore
	validate *validator.Validate
	now      func() time.Time
}

func NewConsentHandler(store ConsentStore) *ConsentHandler {
	return &ConsentHandler{
		store:    store,
		validate: validator.New(),
		now:      time.Now,
	}
}

type consentRequest struct {
	PatientID string `json:"patient_id" validate:"required,max=64"`
	TrialID   string `json:"trial_id" validate:"required,max=64"`
}

func (h *ConsentHandler) ConfirmConsent(c *fiber.Ctx) error {
	var req consentRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, common.NewValidationError("invalid request body"))
	}
	if err := h.validate.Struct(req); err != nil {
		return respondError(c, common.NewValidationError("patient_id and trial_id are required"))
	}

	ctx := c.UserContext()
	if _, err := h.store.GetTrial(ctx, req.TrialID); err != nil {
		return respondError(c, err)
	}
	if _, err := h.store.GetPatient(ctx, req.PatientID); err != nil {
		return respondError(c, err)
	}

	consent := &models.Consent{
		PatientID: req.PatientID,
		TrialID:   req.TrialID,
		CreatedAt: h.now().UTC(),
	}
	if err := h.store.InsertConsent(ctx, consent); err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"status":  "success",
		"message": "Consent recorded",
		"consent": consent,
	})
}
