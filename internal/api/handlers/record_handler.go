package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/batch"
	"github.com/pharmatrace/backend/internal/common"
	"github.com/pharmatrace/backend/internal/middleware/validation"
	"github.com/pharmatrace/backend/internal/storage/models"
	"github.com/pharmatrace/backend/pkg/logger"
	"github.com/pharmatrace/backend/pkg/utils"
)

type PatientStore interface {
	SavePatient(ctx context.Context, patient *models.Patient) error
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	ListPatients(ctx context.Context, limit int) ([]models.Patient, error)
}

type TrialLister interface {
	ListTrials(ctx context.Context, limit int) ([]models.Trial, error)
}

type TrialMatcher interface {
	MatchTrials(ctx context.Context, data models.PatientData, trials []models.Trial) ([]models.TrialMatch, error)
}

// RecordHandler runs the single-document pipeline synchronously and matches
// the extracted patient against every registered trial.
type RecordHandler struct {
	uploads    UploadSaver
	extractor  batch.Extractor
	patients   PatientStore
	trials     TrialLister
	matcher    TrialMatcher
	trialLimit int
	now        func() time.Time
}

func NewRecordHandler(uploads UploadSaver, extractor batch.Extractor, patients PatientStore, trials TrialLister, matcher TrialMatcher, trialLimit int) *RecordHandler {
	if trialLimit <= 0 {
		trialLimit = 100
	}
	return &RecordHandler{
		uploads:    uploads,
		extractor:  extractor,
		patients:   patients,
		trials:     trials,
		matcher:    matcher,
		trialLimit: trialLimit,
		now:        time.Now,
	}
}

func (h *RecordHandler) UploadRecord(c *fiber.Ctx) error {
	files := validation.Files(c)
	if len(files) != 1 {
		return respondError(c, common.NewValidationError("exactly one file is required"))
	}
	fh := files[0]

	f, err := fh.Open()
	if err != nil {
		return respondError(c, fmt.Errorf("failed to open upload %s: %w", fh.Filename, err))
	}
	doc, err := h.uploads.Save(fh.Filename, f)
	f.Close()
	if err != nil {
		return respondError(c, err)
	}
	defer func() {
		if err := h.uploads.Remove(doc.Path); err != nil {
			logger.Warn("Failed to remove upload", zap.String("path", doc.Path), zap.Error(err))
		}
	}()

	ctx := c.UserContext()

	validationResult, err := h.extractor.Validate(ctx, doc)
	if err != nil {
		return respondError(c, err)
	}
	if !validationResult.IsValid {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Invalid document type",
			"message": fmt.Sprintf("This appears to be a %s. Please upload a medical record.", validationResult.DocumentType),
			"reason":  validationResult.Reason,
		})
	}

	extraction, err := h.extractor.Extract(ctx, doc)
	if err != nil {
		return respondError(c, err)
	}
	if extraction.Status != models.ExtractionSuccess || extraction.Data == nil {
		message := extraction.Error
		if message == "" {
			message = "Unknown extraction error"
		}
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":   "Extraction failed",
			"status":  extraction.Status,
			"message": message,
		})
	}

	patient := &models.Patient{
		ID:         utils.NewPatientID(),
		Data:       *extraction.Data,
		SourceFile: doc.Name,
		CreatedAt:  h.now().UTC(),
	}
	if err := h.patients.SavePatient(ctx, patient); err != nil {
		return respondError(c, err)
	}

	matches := h.match(ctx, patient)

	return c.JSON(fiber.Map{
		"status":        "success",
		"patient_id":    patient.ID,
		"patient_data":  patient.Data,
		"matches":       matches,
		"total_matches": len(matches),
	})
}

// match degrades to no matches when trials cannot be listed or scored; the
// patient has already been stored at that point.
func (h *RecordHandler) match(ctx context.Context, patient *models.Patient) []models.TrialMatch {
	trials, err := h.trials.ListTrials(ctx, h.trialLimit)
	if err != nil {
		logger.Warn("Failed to list trials for matching", zap.String("patient_id", patient.ID), zap.Error(err))
		return []models.TrialMatch{}
	}
	if len(trials) == 0 {
		return []models.TrialMatch{}
	}

	matches, err := h.matcher.MatchTrials(ctx, patient.Data, trials)
	if err != nil {
		logger.Warn("Trial matching failed", zap.String("patient_id", patient.ID), zap.Error(err))
		return []models.TrialMatch{}
	}
	return matches
}

func (h *RecordHandler) ListPatients(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	if limit <= 0 || limit > 1000 {
		return respondError(c, common.NewValidationError("limit must be between 1 and 1000"))
	}

	patients, err := h.patients.ListPatients(c.UserContext(), limit)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"status":   "success",
		"patients": patients,
		"count":    len(patients),
	})
}

func (h *RecordHandler) GetPatient(c *fiber.Ctx) error {
	patient, err := h.patients.GetPatient(c.UserContext(), c.Params("patient_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(patient)
}
