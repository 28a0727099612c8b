package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/common"
	"github.com/pharmatrace/backend/internal/llm"
	"github.com/pharmatrace/backend/internal/llm/gemini"
	"github.com/pharmatrace/backend/internal/storage/models"
	"github.com/pharmatrace/backend/pkg/logger"
)

const DefaultValidationThreshold = 0.7

var requiredFields = []string{"age", "ethnicity", "conditions", "lab_results"}

type Generator interface {
	GenerateJSON(ctx context.Context, prompt string, attachment *gemini.Attachment) (string, error)
}

type Preparer interface {
	Prepare(doc models.Document) (*gemini.Attachment, error)
}

// Extractor validates uploaded documents and pulls patient attributes out of
// them through a generative model.
type Extractor struct {
	gen          Generator
	preparer     Preparer
	threshold    float64
	schema       *jsonschema.Schema
	maxLogLength int
	logger       *zap.Logger
}

type Config struct {
	ValidationThreshold float64
	MaxLogLength        int
	Logger              *zap.Logger
}

func NewExtractor(gen Generator, preparer Preparer, cfg Config) (*Extractor, error) {
	if cfg.ValidationThreshold <= 0 {
		cfg.ValidationThreshold = DefaultValidationThreshold
	}
	if cfg.MaxLogLength <= 0 {
		cfg.MaxLogLength = 200
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("patient.json", strings.NewReader(patientSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("patient.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return &Extractor{
		gen:          gen,
		preparer:     preparer,
		threshold:    cfg.ValidationThreshold,
		schema:       schema,
		maxLogLength: cfg.MaxLogLength,
		logger:       cfg.Logger,
	}, nil
}

// Validate asks the model whether doc is a medical document. Unparseable
// replies reject the document; only failed model calls return an error.
func (e *Extractor) Validate(ctx context.Context, doc models.Document) (*models.ValidationResult, error) {
	attachment, err := e.preparer.Prepare(doc)
	if err != nil {
		return &models.ValidationResult{
			IsValid:      false,
			DocumentType: "unreadable",
			Reason:       err.Error(),
		}, nil
	}

	raw, err := e.gen.GenerateJSON(ctx, validationPrompt, attachment)
	if err != nil {
		return nil, common.NewExternalServiceError("document validation call failed", err)
	}

	result := parseValidation(raw, e.threshold)
	if result.DocumentType == "parse_error" {
		e.logger.Warn("Unparseable validation response",
			zap.String("file", doc.Name),
			zap.String("response", logger.TruncateForLog(raw, e.maxLogLength)),
		)
	}

	e.logger.Debug("Document validated",
		zap.String("file", doc.Name),
		zap.Bool("is_valid", result.IsValid),
		zap.String("document_type", result.DocumentType),
		zap.Float64("confidence", result.Confidence),
	)

	return result, nil
}

// Extract returns the patient attributes found in doc. Model and parsing
// problems are reported through the result status.
func (e *Extractor) Extract(ctx context.Context, doc models.Document) (*models.ExtractionResult, error) {
	attachment, err := e.preparer.Prepare(doc)
	if err != nil {
		return &models.ExtractionResult{Status: models.ExtractionError, Error: err.Error()}, nil
	}

	raw, err := e.gen.GenerateJSON(ctx, extractionPrompt, attachment)
	if err != nil {
		return &models.ExtractionResult{
			Status: models.ExtractionError,
			Error:  fmt.Sprintf("Processing failed: %v", err),
		}, nil
	}

	result := e.parseExtraction(raw)
	if result.Status != models.ExtractionSuccess {
		e.logger.Warn("Extraction did not succeed",
			zap.String("file", doc.Name),
			zap.String("status", string(result.Status)),
			zap.String("error", result.Error),
			zap.String("response", logger.TruncateForLog(raw, e.maxLogLength)),
		)
	}

	return result, nil
}

func parseValidation(raw string, threshold float64) *models.ValidationResult {
	var payload map[string]any
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &payload); err != nil {
		return &models.ValidationResult{
			IsValid:      false,
			DocumentType: "parse_error",
			Reason:       "Failed to parse AI response",
		}
	}

	confidence := llm.Clamp(llm.CoerceFloat(payload["confidence"]), 0, 1)
	documentType := llm.CoerceString(payload["document_type"])
	if documentType == "" {
		documentType = "unknown"
	}

	return &models.ValidationResult{
		IsValid:      llm.CoerceBool(payload["is_medical_document"]) && confidence > threshold,
		DocumentType: documentType,
		Confidence:   confidence,
		Reason:       llm.CoerceString(payload["reason"]),
	}
}

func (e *Extractor) parseExtraction(raw string) *models.ExtractionResult {
	var payload map[string]any
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &payload); err != nil {
		return &models.ExtractionResult{
			Status: models.ExtractionError,
			Error:  fmt.Sprintf("AI returned malformed JSON: %v", err),
		}
	}

	if reason, ok := payload["error"]; ok {
		return &models.ExtractionResult{
			Status: models.ExtractionInvalid,
			Error:  llm.CoerceString(reason),
		}
	}

	data := toPatientData(payload)

	var missing []string
	for _, field := range requiredFields {
		if _, ok := payload[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &models.ExtractionResult{
			Status: models.ExtractionIncomplete,
			Data:   data,
			Error:  "Missing required fields: " + strings.Join(missing, ", "),
		}
	}

	if err := e.schema.Validate(payload); err != nil {
		return &models.ExtractionResult{
			Status: models.ExtractionIncomplete,
			Data:   data,
			Error:  fmt.Sprintf("extracted data does not match schema: %v", err),
		}
	}

	return &models.ExtractionResult{Status: models.ExtractionSuccess, Data: data}
}

func toPatientData(payload map[string]any) *models.PatientData {
	data := &models.PatientData{
		Ethnicity:       llm.CoerceString(payload["ethnicity"]),
		Conditions:      llm.CoerceStrings(payload["conditions"]),
		LabResults:      map[string]string{},
		ConfidenceScore: llm.Clamp(llm.CoerceFloat(payload["confidence_score"]), 0, 1),
	}

	if age := llm.CoerceFloat(payload["age"]); !math.IsNaN(age) && age >= 0 {
		a := int(age)
		data.Age = &a
	}

	if labs, ok := payload["lab_results"].(map[string]any); ok {
		for name, value := range labs {
			if s := llm.CoerceString(value); s != "" {
				data.LabResults[name] = s
			}
		}
	}

	return data
}
