package trials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/common"
	"github.com/pharmatrace/backend/internal/metrics"
	"github.com/pharmatrace/backend/internal/storage/models"
	"github.com/pharmatrace/backend/pkg/utils"
)

type Store interface {
	InsertTrial(ctx context.Context, trial *models.Trial) error
	GetTrial(ctx context.Context, id string) (*models.Trial, error)
	ListTrials(ctx context.Context, limit int) ([]models.Trial, error)
}

type RegisterRequest struct {
	Name                  string `json:"name" form:"name" validate:"required,max=300"`
	Condition             string `json:"condition" form:"condition" validate:"required,max=200"`
	Phase                 string `json:"phase" form:"phase" validate:"max=50"`
	InclusionCriteria     string `json:"inclusion_criteria" form:"inclusion_criteria" validate:"required,max=10000"`
	ExclusionCriteria     string `json:"exclusion_criteria" form:"exclusion_criteria" validate:"max=10000"`
	Location              string `json:"location" form:"location" validate:"max=300"`
	Compensation          string `json:"compensation" form:"compensation" validate:"max=200"`
	PrincipalInvestigator string `json:"principal_investigator" form:"principal_investigator" validate:"max=200"`
	ContactEmail          string `json:"contact_email" form:"contact_email" validate:"omitempty,email"`
}

type Criteria struct {
	Inclusion []string `json:"inclusion"`
	Exclusion []string `json:"exclusion"`
}

func ParseCriteria(trial *models.Trial) Criteria {
	return Criteria{
		Inclusion: SplitCriteria(trial.InclusionCriteria),
		Exclusion: SplitCriteria(trial.ExclusionCriteria),
	}
}

type Service struct {
	store    Store
	validate *validator.Validate
	now      func() time.Time
	logger   *zap.Logger
}

func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		validate: validator.New(),
		now:      time.Now,
		logger:   logger,
	}
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.Trial, error) {
	req = trimRequest(req)
	if err := s.validate.Struct(req); err != nil {
		return nil, common.NewValidationError("invalid trial: %s", describeValidation(err))
	}

	trial := &models.Trial{
		ID:                    utils.NewTrialID(),
		Name:                  req.Name,
		Condition:             req.Condition,
		Phase:                 req.Phase,
		InclusionCriteria:     req.InclusionCriteria,
		ExclusionCriteria:     req.ExclusionCriteria,
		Location:              req.Location,
		Compensation:          req.Compensation,
		PrincipalInvestigator: req.PrincipalInvestigator,
		ContactEmail:          req.ContactEmail,
		CreatedAt:             s.now().UTC(),
	}

	if err := s.store.InsertTrial(ctx, trial); err != nil {
		return nil, fmt.Errorf("failed to register trial: %w", err)
	}

	metrics.TrialsRegistered.Inc()
	s.logger.Info("Clinical trial registered",
		zap.String("trial_id", trial.ID),
		zap.String("name", trial.Name),
		zap.String("condition", trial.Condition),
	)

	return trial, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Trial, error) {
	return s.store.GetTrial(ctx, id)
}

func (s *Service) List(ctx context.Context, limit int) ([]models.Trial, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	return s.store.ListTrials(ctx, limit)
}

func trimRequest(req RegisterRequest) RegisterRequest {
	req.Name = strings.TrimSpace(req.Name)
	req.Condition = strings.TrimSpace(req.Condition)
	req.Phase = strings.TrimSpace(req.Phase)
	req.InclusionCriteria = strings.TrimSpace(req.InclusionCriteria)
	req.ExclusionCriteria = strings.TrimSpace(req.ExclusionCriteria)
	req.Location = strings.TrimSpace(req.Location)
	req.Compensation = strings.TrimSpace(req.Compensation)
	req.PrincipalInvestigator = strings.TrimSpace(req.PrincipalInvestigator)
	req.ContactEmail = strings.TrimSpace(req.ContactEmail)
	return req
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
