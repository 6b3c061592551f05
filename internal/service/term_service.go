package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sis-enrollment-api/internal/models"
	"github.com/noah-isme/sis-enrollment-api/internal/repository"
	appErrors "github.com/noah-isme/sis-enrollment-api/pkg/errors"
)

type termRepository interface {
	List(ctx context.Context, filter models.TermFilter) ([]models.Term, int, error)
	FindByID(ctx context.Context, id string) (*models.Term, error)
	FindCurrent(ctx context.Context) (*models.Term, error)
	Create(ctx context.Context, term *models.Term) error
	Update(ctx context.Context, term *models.Term) error
	SetCurrent(ctx context.Context, id string) error
	CountReferences(ctx context.Context, id string) (int, error)
	Delete(ctx context.Context, id string) error
}

// TermRequest carries the mutable fields of a term.
type TermRequest struct {
	Name               string    `json:"name" validate:"required"`
	AcademicYear       string    `json:"academic_year" validate:"required"`
	StartDate          time.Time `json:"start_date" validate:"required"`
	EndDate            time.Time `json:"end_date" validate:"required"`
	RegistrationStart  time.Time `json:"registration_start" validate:"required"`
	RegistrationEnd    time.Time `json:"registration_end" validate:"required"`
	WithdrawalDeadline time.Time `json:"withdrawal_deadline" validate:"required"`
	MinCredits         int       `json:"min_credits" validate:"min=0"`
	MaxCredits         int       `json:"max_credits" validate:"required,min=1"`
}

// TermService manages academic terms and the current-term pointer.
type TermService struct {
	repo      termRepository
	cache     scheduleCache
	cacheTTL  time.Duration
	validator *validator.Validate
	logger    *zap.Logger
}

// NewTermService instantiates TermService.
func NewTermService(repo termRepository, cache scheduleCache, cacheTTL time.Duration, validate *validator.Validate, logger *zap.Logger) *TermService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TermService{repo: repo, cache: cache, cacheTTL: cacheTTL, validator: validate, logger: logger}
}

// List returns terms with pagination metadata.
func (s *TermService) List(ctx context.Context, filter models.TermFilter) ([]models.Term, *models.Pagination, error) {
	terms, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list terms")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return terms, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns one term by id.
func (s *TermService) Get(ctx context.Context, id string) (*models.Term, error) {
	term, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "term not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load term")
	}
	return term, nil
}

// GetCurrent returns the promoted term, served from cache when possible.
func (s *TermService) GetCurrent(ctx context.Context) (*models.Term, error) {
	if s.cache != nil {
		var cached models.Term
		if err := s.cache.Get(ctx, repository.CurrentTermKey, &cached); err == nil && cached.ID != "" {
			return &cached, nil
		}
	}
	term, err := s.repo.FindCurrent(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no current term configured")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current term")
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, repository.CurrentTermKey, term, s.cacheTTL); err != nil {
			s.logger.Warn("failed to cache current term", zap.Error(err))
		}
	}
	return term, nil
}

// Create validates window ordering and persists a new term.
func (s *TermService) Create(ctx context.Context, req TermRequest) (*models.Term, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	term := &models.Term{
		Name:               req.Name,
		AcademicYear:       req.AcademicYear,
		StartDate:          req.StartDate,
		EndDate:            req.EndDate,
		RegistrationStart:  req.RegistrationStart,
		RegistrationEnd:    req.RegistrationEnd,
		WithdrawalDeadline: req.WithdrawalDeadline,
		MinCredits:         req.MinCredits,
		MaxCredits:         req.MaxCredits,
	}
	if err := s.repo.Create(ctx, term); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create term")
	}
	return term, nil
}

// Update modifies an existing term.
func (s *TermService) Update(ctx context.Context, id string, req TermRequest) (*models.Term, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	term, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	term.Name = req.Name
	term.AcademicYear = req.AcademicYear
	term.StartDate = req.StartDate
	term.EndDate = req.EndDate
	term.RegistrationStart = req.RegistrationStart
	term.RegistrationEnd = req.RegistrationEnd
	term.WithdrawalDeadline = req.WithdrawalDeadline
	term.MinCredits = req.MinCredits
	term.MaxCredits = req.MaxCredits
	if err := s.repo.Update(ctx, term); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update term")
	}
	s.invalidateCurrent(ctx)
	return term, nil
}

// SetCurrent promotes a term, demoting any previous one in one transaction.
func (s *TermService) SetCurrent(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.repo.SetCurrent(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to promote term")
	}
	s.invalidateCurrent(ctx)
	s.logger.Info("term promoted to current", zap.String("term_id", id))
	return nil
}

// Delete removes a term. The current term, or one referenced by sections or
// registrations, is kept.
func (s *TermService) Delete(ctx context.Context, id string) error {
	term, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if term.IsCurrent {
		return appErrors.Clone(appErrors.ErrPreconditionFailed, "cannot delete the current term")
	}
	count, err := s.repo.CountReferences(ctx, id)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count term references")
	}
	if count > 0 {
		return appErrors.Clone(appErrors.ErrPreconditionFailed, "term has sections or registrations")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete term")
	}
	return nil
}

func (s *TermService) validateRequest(req TermRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid term payload")
	}
	if !req.StartDate.Before(req.EndDate) {
		return appErrors.Clone(appErrors.ErrValidation, "start_date must precede end_date")
	}
	if req.RegistrationStart.After(req.RegistrationEnd) {
		return appErrors.Clone(appErrors.ErrValidation, "registration_start must not follow registration_end")
	}
	if req.RegistrationEnd.After(req.EndDate) {
		return appErrors.Clone(appErrors.ErrValidation, "registration_end must not follow end_date")
	}
	if req.WithdrawalDeadline.After(req.EndDate) {
		return appErrors.Clone(appErrors.ErrValidation, "withdrawal_deadline must not follow end_date")
	}
	if req.MaxCredits < req.MinCredits {
		return appErrors.Clone(appErrors.ErrValidation, "max_credits must not be lower than min_credits")
	}
	return nil
}

func (s *TermService) invalidateCurrent(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, repository.CurrentTermKey); err != nil {
		s.logger.Warn("failed to invalidate current term cache", zap.Error(err))
	}
}
