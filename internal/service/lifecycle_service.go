package service

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/sis-enrollment-api/internal/models"
	"github.com/noah-isme/sis-enrollment-api/internal/repository"
	appErrors "github.com/noah-isme/sis-enrollment-api/pkg/errors"
)

type sectionSweeper interface {
	DeactivateOrphans(ctx context.Context, termID, note string) ([]string, error)
}

type registrationCanceller interface {
	CancelActiveBySection(ctx context.Context, sectionID string) (int, error)
}

type currentTermReader interface {
	FindByID(ctx context.Context, id string) (*models.Term, error)
	FindCurrent(ctx context.Context) (*models.Term, error)
}

type lifecycleMetrics interface {
	RecordLifecycleSweep(deactivated, cancelled int)
}

// SyncResult summarises one lifecycle pass.
type SyncResult struct {
	TermID                 string   `json:"term_id"`
	DeactivatedSectionIDs  []string `json:"deactivated_section_ids"`
	CancelledRegistrations int      `json:"cancelled_registrations"`
}

// LifecycleService keeps sections and their registrations consistent with
// teacher assignment state. A section without a teacher is deactivated and
// its active registrations cancelled with seats released. The pass is
// idempotent: a second run over the same state changes nothing.
type LifecycleService struct {
	sections      sectionSweeper
	registrations registrationCanceller
	terms         currentTermReader
	cache         scheduleCache
	metrics       lifecycleMetrics
	logger        *zap.Logger
}

// NewLifecycleService instantiates LifecycleService.
func NewLifecycleService(sections sectionSweeper, registrations registrationCanceller, terms currentTermReader, cache scheduleCache, metrics lifecycleMetrics, logger *zap.Logger) *LifecycleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LifecycleService{
		sections:      sections,
		registrations: registrations,
		terms:         terms,
		cache:         cache,
		metrics:       metrics,
		logger:        logger,
	}
}

// Sync runs one lifecycle pass over the given term. An empty termID targets
// the current term.
func (s *LifecycleService) Sync(ctx context.Context, termID string) (*SyncResult, error) {
	if termID == "" {
		term, err := s.terms.FindCurrent(ctx)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "no current term configured")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current term")
		}
		termID = term.ID
	} else if _, err := s.terms.FindByID(ctx, termID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "term not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load term")
	}

	deactivated, err := s.sections.DeactivateOrphans(ctx, termID, "no instructor assigned")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate sections")
	}

	cancelled := 0
	for _, sectionID := range deactivated {
		n, err := s.registrations.CancelActiveBySection(ctx, sectionID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status,
				fmt.Sprintf("failed to cancel registrations for section %s", sectionID))
		}
		cancelled += n
		s.invalidateSchedule(ctx, termID, sectionID)
	}

	if s.metrics != nil {
		s.metrics.RecordLifecycleSweep(len(deactivated), cancelled)
	}
	if len(deactivated) > 0 {
		s.logger.Info("lifecycle sync applied",
			zap.String("term_id", termID),
			zap.Strings("deactivated_sections", deactivated),
			zap.Int("cancelled_registrations", cancelled))
	}
	return &SyncResult{
		TermID:                 termID,
		DeactivatedSectionIDs:  deactivated,
		CancelledRegistrations: cancelled,
	}, nil
}

func (s *LifecycleService) invalidateSchedule(ctx context.Context, termID, sectionID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, repository.ExpandedScheduleKey(sectionID, termID)); err != nil {
		s.logger.Warn("failed to invalidate schedule cache", zap.String("section_id", sectionID), zap.Error(err))
	}
}
