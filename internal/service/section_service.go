package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sis-enrollment-api/internal/models"
	"github.com/noah-isme/sis-enrollment-api/internal/repository"
	"github.com/noah-isme/sis-enrollment-api/internal/timetable"
	appErrors "github.com/noah-isme/sis-enrollment-api/pkg/errors"
)

type sectionRepository interface {
	List(ctx context.Context, filter models.SectionFilter) ([]models.SectionDetail, int, error)
	FindByID(ctx context.Context, id string) (*models.Section, error)
	ListOccupiedSlots(ctx context.Context, termID, excludeSectionID string) ([]models.OccupiedSlot, error)
	Create(ctx context.Context, section *models.Section) error
	Update(ctx context.Context, section *models.Section, replaceSlots bool) error
}

type termReader interface {
	FindByID(ctx context.Context, id string) (*models.Term, error)
}

type subjectReader interface {
	FindByID(ctx context.Context, id string) (*models.Subject, error)
}

type teacherReader interface {
	FindByID(ctx context.Context, id string) (*models.Teacher, error)
}

type classroomChecker interface {
	MissingIDs(ctx context.Context, ids []string) ([]string, error)
}

type scheduleCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// SlotInput describes one proposed weekly slot.
type SlotInput struct {
	Weekday     string `json:"weekday" validate:"required"`
	Period      int    `json:"period" validate:"required,min=1,max=4"`
	ClassroomID string `json:"classroom_id" validate:"required"`
}

// CreateSectionRequest describes payload for creating a section.
type CreateSectionRequest struct {
	TermID      string      `json:"term_id" validate:"required"`
	SubjectID   string      `json:"subject_id" validate:"required"`
	TeacherID   *string     `json:"teacher_id"`
	MaxStudents int         `json:"max_students" validate:"required,min=1"`
	Slots       []SlotInput `json:"slots" validate:"required,min=1,dive"`
}

// EditSectionRequest updates an existing section. Nil fields are left as is.
type EditSectionRequest struct {
	MaxStudents *int         `json:"max_students" validate:"omitempty,min=1"`
	TeacherID   *string      `json:"teacher_id"`
	ClearTeacher bool        `json:"clear_teacher"`
	Slots       *[]SlotInput `json:"slots" validate:"omitempty,min=1,dive"`
	IsActive    *bool        `json:"is_active"`
}

// SectionService coordinates section lifecycle and conflict detection.
type SectionService struct {
	repo       sectionRepository
	terms      termReader
	subjects   subjectReader
	teachers   teacherReader
	classrooms classroomChecker
	cache      scheduleCache
	cacheTTL   time.Duration
	validator  *validator.Validate
	logger     *zap.Logger
}

// NewSectionService instantiates SectionService.
func NewSectionService(repo sectionRepository, terms termReader, subjects subjectReader, teachers teacherReader, classrooms classroomChecker, cache scheduleCache, cacheTTL time.Duration, validate *validator.Validate, logger *zap.Logger) *SectionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SectionService{
		repo:       repo,
		terms:      terms,
		subjects:   subjects,
		teachers:   teachers,
		classrooms: classrooms,
		cache:      cache,
		cacheTTL:   cacheTTL,
		validator:  validate,
		logger:     logger,
	}
}

// List returns sections with pagination metadata.
func (s *SectionService) List(ctx context.Context, filter models.SectionFilter) ([]models.SectionDetail, *models.Pagination, error) {
	sections, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sections")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return sections, pagination, nil
}

// Get returns a section with its slots.
func (s *SectionService) Get(ctx context.Context, id string) (*models.Section, error) {
	section, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "section not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load section")
	}
	return section, nil
}

// Create validates the proposed weekly schedule against committed state and
// persists the section. Classroom and teacher conflicts are hard blocking.
func (s *SectionService) Create(ctx context.Context, req CreateSectionRequest) (*models.Section, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid section payload")
	}

	if _, err := s.terms.FindByID(ctx, req.TermID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "term not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load term")
	}
	if _, err := s.subjects.FindByID(ctx, req.SubjectID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}
	if req.TeacherID != nil && *req.TeacherID != "" {
		if err := s.ensureTeacher(ctx, *req.TeacherID); err != nil {
			return nil, err
		}
	}

	slots, err := s.normalizeSlots(req.Slots)
	if err != nil {
		return nil, err
	}
	if err := s.ensureClassrooms(ctx, slots); err != nil {
		return nil, err
	}

	section := &models.Section{
		TermID:      req.TermID,
		SubjectID:   req.SubjectID,
		TeacherID:   normalizeTeacherID(req.TeacherID),
		MaxStudents: req.MaxStudents,
		Slots:       slots,
	}
	// A section may only be active with an instructor assigned.
	section.IsActive = section.HasTeacher()

	if err := s.ensureNoSlotConflicts(ctx, section, ""); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, section); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create section")
	}
	return section, nil
}

// Edit applies a partial update, re-running conflict validation whenever the
// slot set or teacher changes. The section's own committed slots are excluded
// from the occupied set so a no-op edit never self-conflicts.
func (s *SectionService) Edit(ctx context.Context, id string, req EditSectionRequest) (*models.Section, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid section payload")
	}

	section, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "section not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load section")
	}

	if req.MaxStudents != nil {
		if *req.MaxStudents < section.CurrentStudents {
			return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "max_students below current enrollment")
		}
		section.MaxStudents = *req.MaxStudents
	}

	if req.ClearTeacher {
		section.TeacherID = nil
	} else if req.TeacherID != nil && *req.TeacherID != "" {
		if err := s.ensureTeacher(ctx, *req.TeacherID); err != nil {
			return nil, err
		}
		section.TeacherID = req.TeacherID
	}

	replaceSlots := false
	if req.Slots != nil {
		slots, err := s.normalizeSlots(*req.Slots)
		if err != nil {
			return nil, err
		}
		if err := s.ensureClassrooms(ctx, slots); err != nil {
			return nil, err
		}
		section.Slots = slots
		replaceSlots = true
	}

	if req.IsActive != nil {
		section.IsActive = *req.IsActive
	}
	if section.IsActive && !section.HasTeacher() {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "section cannot be active without an instructor")
	}
	if !section.HasTeacher() {
		section.IsActive = false
		note := "no instructor assigned"
		section.StatusNote = &note
	}

	if err := s.ensureNoSlotConflicts(ctx, section, section.ID); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, section, replaceSlots); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update section")
	}
	s.invalidateScheduleCache(ctx, section.TermID, section.ID)
	return section, nil
}

// ExpandSchedule converts the section's weekly slots into concrete calendar
// dates across its term, ordered by date then period.
func (s *SectionService) ExpandSchedule(ctx context.Context, sectionID, termID string) ([]models.SessionOccurrence, error) {
	cacheKey := repository.ExpandedScheduleKey(sectionID, termID)
	if s.cache != nil {
		var cached []models.SessionOccurrence
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return cached, nil
		}
	}

	section, err := s.repo.FindByID(ctx, sectionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "section not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load section")
	}
	if section.TermID != termID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "section does not belong to term")
	}
	term, err := s.terms.FindByID(ctx, termID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "term not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load term")
	}

	var occurrences []models.SessionOccurrence
	for _, slot := range section.Slots {
		for _, date := range timetable.ExpandWeekly(term.StartDate, term.EndDate, slot.Weekday) {
			occurrences = append(occurrences, models.SessionOccurrence{
				Date:        date,
				Week:        timetable.WeekNumber(term.StartDate, date),
				Weekday:     slot.Weekday,
				Period:      slot.Period,
				ClassroomID: slot.ClassroomID,
				TeacherID:   section.TeacherID,
			})
		}
	}
	sort.Slice(occurrences, func(i, j int) bool {
		if !occurrences[i].Date.Equal(occurrences[j].Date) {
			return occurrences[i].Date.Before(occurrences[j].Date)
		}
		return occurrences[i].Period < occurrences[j].Period
	})

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, occurrences, s.cacheTTL); err != nil {
			s.logger.Warn("failed to cache expanded schedule", zap.String("section_id", sectionID), zap.Error(err))
		}
	}
	return occurrences, nil
}

func (s *SectionService) ensureTeacher(ctx context.Context, id string) error {
	teacher, err := s.teachers.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "teacher not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load teacher")
	}
	if !teacher.Active {
		return appErrors.Clone(appErrors.ErrPreconditionFailed, "teacher inactive")
	}
	return nil
}

func (s *SectionService) normalizeSlots(inputs []SlotInput) ([]models.ScheduleSlot, error) {
	slots := make([]models.ScheduleSlot, 0, len(inputs))
	for _, in := range inputs {
		day, err := timetable.ParseWeekday(in.Weekday)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid weekday")
		}
		if in.Period < models.MinPeriod || in.Period > models.MaxPeriod {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("period must be between %d and %d", models.MinPeriod, models.MaxPeriod))
		}
		slots = append(slots, models.ScheduleSlot{Weekday: day, Period: in.Period, ClassroomID: in.ClassroomID})
	}
	return slots, nil
}

func (s *SectionService) ensureClassrooms(ctx context.Context, slots []models.ScheduleSlot) error {
	seen := make(map[string]struct{}, len(slots))
	var ids []string
	for _, slot := range slots {
		if _, ok := seen[slot.ClassroomID]; !ok {
			seen[slot.ClassroomID] = struct{}{}
			ids = append(ids, slot.ClassroomID)
		}
	}
	missing, err := s.classrooms.MissingIDs(ctx, ids)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify classrooms")
	}
	if len(missing) > 0 {
		return appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("classroom %s not found", missing[0]))
	}
	return nil
}

// ensureNoSlotConflicts checks the proposal against itself first, then
// against every committed slot in the term, excluding ignoreSectionID.
func (s *SectionService) ensureNoSlotConflicts(ctx context.Context, section *models.Section, ignoreSectionID string) error {
	type slotKey struct {
		day    timetable.Weekday
		period int
	}

	roomSeen := make(map[string]struct{}, len(section.Slots))
	timeSeen := make(map[slotKey]struct{}, len(section.Slots))
	for _, slot := range section.Slots {
		roomKey := fmt.Sprintf("%d:%d:%s", slot.Weekday, slot.Period, slot.ClassroomID)
		if _, dup := roomSeen[roomKey]; dup {
			return s.wrapConflict(appErrors.ErrConflictClassroom, models.ConflictDimensionClassroom,
				"duplicate classroom slot within section", models.OccupiedSlot{
					SectionID: section.ID, SubjectID: section.SubjectID,
					Weekday: slot.Weekday, Period: slot.Period, ClassroomID: slot.ClassroomID, TeacherID: section.TeacherID,
				})
		}
		roomSeen[roomKey] = struct{}{}

		if section.HasTeacher() {
			key := slotKey{slot.Weekday, slot.Period}
			if _, dup := timeSeen[key]; dup {
				return s.wrapConflict(appErrors.ErrConflictTeacher, models.ConflictDimensionTeacher,
					"instructor double-booked within section", models.OccupiedSlot{
						SectionID: section.ID, SubjectID: section.SubjectID,
						Weekday: slot.Weekday, Period: slot.Period, ClassroomID: slot.ClassroomID, TeacherID: section.TeacherID,
					})
			}
			timeSeen[key] = struct{}{}
		}
	}

	occupied, err := s.repo.ListOccupiedSlots(ctx, section.TermID, ignoreSectionID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check slot conflicts")
	}

	roomIndex := make(map[string]models.OccupiedSlot, len(occupied))
	teacherIndex := make(map[string]models.OccupiedSlot, len(occupied))
	for _, o := range occupied {
		roomIndex[fmt.Sprintf("%d:%d:%s", o.Weekday, o.Period, o.ClassroomID)] = o
		if o.TeacherID != nil && *o.TeacherID != "" {
			teacherIndex[fmt.Sprintf("%d:%d:%s", o.Weekday, o.Period, *o.TeacherID)] = o
		}
	}

	for _, slot := range section.Slots {
		if existing, ok := roomIndex[fmt.Sprintf("%d:%d:%s", slot.Weekday, slot.Period, slot.ClassroomID)]; ok {
			return s.wrapConflict(appErrors.ErrConflictClassroom, models.ConflictDimensionClassroom,
				"classroom already booked for this slot", existing)
		}
		if section.HasTeacher() {
			if existing, ok := teacherIndex[fmt.Sprintf("%d:%d:%s", slot.Weekday, slot.Period, *section.TeacherID)]; ok {
				return s.wrapConflict(appErrors.ErrConflictTeacher, models.ConflictDimensionTeacher,
					"teacher already scheduled for this slot", existing)
			}
		}
	}
	return nil
}

func (s *SectionService) wrapConflict(kind *appErrors.Error, dimension, message string, existing models.OccupiedSlot) error {
	conflict := models.SlotConflict{
		SectionID:   existing.SectionID,
		SubjectID:   existing.SubjectID,
		Weekday:     existing.Weekday,
		Period:      existing.Period,
		ClassroomID: existing.ClassroomID,
		TeacherID:   existing.TeacherID,
		Dimension:   dimension,
	}
	domainErr := &models.SlotConflictError{Dimension: dimension, Message: message, Conflict: conflict}
	return appErrors.Wrap(domainErr, kind.Code, kind.Status, fmt.Sprintf("schedule conflict: %s", message))
}

func (s *SectionService) invalidateScheduleCache(ctx context.Context, termID, sectionID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, repository.ExpandedScheduleKey(sectionID, termID)); err != nil {
		s.logger.Warn("failed to invalidate schedule cache", zap.String("section_id", sectionID), zap.Error(err))
	}
}

func normalizeTeacherID(id *string) *string {
	if id == nil || *id == "" {
		return nil
	}
	return id
}
