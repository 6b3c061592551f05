package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sis-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/sis-enrollment-api/pkg/errors"
)

type registrationRepository interface {
	List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationDetail, int, error)
	FindByID(ctx context.Context, id string) (*models.Registration, error)
	ExistsActiveForSubject(ctx context.Context, studentID, subjectID, termID, excludeID string) (bool, error)
	SumActiveCredits(ctx context.Context, studentID, termID string) (int, error)
	ListActiveSlots(ctx context.Context, studentID, termID string) ([]models.RegistrationSlot, error)
	CreateWithSeat(ctx context.Context, registration *models.Registration) (bool, error)
	UpdateStatus(ctx context.Context, id string, status models.RegistrationStatus, decision *models.Decision, releaseSeat bool) error
	SetRejectionRequest(ctx context.Context, id, teacherID, reason string) error
	FlagConflicts(ctx context.Context, ids []string) error
	Switch(ctx context.Context, oldID string, replacement *models.Registration) (bool, error)
	CompleteApprovedByTerm(ctx context.Context, termID string) (int, error)
	ListUnderloaded(ctx context.Context, termID string, minCredits int) ([]models.UnderloadedStudent, error)
}

type sectionReader interface {
	FindByID(ctx context.Context, id string) (*models.Section, error)
}

type studentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type registrationMetrics interface {
	RecordRegistrationOutcome(outcome string)
}

// RegisterRequest enrolls one student into one section.
type RegisterRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	SectionID string `json:"section_id" validate:"required"`
	TermID    string `json:"term_id" validate:"required"`
}

// CompleteTermResult summarises a term close.
type CompleteTermResult struct {
	CompletedCount int                         `json:"completed_count"`
	Underloaded    []models.UnderloadedStudent `json:"underloaded_students"`
}

// RegistrationService drives the registration state machine and its
// admission checks.
type RegistrationService struct {
	repo      registrationRepository
	sections  sectionReader
	terms     termReader
	subjects  subjectReader
	students  studentReader
	metrics   registrationMetrics
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewRegistrationService instantiates RegistrationService.
func NewRegistrationService(repo registrationRepository, sections sectionReader, terms termReader, subjects subjectReader, students studentReader, metrics registrationMetrics, validate *validator.Validate, logger *zap.Logger) *RegistrationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistrationService{
		repo:      repo,
		sections:  sections,
		terms:     terms,
		subjects:  subjects,
		students:  students,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		now:       time.Now,
	}
}

// List returns registrations with pagination metadata. Students only see
// their own rows; teachers only rows for sections they run.
func (s *RegistrationService) List(ctx context.Context, filter models.RegistrationFilter, actor models.Actor) ([]models.RegistrationDetail, *models.Pagination, error) {
	if actor.Role == models.RoleStudent {
		filter.StudentID = actor.ID
	}
	registrations, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list registrations")
	}
	if actor.Role == models.RoleTeacher {
		filtered := registrations[:0]
		for _, reg := range registrations {
			if reg.TeacherID != nil && *reg.TeacherID == actor.ID {
				filtered = append(filtered, reg)
			}
		}
		registrations = filtered
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return registrations, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get loads one registration, enforcing student ownership.
func (s *RegistrationService) Get(ctx context.Context, id string, actor models.Actor) (*models.Registration, error) {
	reg, err := s.findRegistration(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == models.RoleStudent && reg.StudentID != actor.ID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "registration belongs to another student")
	}
	return reg, nil
}

// Register admits a student into a section. All checks run in a fixed
// order: existence, window, section state, duplicate subject, credit cap.
// The seat itself is claimed atomically at insert time, so a full section
// can still surface after every early check has passed.
func (s *RegistrationService) Register(ctx context.Context, req RegisterRequest, actor models.Actor) (*models.Registration, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}
	if actor.Role == models.RoleStudent && req.StudentID != actor.ID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "students may only register themselves")
	}

	term, err := s.findTerm(ctx, req.TermID)
	if err != nil {
		return nil, err
	}
	section, err := s.findSection(ctx, req.SectionID)
	if err != nil {
		return nil, err
	}
	if section.TermID != req.TermID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "section does not belong to term")
	}
	student, err := s.students.FindByID(ctx, req.StudentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !student.Active {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "student inactive")
	}

	if !term.RegistrationOpenAt(s.now()) {
		s.recordOutcome("window_closed")
		return nil, appErrors.Clone(appErrors.ErrRegistrationClosed, "")
	}
	if !section.IsActive {
		s.recordOutcome("section_inactive")
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "section is not active")
	}
	if section.CurrentStudents >= section.MaxStudents {
		s.recordOutcome("section_full")
		return nil, appErrors.Clone(appErrors.ErrSectionFull, "")
	}

	if err := s.checkSubjectAndCredits(ctx, req.StudentID, req.TermID, section.SubjectID, "", term.MaxCredits, 0); err != nil {
		return nil, err
	}

	registration := &models.Registration{
		StudentID: req.StudentID,
		SectionID: req.SectionID,
		TermID:    req.TermID,
		Status:    models.RegistrationStatusPending,
	}
	admitted, err := s.repo.CreateWithSeat(ctx, registration)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create registration")
	}
	if !admitted {
		s.recordOutcome("section_full")
		return nil, appErrors.Clone(appErrors.ErrSectionFull, "")
	}
	s.recordOutcome("registered")

	s.flagTimetableOverlaps(ctx, registration)
	return registration, nil
}

// Switch drops an active registration and creates a pending replacement in
// a single transaction. The new seat is claimed before the old one is
// released, so a full target section leaves the old registration intact.
func (s *RegistrationService) Switch(ctx context.Context, oldRegistrationID, newSectionID string, actor models.Actor) (*models.Registration, error) {
	old, err := s.findRegistration(ctx, oldRegistrationID)
	if err != nil {
		return nil, err
	}
	if actor.Role == models.RoleStudent && old.StudentID != actor.ID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "registration belongs to another student")
	}
	if !old.Status.Active() {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "only an active registration can be switched")
	}

	term, err := s.findTerm(ctx, old.TermID)
	if err != nil {
		return nil, err
	}
	if actor.Role == models.RoleStudent && !term.RegistrationOpenAt(s.now()) {
		return nil, appErrors.Clone(appErrors.ErrRegistrationClosed, "")
	}

	section, err := s.findSection(ctx, newSectionID)
	if err != nil {
		return nil, err
	}
	if section.TermID != old.TermID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "replacement section belongs to another term")
	}
	if section.ID == old.SectionID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "replacement section matches the current one")
	}
	if !section.IsActive {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "section is not active")
	}
	if section.CurrentStudents >= section.MaxStudents {
		s.recordOutcome("section_full")
		return nil, appErrors.Clone(appErrors.ErrSectionFull, "")
	}

	oldSection, err := s.findSection(ctx, old.SectionID)
	if err != nil {
		return nil, err
	}
	oldSubject, err := s.findSubject(ctx, oldSection.SubjectID)
	if err != nil {
		return nil, err
	}
	if err := s.checkSubjectAndCredits(ctx, old.StudentID, old.TermID, section.SubjectID, old.ID, term.MaxCredits, oldSubject.Credits); err != nil {
		return nil, err
	}

	replacement := &models.Registration{
		StudentID: old.StudentID,
		SectionID: newSectionID,
		TermID:    old.TermID,
		Status:    models.RegistrationStatusPending,
	}
	admitted, err := s.repo.Switch(ctx, old.ID, replacement)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to switch registration")
	}
	if !admitted {
		s.recordOutcome("section_full")
		return nil, appErrors.Clone(appErrors.ErrSectionFull, "")
	}
	s.recordOutcome("switched")

	s.flagTimetableOverlaps(ctx, replacement)
	return replacement, nil
}

// Approve moves a pending registration to approved. Admins may approve any
// time; the section's teacher only once the registration window has closed.
func (s *RegistrationService) Approve(ctx context.Context, id string, actor models.Actor) (*models.Registration, error) {
	reg, err := s.findRegistration(ctx, id)
	if err != nil {
		return nil, err
	}
	if reg.Status != models.RegistrationStatusPending {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "only a pending registration can be approved")
	}

	switch actor.Role {
	case models.RoleAdmin:
	case models.RoleTeacher:
		section, err := s.findSection(ctx, reg.SectionID)
		if err != nil {
			return nil, err
		}
		if !section.HasTeacher() || *section.TeacherID != actor.ID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "only the section's teacher may approve")
		}
		term, err := s.findTerm(ctx, reg.TermID)
		if err != nil {
			return nil, err
		}
		if !s.now().After(term.RegistrationEnd) {
			return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "teachers may approve only after the registration window closes")
		}
	default:
		return nil, appErrors.Clone(appErrors.ErrForbidden, "")
	}

	decision := &models.Decision{ActorID: actor.ID, At: s.now()}
	if err := s.repo.UpdateStatus(ctx, reg.ID, models.RegistrationStatusApproved, decision, false); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to approve registration")
	}
	s.recordOutcome("approved")
	reg.Status = models.RegistrationStatusApproved
	return reg, nil
}

// RequestRejection records a teacher's intent to reject; the row stays
// pending until an admin decides.
func (s *RegistrationService) RequestRejection(ctx context.Context, id string, actor models.Actor, reason string) error {
	if actor.Role != models.RoleTeacher {
		return appErrors.Clone(appErrors.ErrForbidden, "only teachers may request a rejection")
	}
	if reason == "" {
		return appErrors.Clone(appErrors.ErrValidation, "rejection reason is required")
	}
	reg, err := s.findRegistration(ctx, id)
	if err != nil {
		return err
	}
	if reg.Status != models.RegistrationStatusPending {
		return appErrors.Clone(appErrors.ErrInvalidTransition, "only a pending registration can be flagged for rejection")
	}
	section, err := s.findSection(ctx, reg.SectionID)
	if err != nil {
		return err
	}
	if !section.HasTeacher() || *section.TeacherID != actor.ID {
		return appErrors.Clone(appErrors.ErrForbidden, "only the section's teacher may request a rejection")
	}
	if err := s.repo.SetRejectionRequest(ctx, reg.ID, actor.ID, reason); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record rejection request")
	}
	return nil
}

// Reject finalises a rejection. Admin only; the seat is released. When no
// reason is given the teacher's request reason, if any, is carried over.
func (s *RegistrationService) Reject(ctx context.Context, id string, actor models.Actor, reason string) (*models.Registration, error) {
	if !actor.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only admins may reject a registration")
	}
	reg, err := s.findRegistration(ctx, id)
	if err != nil {
		return nil, err
	}
	if reg.Status != models.RegistrationStatusPending {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "only a pending registration can be rejected")
	}
	if reason == "" && reg.RejectionRequestReason != nil {
		reason = *reg.RejectionRequestReason
	}

	decision := &models.Decision{ActorID: actor.ID, Reason: reason, At: s.now()}
	if err := s.repo.UpdateStatus(ctx, reg.ID, models.RegistrationStatusRejected, decision, true); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reject registration")
	}
	s.recordOutcome("rejected")
	reg.Status = models.RegistrationStatusRejected
	return reg, nil
}

// Drop withdraws an active registration and releases its seat. Students may
// drop their own rows while the withdrawal deadline has not passed; admins
// any time.
func (s *RegistrationService) Drop(ctx context.Context, id string, actor models.Actor) (*models.Registration, error) {
	reg, err := s.findRegistration(ctx, id)
	if err != nil {
		return nil, err
	}
	if !reg.Status.Active() {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "only an active registration can be dropped")
	}

	switch actor.Role {
	case models.RoleAdmin:
	case models.RoleStudent:
		if reg.StudentID != actor.ID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "registration belongs to another student")
		}
		term, err := s.findTerm(ctx, reg.TermID)
		if err != nil {
			return nil, err
		}
		if s.now().After(term.WithdrawalDeadline) {
			return nil, appErrors.Clone(appErrors.ErrRegistrationClosed, "withdrawal deadline has passed")
		}
	default:
		return nil, appErrors.Clone(appErrors.ErrForbidden, "")
	}

	decision := &models.Decision{ActorID: actor.ID, At: s.now()}
	if err := s.repo.UpdateStatus(ctx, reg.ID, models.RegistrationStatusDropped, decision, true); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to drop registration")
	}
	s.recordOutcome("dropped")
	reg.Status = models.RegistrationStatusDropped
	return reg, nil
}

// CompleteTerm bulk-moves every approved registration of the term to
// completed and reports students below the term's minimum credits.
func (s *RegistrationService) CompleteTerm(ctx context.Context, termID string, actor models.Actor) (*CompleteTermResult, error) {
	if !actor.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only admins may close a term")
	}
	term, err := s.findTerm(ctx, termID)
	if err != nil {
		return nil, err
	}

	completed, err := s.repo.CompleteApprovedByTerm(ctx, termID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to complete term registrations")
	}
	underloaded, err := s.repo.ListUnderloaded(ctx, termID, term.MinCredits)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build underload report")
	}
	for i := range underloaded {
		underloaded[i].MinCredits = term.MinCredits
	}

	s.logger.Info("term completed",
		zap.String("term_id", termID),
		zap.Int("completed_registrations", completed),
		zap.Int("underloaded_students", len(underloaded)))
	return &CompleteTermResult{CompletedCount: completed, Underloaded: underloaded}, nil
}

// checkSubjectAndCredits enforces one-active-registration-per-subject and
// the term credit cap. creditOffset is subtracted from the current load,
// used when a switch replaces an existing registration.
func (s *RegistrationService) checkSubjectAndCredits(ctx context.Context, studentID, termID, subjectID, excludeRegID string, maxCredits, creditOffset int) error {
	exists, err := s.repo.ExistsActiveForSubject(ctx, studentID, subjectID, termID, excludeRegID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check subject registrations")
	}
	if exists {
		s.recordOutcome("subject_duplicate")
		return appErrors.Clone(appErrors.ErrSubjectDuplicate, "")
	}

	subject, err := s.findSubject(ctx, subjectID)
	if err != nil {
		return err
	}
	current, err := s.repo.SumActiveCredits(ctx, studentID, termID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sum credits")
	}
	if current-creditOffset+subject.Credits > maxCredits {
		s.recordOutcome("credit_limit")
		return appErrors.Clone(appErrors.ErrCreditLimitExceeded, "")
	}
	return nil
}

// flagTimetableOverlaps marks registrations whose weekly slots collide.
// Advisory only: failures are logged, never surfaced to the caller.
func (s *RegistrationService) flagTimetableOverlaps(ctx context.Context, reg *models.Registration) {
	slots, err := s.repo.ListActiveSlots(ctx, reg.StudentID, reg.TermID)
	if err != nil {
		s.logger.Warn("failed to load slots for overlap check", zap.String("registration_id", reg.ID), zap.Error(err))
		return
	}

	type key struct {
		weekday int
		period  int
	}
	byKey := make(map[key][]models.RegistrationSlot)
	for _, slot := range slots {
		k := key{slot.Weekday, slot.Period}
		byKey[k] = append(byKey[k], slot)
	}

	flagged := make(map[string]struct{})
	for _, group := range byKey {
		sections := make(map[string]struct{})
		for _, slot := range group {
			sections[slot.SectionID] = struct{}{}
		}
		if len(sections) < 2 {
			continue
		}
		for _, slot := range group {
			flagged[slot.RegistrationID] = struct{}{}
		}
	}
	if len(flagged) == 0 {
		return
	}

	ids := make([]string, 0, len(flagged))
	for id := range flagged {
		ids = append(ids, id)
	}
	if err := s.repo.FlagConflicts(ctx, ids); err != nil {
		s.logger.Warn("failed to flag timetable overlaps", zap.Strings("registration_ids", ids), zap.Error(err))
		return
	}
	s.logger.Info("advisory timetable overlap flagged",
		zap.String("student_id", reg.StudentID),
		zap.Strings("registration_ids", ids))
}

func (s *RegistrationService) findRegistration(ctx context.Context, id string) (*models.Registration, error) {
	reg, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "registration not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
	}
	return reg, nil
}

func (s *RegistrationService) findTerm(ctx context.Context, id string) (*models.Term, error) {
	term, err := s.terms.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "term not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load term")
	}
	return term, nil
}

func (s *RegistrationService) findSection(ctx context.Context, id string) (*models.Section, error) {
	section, err := s.sections.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "section not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load section")
	}
	return section, nil
}

func (s *RegistrationService) findSubject(ctx context.Context, id string) (*models.Subject, error) {
	subject, err := s.subjects.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}
	return subject, nil
}

func (s *RegistrationService) recordOutcome(outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordRegistrationOutcome(outcome)
}
