package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sis-enrollment-api/internal/models"
)

// RegistrationRepository handles persistence of registrations and the seat
// counters they move. Counter adjustments always happen in the same
// transaction as the status change so no intermediate state is observable.
type RegistrationRepository struct {
	db *sqlx.DB
}

// NewRegistrationRepository constructs the repository.
func NewRegistrationRepository(db *sqlx.DB) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

const registrationColumns = `id, student_id, section_id, term_id, status, conflict_flagged, rejection_requested, rejection_request_reason, rejection_requested_by, decided_by, decision_reason, decided_at, created_at, updated_at`

// List returns registrations filtered by the provided criteria.
func (r *RegistrationRepository) List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationDetail, int, error) {
	base := `FROM registrations reg
LEFT JOIN students stu ON stu.id = reg.student_id
LEFT JOIN sections sec ON sec.id = reg.section_id
LEFT JOIN subjects sub ON sub.id = sec.subject_id
LEFT JOIN terms trm ON trm.id = reg.term_id`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("reg.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.SectionID != "" {
		conditions = append(conditions, fmt.Sprintf("reg.section_id = $%d", len(args)+1))
		args = append(args, filter.SectionID)
	}
	if filter.TermID != "" {
		conditions = append(conditions, fmt.Sprintf("reg.term_id = $%d", len(args)+1))
		args = append(args, filter.TermID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("reg.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.Flagged != nil {
		conditions = append(conditions, fmt.Sprintf("reg.conflict_flagged = $%d", len(args)+1))
		args = append(args, *filter.Flagged)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"created_at":   "reg.created_at",
		"student_name": "stu.full_name",
		"subject_name": "sub.name",
		"status":       "reg.status",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "reg.created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT reg.id, reg.student_id, reg.section_id, reg.term_id, reg.status, reg.conflict_flagged,
        reg.rejection_requested, reg.rejection_request_reason, reg.rejection_requested_by,
        reg.decided_by, reg.decision_reason, reg.decided_at, reg.created_at, reg.updated_at,
        stu.full_name AS student_name, sec.subject_id AS subject_id, sub.name AS subject_name,
        sub.credits AS subject_credits, sec.teacher_id AS teacher_id, trm.name AS term_name
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var registrations []models.RegistrationDetail
	if err := r.db.SelectContext(ctx, &registrations, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list registrations: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count registrations: %w", err)
	}
	return registrations, total, nil
}

// FindByID returns a registration by its ID.
func (r *RegistrationRepository) FindByID(ctx context.Context, id string) (*models.Registration, error) {
	query := fmt.Sprintf("SELECT %s FROM registrations WHERE id = $1", registrationColumns)
	var registration models.Registration
	if err := r.db.GetContext(ctx, &registration, query, id); err != nil {
		return nil, err
	}
	return &registration, nil
}

// ExistsActiveForSubject checks whether the student already holds an active
// registration for any section of the subject in the term.
func (r *RegistrationRepository) ExistsActiveForSubject(ctx context.Context, studentID, subjectID, termID, excludeID string) (bool, error) {
	query := `SELECT 1 FROM registrations reg
        JOIN sections sec ON sec.id = reg.section_id
        WHERE reg.student_id = $1 AND sec.subject_id = $2 AND reg.term_id = $3 AND reg.status IN ($4, $5)`
	args := []interface{}{studentID, subjectID, termID, models.RegistrationStatusPending, models.RegistrationStatusApproved}
	if excludeID != "" {
		query += fmt.Sprintf(" AND reg.id <> $%d", len(args)+1)
		args = append(args, excludeID)
	}
	query += " LIMIT 1"
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check active subject registration: %w", err)
	}
	return true, nil
}

// SumActiveCredits totals subject credits over the student's pending and
// approved registrations in the term.
func (r *RegistrationRepository) SumActiveCredits(ctx context.Context, studentID, termID string) (int, error) {
	const query = `SELECT COALESCE(SUM(sub.credits), 0) FROM registrations reg
        JOIN sections sec ON sec.id = reg.section_id
        JOIN subjects sub ON sub.id = sec.subject_id
        WHERE reg.student_id = $1 AND reg.term_id = $2 AND reg.status IN ($3, $4)`
	var total int
	if err := r.db.GetContext(ctx, &total, query, studentID, termID, models.RegistrationStatusPending, models.RegistrationStatusApproved); err != nil {
		return 0, fmt.Errorf("sum active credits: %w", err)
	}
	return total, nil
}

// ListActiveSlots returns the weekly slots of every section the student
// holds an active registration for in the term.
func (r *RegistrationRepository) ListActiveSlots(ctx context.Context, studentID, termID string) ([]models.RegistrationSlot, error) {
	const query = `SELECT reg.id AS registration_id, reg.section_id, sl.weekday, sl.period
        FROM registrations reg
        JOIN schedule_slots sl ON sl.section_id = reg.section_id
        WHERE reg.student_id = $1 AND reg.term_id = $2 AND reg.status IN ($3, $4)`
	var slots []models.RegistrationSlot
	if err := r.db.SelectContext(ctx, &slots, query, studentID, termID, models.RegistrationStatusPending, models.RegistrationStatusApproved); err != nil {
		return nil, fmt.Errorf("list active registration slots: %w", err)
	}
	return slots, nil
}

// CreateWithSeat inserts a pending registration and reserves one seat in a
// single transaction. The guarded update enforces the seat limit: when the
// section is full or inactive no row changes and the insert is rolled back.
func (r *RegistrationRepository) CreateWithSeat(ctx context.Context, registration *models.Registration) (bool, error) {
	if registration.ID == "" {
		registration.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if registration.CreatedAt.IsZero() {
		registration.CreatedAt = now
	}
	registration.UpdatedAt = now
	if registration.Status == "" {
		registration.Status = models.RegistrationStatusPending
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin create registration tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	reserved, err := reserveSeat(ctx, tx, registration.SectionID)
	if err != nil {
		return false, err
	}
	if !reserved {
		_ = tx.Rollback()
		return false, nil
	}

	const query = `INSERT INTO registrations (id, student_id, section_id, term_id, status, conflict_flagged, rejection_requested, rejection_request_reason, rejection_requested_by, decided_by, decision_reason, decided_at, created_at, updated_at)
        VALUES (:id, :student_id, :section_id, :term_id, :status, :conflict_flagged, :rejection_requested, :rejection_request_reason, :rejection_requested_by, :decided_by, :decision_reason, :decided_at, :created_at, :updated_at)`
	if _, err = tx.NamedExecContext(ctx, query, registration); err != nil {
		return false, fmt.Errorf("create registration: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit create registration tx: %w", err)
	}
	return true, nil
}

// UpdateStatus transitions a registration and, when releaseSeat is true,
// frees its seat in the same transaction.
func (r *RegistrationRepository) UpdateStatus(ctx context.Context, id string, status models.RegistrationStatus, decision *models.Decision, releaseSeat bool) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update status tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	if decision != nil {
		reason := decision.Reason
		var reasonArg *string
		if reason != "" {
			reasonArg = &reason
		}
		_, err = tx.ExecContext(ctx, `UPDATE registrations SET status = $2, decided_by = $3, decision_reason = $4, decided_at = $5, updated_at = $5 WHERE id = $1`,
			id, status, decision.ActorID, reasonArg, now)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE registrations SET status = $2, updated_at = $3 WHERE id = $1`, id, status, now)
	}
	if err != nil {
		return fmt.Errorf("update registration status: %w", err)
	}

	if releaseSeat {
		if err = releaseSeatByRegistration(ctx, tx, id); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit update status tx: %w", err)
	}
	return nil
}

// SetRejectionRequest records a teacher's rejection request on a pending
// registration without changing its status.
func (r *RegistrationRepository) SetRejectionRequest(ctx context.Context, id, teacherID, reason string) error {
	const query = `UPDATE registrations SET rejection_requested = TRUE, rejection_request_reason = $2, rejection_requested_by = $3, updated_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, reason, teacherID, time.Now().UTC()); err != nil {
		return fmt.Errorf("set rejection request: %w", err)
	}
	return nil
}

// FlagConflicts marks the given registrations as holding an advisory
// timetable overlap.
func (r *RegistrationRepository) FlagConflicts(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, time.Now().UTC())
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}
	query := fmt.Sprintf("UPDATE registrations SET conflict_flagged = TRUE, updated_at = $1 WHERE id IN (%s)", strings.Join(placeholders, ","))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("flag registration conflicts: %w", err)
	}
	return nil
}

// Switch atomically drops the old registration and creates a new pending one
// for the target section. The new seat is reserved first; if the section is
// full nothing changes and the old registration stays untouched.
func (r *RegistrationRepository) Switch(ctx context.Context, oldID string, replacement *models.Registration) (bool, error) {
	if replacement.ID == "" {
		replacement.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	replacement.CreatedAt = now
	replacement.UpdatedAt = now
	replacement.Status = models.RegistrationStatusPending

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin switch tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	reserved, err := reserveSeat(ctx, tx, replacement.SectionID)
	if err != nil {
		return false, err
	}
	if !reserved {
		_ = tx.Rollback()
		return false, nil
	}

	if _, err = tx.ExecContext(ctx, `UPDATE registrations SET status = $2, updated_at = $3 WHERE id = $1`, oldID, models.RegistrationStatusDropped, now); err != nil {
		return false, fmt.Errorf("drop old registration: %w", err)
	}
	if err = releaseSeatByRegistration(ctx, tx, oldID); err != nil {
		return false, err
	}

	const query = `INSERT INTO registrations (id, student_id, section_id, term_id, status, conflict_flagged, rejection_requested, rejection_request_reason, rejection_requested_by, decided_by, decision_reason, decided_at, created_at, updated_at)
        VALUES (:id, :student_id, :section_id, :term_id, :status, :conflict_flagged, :rejection_requested, :rejection_request_reason, :rejection_requested_by, :decided_by, :decision_reason, :decided_at, :created_at, :updated_at)`
	if _, err = tx.NamedExecContext(ctx, query, replacement); err != nil {
		return false, fmt.Errorf("create replacement registration: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit switch tx: %w", err)
	}
	return true, nil
}

// CancelActiveBySection cancels every pending or approved registration of a
// section and releases their seats, returning the number cancelled. Used by
// the lifecycle sweep after a forced deactivation.
func (r *RegistrationRepository) CancelActiveBySection(ctx context.Context, sectionID string) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cancel tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `UPDATE registrations SET status = $2, updated_at = $3 WHERE section_id = $1 AND status IN ($4, $5)`,
		sectionID, models.RegistrationStatusCancelled, time.Now().UTC(), models.RegistrationStatusPending, models.RegistrationStatusApproved)
	if err != nil {
		return 0, fmt.Errorf("cancel section registrations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count cancelled registrations: %w", err)
	}

	if affected > 0 {
		if _, err = tx.ExecContext(ctx, `UPDATE sections SET current_students = GREATEST(current_students - $2, 0), updated_at = $3 WHERE id = $1`,
			sectionID, affected, time.Now().UTC()); err != nil {
			return 0, fmt.Errorf("release cancelled seats: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cancel tx: %w", err)
	}
	return int(affected), nil
}

// CompleteApprovedByTerm transitions every approved registration of the term
// to completed, returning the number changed.
func (r *RegistrationRepository) CompleteApprovedByTerm(ctx context.Context, termID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE registrations SET status = $2, updated_at = $3 WHERE term_id = $1 AND status = $4`,
		termID, models.RegistrationStatusCompleted, time.Now().UTC(), models.RegistrationStatusApproved)
	if err != nil {
		return 0, fmt.Errorf("complete term registrations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count completed registrations: %w", err)
	}
	return int(affected), nil
}

// ListUnderloaded returns students whose active credit total falls below the
// given minimum for the term.
func (r *RegistrationRepository) ListUnderloaded(ctx context.Context, termID string, minCredits int) ([]models.UnderloadedStudent, error) {
	const query = `SELECT reg.student_id, COALESCE(SUM(sub.credits), 0) AS credits
        FROM registrations reg
        JOIN sections sec ON sec.id = reg.section_id
        JOIN subjects sub ON sub.id = sec.subject_id
        WHERE reg.term_id = $1 AND reg.status IN ($2, $3)
        GROUP BY reg.student_id
        HAVING COALESCE(SUM(sub.credits), 0) < $4`
	var students []models.UnderloadedStudent
	if err := r.db.SelectContext(ctx, &students, query, termID, models.RegistrationStatusApproved, models.RegistrationStatusCompleted, minCredits); err != nil {
		return nil, fmt.Errorf("list underloaded students: %w", err)
	}
	for i := range students {
		students[i].MinCredits = minCredits
	}
	return students, nil
}

// reserveSeat claims one seat on an active section. The compare-and-swap
// lives in the WHERE clause: zero rows affected means full or inactive.
func reserveSeat(ctx context.Context, tx *sqlx.Tx, sectionID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE sections SET current_students = current_students + 1, updated_at = $2
        WHERE id = $1 AND is_active = TRUE AND current_students < max_students`, sectionID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("reserve seat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check seat reservation: %w", err)
	}
	return affected == 1, nil
}

func releaseSeatByRegistration(ctx context.Context, tx *sqlx.Tx, registrationID string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE sections SET current_students = GREATEST(current_students - 1, 0), updated_at = $2
        WHERE id = (SELECT section_id FROM registrations WHERE id = $1)`, registrationID, time.Now().UTC()); err != nil {
		return fmt.Errorf("release seat: %w", err)
	}
	return nil
}
