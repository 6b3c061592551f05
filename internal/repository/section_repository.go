package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sis-enrollment-api/internal/models"
)

// SectionRepository provides persistence for sections and their weekly
// schedule slots.
type SectionRepository struct {
	db *sqlx.DB
}

// NewSectionRepository creates a new section repository.
func NewSectionRepository(db *sqlx.DB) *SectionRepository {
	return &SectionRepository{db: db}
}

const sectionColumns = `id, term_id, subject_id, teacher_id, max_students, current_students, is_active, status_note, created_at, updated_at`

const slotColumns = `id, section_id, weekday, period, classroom_id, created_at`

// List returns sections with optional filtering and pagination.
func (r *SectionRepository) List(ctx context.Context, filter models.SectionFilter) ([]models.SectionDetail, int, error) {
	base := `FROM sections sec
LEFT JOIN subjects sub ON sub.id = sec.subject_id
LEFT JOIN teachers tch ON tch.id = sec.teacher_id
LEFT JOIN terms trm ON trm.id = sec.term_id`
	var conditions []string
	var args []interface{}

	if filter.TermID != "" {
		conditions = append(conditions, fmt.Sprintf("sec.term_id = $%d", len(args)+1))
		args = append(args, filter.TermID)
	}
	if filter.SubjectID != "" {
		conditions = append(conditions, fmt.Sprintf("sec.subject_id = $%d", len(args)+1))
		args = append(args, filter.SubjectID)
	}
	if filter.TeacherID != "" {
		conditions = append(conditions, fmt.Sprintf("sec.teacher_id = $%d", len(args)+1))
		args = append(args, filter.TeacherID)
	}
	if filter.IsActive != nil {
		conditions = append(conditions, fmt.Sprintf("sec.is_active = $%d", len(args)+1))
		args = append(args, *filter.IsActive)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"created_at":   "sec.created_at",
		"subject_name": "sub.name",
		"seats":        "sec.current_students",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "sec.created_at"
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

	query := fmt.Sprintf(`SELECT sec.id, sec.term_id, sec.subject_id, sec.teacher_id, sec.max_students, sec.current_students, sec.is_active, sec.status_note, sec.created_at, sec.updated_at,
        sub.name AS subject_name, sub.credits AS subject_credits, tch.full_name AS teacher_name, trm.name AS term_name
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var sections []models.SectionDetail
	if err := r.db.SelectContext(ctx, &sections, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list sections: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count sections: %w", err)
	}
	return sections, total, nil
}

// FindByID loads a section with its schedule slots.
func (r *SectionRepository) FindByID(ctx context.Context, id string) (*models.Section, error) {
	query := fmt.Sprintf("SELECT %s FROM sections WHERE id = $1", sectionColumns)
	var section models.Section
	if err := r.db.GetContext(ctx, &section, query, id); err != nil {
		return nil, err
	}
	slots, err := r.ListSlots(ctx, id)
	if err != nil {
		return nil, err
	}
	section.Slots = slots
	return &section, nil
}

// ListSlots returns the schedule slots of a section ordered by weekday and
// period.
func (r *SectionRepository) ListSlots(ctx context.Context, sectionID string) ([]models.ScheduleSlot, error) {
	query := fmt.Sprintf("SELECT %s FROM schedule_slots WHERE section_id = $1 ORDER BY weekday ASC, period ASC", slotColumns)
	var slots []models.ScheduleSlot
	if err := r.db.SelectContext(ctx, &slots, query, sectionID); err != nil {
		return nil, fmt.Errorf("list section slots: %w", err)
	}
	return slots, nil
}

// ListOccupiedSlots returns every slot of active sections in a term joined
// with the owning section's teacher, optionally excluding one section. The
// exclusion is what keeps a no-op edit from self-conflicting.
func (r *SectionRepository) ListOccupiedSlots(ctx context.Context, termID, excludeSectionID string) ([]models.OccupiedSlot, error) {
	query := `SELECT sl.section_id, sec.subject_id, sl.weekday, sl.period, sl.classroom_id, sec.teacher_id
        FROM schedule_slots sl
        JOIN sections sec ON sec.id = sl.section_id
        WHERE sec.term_id = $1 AND sec.is_active = TRUE`
	args := []interface{}{termID}
	if excludeSectionID != "" {
		query += fmt.Sprintf(" AND sec.id <> $%d", len(args)+1)
		args = append(args, excludeSectionID)
	}
	var slots []models.OccupiedSlot
	if err := r.db.SelectContext(ctx, &slots, query, args...); err != nil {
		return nil, fmt.Errorf("list occupied slots: %w", err)
	}
	return slots, nil
}

// Create persists a section and its slots in one transaction.
func (r *SectionRepository) Create(ctx context.Context, section *models.Section) error {
	if section.ID == "" {
		section.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if section.CreatedAt.IsZero() {
		section.CreatedAt = now
	}
	section.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create section tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const query = `INSERT INTO sections (id, term_id, subject_id, teacher_id, max_students, current_students, is_active, status_note, created_at, updated_at)
        VALUES (:id, :term_id, :subject_id, :teacher_id, :max_students, :current_students, :is_active, :status_note, :created_at, :updated_at)`
	if _, err = tx.NamedExecContext(ctx, query, section); err != nil {
		return fmt.Errorf("create section: %w", err)
	}

	if err = r.insertSlots(ctx, tx, section.ID, section.Slots); err != nil {
		return err
	}
	for i := range section.Slots {
		section.Slots[i].SectionID = section.ID
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit create section tx: %w", err)
	}
	return nil
}

// Update modifies a section row and, when replaceSlots is true, swaps the
// slot set in the same transaction.
func (r *SectionRepository) Update(ctx context.Context, section *models.Section, replaceSlots bool) error {
	section.UpdatedAt = time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update section tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const query = `UPDATE sections SET teacher_id = :teacher_id, max_students = :max_students, is_active = :is_active, status_note = :status_note, updated_at = :updated_at WHERE id = :id`
	if _, err = tx.NamedExecContext(ctx, query, section); err != nil {
		return fmt.Errorf("update section: %w", err)
	}

	if replaceSlots {
		if _, err = tx.ExecContext(ctx, `DELETE FROM schedule_slots WHERE section_id = $1`, section.ID); err != nil {
			return fmt.Errorf("clear section slots: %w", err)
		}
		if err = r.insertSlots(ctx, tx, section.ID, section.Slots); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit update section tx: %w", err)
	}
	return nil
}

func (r *SectionRepository) insertSlots(ctx context.Context, tx *sqlx.Tx, sectionID string, slots []models.ScheduleSlot) error {
	now := time.Now().UTC()
	for i := range slots {
		slot := slots[i]
		if slot.ID == "" {
			slot.ID = uuid.NewString()
		}
		slot.SectionID = sectionID
		if slot.CreatedAt.IsZero() {
			slot.CreatedAt = now
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO schedule_slots (id, section_id, weekday, period, classroom_id, created_at) VALUES (:id, :section_id, :weekday, :period, :classroom_id, :created_at)`, &slot); err != nil {
			return fmt.Errorf("insert schedule slot: %w", err)
		}
		slots[i] = slot
	}
	return nil
}

// DeactivateOrphans flips every active section in the term that lacks a
// teacher, recording the note, and returns the affected ids. The guard in
// the WHERE clause makes repeated runs idempotent.
func (r *SectionRepository) DeactivateOrphans(ctx context.Context, termID, note string) ([]string, error) {
	const query = `UPDATE sections SET is_active = FALSE, status_note = $2, updated_at = $3
        WHERE term_id = $1 AND is_active = TRUE AND (teacher_id IS NULL OR teacher_id = '')
        RETURNING id`
	rows, err := r.db.QueryxContext(ctx, query, termID, note, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("deactivate orphan sections: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deactivated section id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
