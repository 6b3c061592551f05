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

// TermRepository handles persistence of academic terms.
type TermRepository struct {
	db *sqlx.DB
}

// NewTermRepository constructs the repository.
func NewTermRepository(db *sqlx.DB) *TermRepository {
	return &TermRepository{db: db}
}

const termColumns = `id, name, academic_year, start_date, end_date, registration_start, registration_end, withdrawal_deadline, min_credits, max_credits, is_current, created_at, updated_at`

// List returns terms filtered by the provided criteria.
func (r *TermRepository) List(ctx context.Context, filter models.TermFilter) ([]models.Term, int, error) {
	base := "FROM terms WHERE 1=1"
	var conditions []string
	var args []interface{}

	if filter.AcademicYear != "" {
		conditions = append(conditions, fmt.Sprintf("academic_year = $%d", len(args)+1))
		args = append(args, filter.AcademicYear)
	}
	if filter.IsCurrent != nil {
		conditions = append(conditions, fmt.Sprintf("is_current = $%d", len(args)+1))
		args = append(args, *filter.IsCurrent)
	}
	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]bool{
		"start_date":    true,
		"academic_year": true,
		"name":          true,
		"created_at":    true,
	}
	sortBy := filter.SortBy
	if !allowedSorts[sortBy] {
		sortBy = "start_date"
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

	query := fmt.Sprintf("SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d", termColumns, base, sortBy, order, size, offset)
	var terms []models.Term
	if err := r.db.SelectContext(ctx, &terms, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list terms: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count terms: %w", err)
	}
	return terms, total, nil
}

// FindByID loads a term by id.
func (r *TermRepository) FindByID(ctx context.Context, id string) (*models.Term, error) {
	query := fmt.Sprintf("SELECT %s FROM terms WHERE id = $1", termColumns)
	var term models.Term
	if err := r.db.GetContext(ctx, &term, query, id); err != nil {
		return nil, err
	}
	return &term, nil
}

// FindCurrent returns the term marked current.
func (r *TermRepository) FindCurrent(ctx context.Context) (*models.Term, error) {
	query := fmt.Sprintf("SELECT %s FROM terms WHERE is_current = TRUE LIMIT 1", termColumns)
	var term models.Term
	if err := r.db.GetContext(ctx, &term, query); err != nil {
		return nil, err
	}
	return &term, nil
}

// Create persists a new term record.
func (r *TermRepository) Create(ctx context.Context, term *models.Term) error {
	if term.ID == "" {
		term.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if term.CreatedAt.IsZero() {
		term.CreatedAt = now
	}
	term.UpdatedAt = now

	const query = `INSERT INTO terms (id, name, academic_year, start_date, end_date, registration_start, registration_end, withdrawal_deadline, min_credits, max_credits, is_current, created_at, updated_at)
        VALUES (:id, :name, :academic_year, :start_date, :end_date, :registration_start, :registration_end, :withdrawal_deadline, :min_credits, :max_credits, :is_current, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, term); err != nil {
		return fmt.Errorf("create term: %w", err)
	}
	return nil
}

// Update modifies a term record.
func (r *TermRepository) Update(ctx context.Context, term *models.Term) error {
	term.UpdatedAt = time.Now().UTC()
	const query = `UPDATE terms SET name = :name, academic_year = :academic_year, start_date = :start_date, end_date = :end_date, registration_start = :registration_start, registration_end = :registration_end, withdrawal_deadline = :withdrawal_deadline, min_credits = :min_credits, max_credits = :max_credits, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, term); err != nil {
		return fmt.Errorf("update term: %w", err)
	}
	return nil
}

// SetCurrent marks the provided term as current and demotes the rest in a
// single transaction.
func (r *TermRepository) SetCurrent(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set current tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `UPDATE terms SET is_current = FALSE, updated_at = $1 WHERE is_current = TRUE AND id <> $2`, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("demote current term: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `UPDATE terms SET is_current = TRUE, updated_at = $2 WHERE id = $1`, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("promote term: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit set current tx: %w", err)
	}
	return nil
}

// CountReferences counts sections and registrations referencing the term.
func (r *TermRepository) CountReferences(ctx context.Context, id string) (int, error) {
	var count int
	query := `
		SELECT (SELECT COUNT(*) FROM registrations WHERE term_id = $1)
		     + (SELECT COUNT(*) FROM sections WHERE term_id = $1)`
	if err := r.db.GetContext(ctx, &count, query, id); err != nil {
		return 0, fmt.Errorf("count term references: %w", err)
	}
	return count, nil
}

// Delete removes a term permanently. Callers must first verify the term is
// neither current nor referenced by sections or registrations.
func (r *TermRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM terms WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete term: %w", err)
	}
	return nil
}
