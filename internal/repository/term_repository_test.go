package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTermRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func termRows() *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "name", "academic_year", "start_date", "end_date",
		"registration_start", "registration_end", "withdrawal_deadline",
		"min_credits", "max_credits", "is_current", "created_at", "updated_at",
	}).AddRow(
		"term-1", "Spring 2025", "2024/2025",
		time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 4, 28, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		12, 17, true, now, now,
	)
}

func TestTermRepositoryFindCurrent(t *testing.T) {
	db, mock, cleanup := newTermRepoMock(t)
	defer cleanup()
	repo := NewTermRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE is_current = TRUE LIMIT 1")).
		WillReturnRows(termRows())

	term, err := repo.FindCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "term-1", term.ID)
	assert.True(t, term.IsCurrent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTermRepositorySetCurrentDemotesThenPromotes(t *testing.T) {
	db, mock, cleanup := newTermRepoMock(t)
	defer cleanup()
	repo := NewTermRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET is_current = FALSE")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET is_current = TRUE")).
		WithArgs("term-2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.SetCurrent(context.Background(), "term-2"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTermRepositoryCountReferencesSumsTables(t *testing.T) {
	db, mock, cleanup := newTermRepoMock(t)
	defer cleanup()
	repo := NewTermRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("(SELECT COUNT(*) FROM sections WHERE term_id = $1)")).
		WithArgs("term-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := repo.CountReferences(context.Background(), "term-1")
	require.NoError(t, err)
	assert.Equal(t, 7, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTermRepositoryDelete(t *testing.T) {
	db, mock, cleanup := newTermRepoMock(t)
	defer cleanup()
	repo := NewTermRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM terms WHERE id = $1")).
		WithArgs("term-3").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Delete(context.Background(), "term-3"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
