package repository

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sis-enrollment-api/internal/models"
)

func newRegistrationRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestRegistrationRepositoryCreateWithSeatReserves(t *testing.T) {
	db, mock, cleanup := newRegistrationRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sections SET current_students = current_students + 1")).
		WithArgs("sec-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO registrations")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	reg := &models.Registration{StudentID: "stu-1", SectionID: "sec-1", TermID: "term-1"}
	admitted, err := repo.CreateWithSeat(context.Background(), reg)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, models.RegistrationStatusPending, reg.Status)
	assert.NotEmpty(t, reg.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistrationRepositoryCreateWithSeatFullSection(t *testing.T) {
	db, mock, cleanup := newRegistrationRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sections SET current_students = current_students + 1")).
		WithArgs("sec-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	admitted, err := repo.CreateWithSeat(context.Background(), &models.Registration{StudentID: "stu-1", SectionID: "sec-1", TermID: "term-1"})
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistrationRepositorySumActiveCredits(t *testing.T) {
	db, mock, cleanup := newRegistrationRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(sub.credits), 0) FROM registrations reg")).
		WithArgs("stu-1", "term-1", string(models.RegistrationStatusPending), string(models.RegistrationStatusApproved)).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(12))

	total, err := repo.SumActiveCredits(context.Background(), "stu-1", "term-1")
	require.NoError(t, err)
	assert.Equal(t, 12, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistrationRepositorySwitchRollsBackWhenFull(t *testing.T) {
	db, mock, cleanup := newRegistrationRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sections SET current_students = current_students + 1")).
		WithArgs("sec-new", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	switched, err := repo.Switch(context.Background(), "reg-old", &models.Registration{StudentID: "stu-1", SectionID: "sec-new", TermID: "term-1"})
	require.NoError(t, err)
	assert.False(t, switched)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistrationRepositoryCancelActiveBySection(t *testing.T) {
	db, mock, cleanup := newRegistrationRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE registrations SET status = $2")).
		WithArgs("sec-1", string(models.RegistrationStatusCancelled), sqlmock.AnyArg(), string(models.RegistrationStatusPending), string(models.RegistrationStatusApproved)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sections SET current_students = GREATEST(current_students - $2, 0)")).
		WithArgs("sec-1", int64(3), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cancelled, err := repo.CancelActiveBySection(context.Background(), "sec-1")
	require.NoError(t, err)
	assert.Equal(t, 3, cancelled)
	assert.NoError(t, mock.ExpectationsWereMet())
}
