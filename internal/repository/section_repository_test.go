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

	"github.com/noah-isme/sis-enrollment-api/internal/models"
	"github.com/noah-isme/sis-enrollment-api/internal/timetable"
)

func newSectionRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestSectionRepositoryCreateInsertsSlots(t *testing.T) {
	db, mock, cleanup := newSectionRepoMock(t)
	defer cleanup()
	repo := NewSectionRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sections")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schedule_slots")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schedule_slots")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	teacherID := "tch-1"
	section := &models.Section{
		TermID:      "term-1",
		SubjectID:   "sub-1",
		TeacherID:   &teacherID,
		MaxStudents: 30,
		IsActive:    true,
		Slots: []models.ScheduleSlot{
			{Weekday: timetable.Monday, Period: 1, ClassroomID: "room-1"},
			{Weekday: timetable.Wednesday, Period: 2, ClassroomID: "room-1"},
		},
	}
	require.NoError(t, repo.Create(context.Background(), section))
	assert.NotEmpty(t, section.ID)
	for _, slot := range section.Slots {
		assert.Equal(t, section.ID, slot.SectionID)
		assert.NotEmpty(t, slot.ID)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSectionRepositoryListOccupiedSlotsExcludesSection(t *testing.T) {
	db, mock, cleanup := newSectionRepoMock(t)
	defer cleanup()
	repo := NewSectionRepository(db)

	teacherID := "tch-1"
	rows := sqlmock.NewRows([]string{"section_id", "subject_id", "weekday", "period", "classroom_id", "teacher_id"}).
		AddRow("sec-2", "sub-2", 2, 1, "room-1", teacherID)
	mock.ExpectQuery(regexp.QuoteMeta("AND sec.id <> $2")).
		WithArgs("term-1", "sec-1").
		WillReturnRows(rows)

	slots, err := repo.ListOccupiedSlots(context.Background(), "term-1", "sec-1")
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, "sec-2", slots[0].SectionID)
	assert.Equal(t, timetable.Monday, slots[0].Weekday)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSectionRepositoryDeactivateOrphans(t *testing.T) {
	db, mock, cleanup := newSectionRepoMock(t)
	defer cleanup()
	repo := NewSectionRepository(db)

	rows := sqlmock.NewRows([]string{"id"}).AddRow("sec-1").AddRow("sec-2")
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE sections SET is_active = FALSE")).
		WithArgs("term-1", "no instructor assigned", sqlmock.AnyArg()).
		WillReturnRows(rows)

	ids, err := repo.DeactivateOrphans(context.Background(), "term-1", "no instructor assigned")
	require.NoError(t, err)
	assert.Equal(t, []string{"sec-1", "sec-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSectionRepositoryListSlotsOrdered(t *testing.T) {
	db, mock, cleanup := newSectionRepoMock(t)
	defer cleanup()
	repo := NewSectionRepository(db)

	rows := sqlmock.NewRows([]string{"id", "section_id", "weekday", "period", "classroom_id", "created_at"}).
		AddRow("slot-1", "sec-1", 2, 1, "room-1", time.Now()).
		AddRow("slot-2", "sec-1", 4, 3, "room-2", time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("FROM schedule_slots WHERE section_id = $1 ORDER BY weekday ASC, period ASC")).
		WithArgs("sec-1").
		WillReturnRows(rows)

	slots, err := repo.ListSlots(context.Background(), "sec-1")
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, timetable.Wednesday, slots[1].Weekday)
	assert.NoError(t, mock.ExpectationsWereMet())
}
