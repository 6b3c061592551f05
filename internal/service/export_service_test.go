package service

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sis-enrollment-api/internal/models"
	"github.com/noah-isme/sis-enrollment-api/internal/timetable"
)

type stubExpander struct {
	occurrences []models.SessionOccurrence
}

func (s *stubExpander) ExpandSchedule(ctx context.Context, sectionID, termID string) ([]models.SessionOccurrence, error) {
	return s.occurrences, nil
}

func TestExportServiceTimetableCSV(t *testing.T) {
	expander := &stubExpander{occurrences: []models.SessionOccurrence{
		{
			Date: time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC), Week: 1,
			Weekday: timetable.Monday, Period: 1, ClassroomID: "room-a", TeacherID: teacherID("teach-1"),
		},
		{
			Date: time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC), Week: 2,
			Weekday: timetable.Monday, Period: 1, ClassroomID: "room-a", TeacherID: teacherID("teach-1"),
		},
	}}
	svc := NewExportService(expander, nil)

	data, err := svc.TimetableCSV(context.Background(), "sec-1", "term-1")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "date,week,weekday,period,classroom,teacher", lines[0])
	assert.Equal(t, "2025-01-06,1,MONDAY,1,room-a,teach-1", lines[1])
	assert.Equal(t, "2025-01-13,2,MONDAY,1,room-a,teach-1", lines[2])
}

func TestExportServiceTimetablePDF(t *testing.T) {
	expander := &stubExpander{occurrences: []models.SessionOccurrence{
		{
			Date: time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC), Week: 1,
			Weekday: timetable.Monday, Period: 1, ClassroomID: "room-a",
		},
	}}
	svc := NewExportService(expander, nil)

	data, err := svc.TimetablePDF(context.Background(), "sec-1", "term-1")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))
}
