package models

import (
	"time"

	"github.com/noah-isme/sis-enrollment-api/internal/timetable"
)

// Periods per day supported by the institution timetable.
const (
	MinPeriod = 1
	MaxPeriod = 4
)

// Section is a scheduled, teacher-assignable offering of a subject within a
// term. Invariants: current_students never goes negative, and is_active may
// only be true while a teacher is assigned.
type Section struct {
	ID              string     `db:"id" json:"id"`
	TermID          string     `db:"term_id" json:"term_id"`
	SubjectID       string     `db:"subject_id" json:"subject_id"`
	TeacherID       *string    `db:"teacher_id" json:"teacher_id,omitempty"`
	MaxStudents     int        `db:"max_students" json:"max_students"`
	CurrentStudents int        `db:"current_students" json:"current_students"`
	IsActive        bool       `db:"is_active" json:"is_active"`
	StatusNote      *string    `db:"status_note" json:"status_note,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`

	Slots []ScheduleSlot `db:"-" json:"slots,omitempty"`
}

// HasTeacher reports whether an instructor is assigned.
func (s *Section) HasTeacher() bool {
	return s.TeacherID != nil && *s.TeacherID != ""
}

// ScheduleSlot is one weekly recurring (weekday, period, classroom)
// assignment belonging to a section.
type ScheduleSlot struct {
	ID          string            `db:"id" json:"id"`
	SectionID   string            `db:"section_id" json:"section_id"`
	Weekday     timetable.Weekday `db:"weekday" json:"weekday"`
	Period      int               `db:"period" json:"period"`
	ClassroomID string            `db:"classroom_id" json:"classroom_id"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
}

// SectionDetail enriches Section with display names.
type SectionDetail struct {
	Section
	SubjectName    string  `db:"subject_name" json:"subject_name"`
	SubjectCredits int     `db:"subject_credits" json:"subject_credits"`
	TeacherName    *string `db:"teacher_name" json:"teacher_name,omitempty"`
	TermName       string  `db:"term_name" json:"term_name"`
}

// SectionFilter provides filters for listing sections.
type SectionFilter struct {
	TermID    string
	SubjectID string
	TeacherID string
	IsActive  *bool
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// SessionOccurrence is one concrete calendar date a slot meets on, produced
// by schedule expansion.
type SessionOccurrence struct {
	Date        time.Time         `json:"date"`
	Week        int               `json:"week"`
	Weekday     timetable.Weekday `json:"weekday"`
	Period      int               `json:"period"`
	ClassroomID string            `json:"classroom_id"`
	TeacherID   *string           `json:"teacher_id,omitempty"`
}

// OccupiedSlot is one committed (weekday, period) assignment of an active
// section within a term, used to build the conflict index.
type OccupiedSlot struct {
	SectionID   string            `db:"section_id" json:"section_id"`
	SubjectID   string            `db:"subject_id" json:"subject_id"`
	Weekday     timetable.Weekday `db:"weekday" json:"weekday"`
	Period      int               `db:"period" json:"period"`
	ClassroomID string            `db:"classroom_id" json:"classroom_id"`
	TeacherID   *string           `db:"teacher_id" json:"teacher_id,omitempty"`
}

// SlotConflict describes an existing assignment that collides with a
// proposed slot.
type SlotConflict struct {
	SectionID   string            `json:"section_id"`
	SubjectID   string            `json:"subject_id"`
	Weekday     timetable.Weekday `json:"weekday"`
	Period      int               `json:"period"`
	ClassroomID string            `json:"classroom_id"`
	TeacherID   *string           `json:"teacher_id,omitempty"`
	Dimension   string            `json:"dimension"`
}

// Conflict dimensions.
const (
	ConflictDimensionClassroom = "CLASSROOM"
	ConflictDimensionTeacher   = "TEACHER"
)

// SlotConflictError is returned when a proposed slot set collides with
// committed schedule state.
type SlotConflictError struct {
	Dimension string       `json:"dimension"`
	Message   string       `json:"message"`
	Conflict  SlotConflict `json:"conflict"`
}

// Error implements the error interface for conflict errors.
func (e *SlotConflictError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}
