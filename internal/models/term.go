package models

import "time"

// Term models an academic period with its enrollment configuration. Exactly
// one term may be current at a time; promotion is an atomic demote/promote
// update in the repository.
type Term struct {
	ID                string    `db:"id" json:"id"`
	Name              string    `db:"name" json:"name"`
	AcademicYear      string    `db:"academic_year" json:"academic_year"`
	StartDate         time.Time `db:"start_date" json:"start_date"`
	EndDate           time.Time `db:"end_date" json:"end_date"`
	RegistrationStart time.Time `db:"registration_start" json:"registration_start"`
	RegistrationEnd   time.Time `db:"registration_end" json:"registration_end"`
	WithdrawalDeadline time.Time `db:"withdrawal_deadline" json:"withdrawal_deadline"`
	MinCredits        int       `db:"min_credits" json:"min_credits"`
	MaxCredits        int       `db:"max_credits" json:"max_credits"`
	IsCurrent         bool      `db:"is_current" json:"is_current"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// RegistrationOpenAt reports whether the registration window contains now.
func (t *Term) RegistrationOpenAt(now time.Time) bool {
	return !now.Before(t.RegistrationStart) && !now.After(t.RegistrationEnd)
}

// TermFilter defines filters supported by list endpoints.
type TermFilter struct {
	AcademicYear string
	IsCurrent    *bool
	Page         int
	PageSize     int
	SortBy       string
	SortOrder    string
}
