package models

import "time"

// RegistrationStatus represents the lifecycle of a registration.
type RegistrationStatus string

// Possible registration statuses. PENDING is the initial state; REJECTED,
// DROPPED, COMPLETED and CANCELLED are terminal.
const (
	RegistrationStatusPending   RegistrationStatus = "PENDING"
	RegistrationStatusApproved  RegistrationStatus = "APPROVED"
	RegistrationStatusRejected  RegistrationStatus = "REJECTED"
	RegistrationStatusDropped   RegistrationStatus = "DROPPED"
	RegistrationStatusCompleted RegistrationStatus = "COMPLETED"
	RegistrationStatusCancelled RegistrationStatus = "CANCELLED"
)

// Terminal reports whether no further transitions may leave the status.
func (s RegistrationStatus) Terminal() bool {
	switch s {
	case RegistrationStatusRejected, RegistrationStatusDropped,
		RegistrationStatusCompleted, RegistrationStatusCancelled:
		return true
	}
	return false
}

// Active reports whether the status holds a seat and counts toward the
// student's credit load.
func (s RegistrationStatus) Active() bool {
	return s == RegistrationStatusPending || s == RegistrationStatusApproved
}

// Registration links one student to one section within one term. Rows are
// never physically deleted; terminal rows are retained for history.
type Registration struct {
	ID        string             `db:"id" json:"id"`
	StudentID string             `db:"student_id" json:"student_id"`
	SectionID string             `db:"section_id" json:"section_id"`
	TermID    string             `db:"term_id" json:"term_id"`
	Status    RegistrationStatus `db:"status" json:"status"`

	// ConflictFlagged marks an advisory student timetable overlap. The
	// registration still stands; a human resolves the overlap.
	ConflictFlagged bool `db:"conflict_flagged" json:"conflict_flagged"`

	// Teacher-initiated rejection request awaiting an admin decision. Only
	// meaningful while Status is PENDING.
	RejectionRequested    bool    `db:"rejection_requested" json:"rejection_requested"`
	RejectionRequestReason *string `db:"rejection_request_reason" json:"rejection_request_reason,omitempty"`
	RejectionRequestedBy  *string `db:"rejection_requested_by" json:"rejection_requested_by,omitempty"`

	DecidedBy      *string    `db:"decided_by" json:"decided_by,omitempty"`
	DecisionReason *string    `db:"decision_reason" json:"decision_reason,omitempty"`
	DecidedAt      *time.Time `db:"decided_at" json:"decided_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// RegistrationDetail enriches Registration with contextual info.
type RegistrationDetail struct {
	Registration
	StudentName    string  `db:"student_name" json:"student_name"`
	SubjectID      string  `db:"subject_id" json:"subject_id"`
	SubjectName    string  `db:"subject_name" json:"subject_name"`
	SubjectCredits int     `db:"subject_credits" json:"subject_credits"`
	TeacherID      *string `db:"teacher_id" json:"teacher_id,omitempty"`
	TermName       string  `db:"term_name" json:"term_name"`
}

// RegistrationFilter provides filters for listing registrations.
type RegistrationFilter struct {
	StudentID string
	SectionID string
	TermID    string
	Status    RegistrationStatus
	Flagged   *bool
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// RegistrationSlot pairs an active registration with one weekly slot of its
// section, used for the advisory student timetable overlap check.
type RegistrationSlot struct {
	RegistrationID string `db:"registration_id" json:"registration_id"`
	SectionID      string `db:"section_id" json:"section_id"`
	Weekday        int    `db:"weekday" json:"weekday"`
	Period         int    `db:"period" json:"period"`
}

// Decision captures who finalised a transition and why.
type Decision struct {
	ActorID string
	Reason  string
	At      time.Time
}

// UnderloadedStudent reports a student below the term's minimum credits,
// produced by term-close reporting only.
type UnderloadedStudent struct {
	StudentID  string `db:"student_id" json:"student_id"`
	Credits    int    `db:"credits" json:"credits"`
	MinCredits int    `json:"min_credits"`
}
