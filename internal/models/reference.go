package models

import "time"

// Subject represents an academic subject carrying a credit value.
type Subject struct {
	ID        string    `db:"id" json:"id"`
	Code      string    `db:"code" json:"code"`
	Name      string    `db:"name" json:"name"`
	Credits   int       `db:"credits" json:"credits"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Classroom is reference data consumed for conflict keys only.
type Classroom struct {
	ID       string `db:"id" json:"id"`
	Code     string `db:"code" json:"code"`
	Capacity int    `db:"capacity" json:"capacity"`
}

// Teacher is reference data; the engine never mutates it.
type Teacher struct {
	ID       string `db:"id" json:"id"`
	FullName string `db:"full_name" json:"full_name"`
	Active   bool   `db:"active" json:"active"`
}

// Student is reference data; the engine never mutates it.
type Student struct {
	ID       string `db:"id" json:"id"`
	FullName string `db:"full_name" json:"full_name"`
	Active   bool   `db:"active" json:"active"`
}
