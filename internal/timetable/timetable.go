// Package timetable provides pure calendar arithmetic for weekly recurring
// class sessions: weekday normalization, term-range expansion and week
// boundary computation. It has no dependencies on persistence or transport.
package timetable

import (
	"fmt"
	"strings"
	"time"
)

// Weekday identifies a day of the week using the institution's numbering:
// 2=Monday through 7=Saturday, 8=Sunday. Day 1 is unused. The numbering is
// fixed here and converted at the boundary; nothing else in the codebase may
// assume a different scheme.
type Weekday int

const (
	Monday    Weekday = 2
	Tuesday   Weekday = 3
	Wednesday Weekday = 4
	Thursday  Weekday = 5
	Friday    Weekday = 6
	Saturday  Weekday = 7
	Sunday    Weekday = 8
)

var weekdayNames = map[Weekday]string{
	Monday:    "MONDAY",
	Tuesday:   "TUESDAY",
	Wednesday: "WEDNESDAY",
	Thursday:  "THURSDAY",
	Friday:    "FRIDAY",
	Saturday:  "SATURDAY",
	Sunday:    "SUNDAY",
}

// Valid reports whether the weekday falls in the supported 2..8 range.
func (w Weekday) Valid() bool {
	return w >= Monday && w <= Sunday
}

// String returns the upper-case English name.
func (w Weekday) String() string {
	if name, ok := weekdayNames[w]; ok {
		return name
	}
	return fmt.Sprintf("WEEKDAY(%d)", int(w))
}

// Time converts to the standard library's numbering (Sunday=0).
func (w Weekday) Time() time.Weekday {
	if w == Sunday {
		return time.Sunday
	}
	return time.Weekday(int(w) - 1)
}

// FromTime converts from the standard library's numbering.
func FromTime(d time.Weekday) Weekday {
	if d == time.Sunday {
		return Sunday
	}
	return Weekday(int(d) + 1)
}

// ParseWeekday accepts either the numeric code or an English day name.
func ParseWeekday(raw string) (Weekday, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	for day, name := range weekdayNames {
		if name == trimmed {
			return day, nil
		}
	}
	var n int
	if _, err := fmt.Sscanf(trimmed, "%d", &n); err == nil {
		day := Weekday(n)
		if day.Valid() {
			return day, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", raw)
}

// Midnight truncates a time to midnight UTC.
func Midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ExpandWeekly returns every calendar date on which a weekly session falls
// inside [start, end], both inclusive and normalized to midnight UTC. The
// result is ordered, duplicate free and spaced exactly seven days apart,
// beginning at the first occurrence of day on or after start.
func ExpandWeekly(start, end time.Time, day Weekday) []time.Time {
	if !day.Valid() {
		return nil
	}
	start = Midnight(start)
	end = Midnight(end)
	if end.Before(start) {
		return nil
	}

	first := start
	offset := (int(day.Time()) - int(first.Weekday()) + 7) % 7
	first = first.AddDate(0, 0, offset)

	var dates []time.Time
	for d := first; !d.After(end); d = d.AddDate(0, 0, 7) {
		dates = append(dates, d)
	}
	return dates
}

// WeekBounds returns the Monday and Sunday of the week containing date, both
// at midnight UTC.
func WeekBounds(date time.Time) (monday, sunday time.Time) {
	date = Midnight(date)
	back := (int(date.Weekday()) - int(time.Monday) + 7) % 7
	monday = date.AddDate(0, 0, -back)
	sunday = monday.AddDate(0, 0, 6)
	return monday, sunday
}

// WeekNumber returns the 1-based week index of date relative to the week
// containing start. Dates before start's week return 0.
func WeekNumber(start, date time.Time) int {
	startMonday, _ := WeekBounds(start)
	dateMonday, _ := WeekBounds(date)
	if dateMonday.Before(startMonday) {
		return 0
	}
	return int(dateMonday.Sub(startMonday).Hours()/(24*7)) + 1
}
