package timetable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestWeekdayConversions(t *testing.T) {
	assert.Equal(t, time.Monday, Monday.Time())
	assert.Equal(t, time.Saturday, Saturday.Time())
	assert.Equal(t, time.Sunday, Sunday.Time())

	for d := Monday; d <= Sunday; d++ {
		assert.Equal(t, d, FromTime(d.Time()), "round trip for %s", d)
	}
}

func TestParseWeekday(t *testing.T) {
	day, err := ParseWeekday("monday")
	require.NoError(t, err)
	assert.Equal(t, Monday, day)

	day, err = ParseWeekday("8")
	require.NoError(t, err)
	assert.Equal(t, Sunday, day)

	_, err = ParseWeekday("1")
	assert.Error(t, err)

	_, err = ParseWeekday("someday")
	assert.Error(t, err)
}

func TestExpandWeeklyFullTerm(t *testing.T) {
	// 2025-01-06 is a Monday; the range holds exactly 17 Mondays.
	start := date(2025, time.January, 6)
	end := date(2025, time.April, 28)

	dates := ExpandWeekly(start, end, Monday)
	require.Len(t, dates, 17)
	assert.Equal(t, start, dates[0])
	assert.Equal(t, end, dates[len(dates)-1])

	seen := make(map[time.Time]struct{}, len(dates))
	for i, d := range dates {
		assert.Equal(t, time.Monday, d.Weekday())
		assert.False(t, d.Before(start) || d.After(end), "date %s outside term", d)
		if i > 0 {
			assert.Equal(t, 7*24*time.Hour, d.Sub(dates[i-1]))
		}
		_, dup := seen[d]
		assert.False(t, dup, "duplicate date %s", d)
		seen[d] = struct{}{}
	}
}

func TestExpandWeeklyFirstOccurrenceAfterStart(t *testing.T) {
	// Term starts on a Monday; the first Friday falls four days later.
	dates := ExpandWeekly(date(2025, time.January, 6), date(2025, time.January, 31), Friday)
	require.Len(t, dates, 4)
	assert.Equal(t, date(2025, time.January, 10), dates[0])
}

func TestExpandWeeklyEdgeCases(t *testing.T) {
	assert.Nil(t, ExpandWeekly(date(2025, 2, 10), date(2025, 2, 1), Monday), "inverted range")
	assert.Nil(t, ExpandWeekly(date(2025, 2, 3), date(2025, 2, 9), Weekday(1)), "unused day code")

	// Single-day term that is the requested weekday.
	dates := ExpandWeekly(date(2025, time.January, 6), date(2025, time.January, 6), Monday)
	require.Len(t, dates, 1)

	// Single-day term that is not the requested weekday.
	assert.Empty(t, ExpandWeekly(date(2025, time.January, 6), date(2025, time.January, 6), Tuesday))
}

func TestExpandWeeklyNormalizesToMidnightUTC(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	start := time.Date(2025, time.January, 6, 15, 30, 0, 0, loc)
	dates := ExpandWeekly(start, start.AddDate(0, 0, 13), Monday)
	require.NotEmpty(t, dates)
	for _, d := range dates {
		h, m, s := d.Clock()
		assert.Zero(t, h+m+s)
		assert.Equal(t, time.UTC, d.Location())
	}
}

func TestWeekBounds(t *testing.T) {
	// 2025-01-08 is a Wednesday.
	monday, sunday := WeekBounds(date(2025, time.January, 8))
	assert.Equal(t, date(2025, time.January, 6), monday)
	assert.Equal(t, date(2025, time.January, 12), sunday)

	// Sunday belongs to the week started the previous Monday.
	monday, sunday = WeekBounds(date(2025, time.January, 12))
	assert.Equal(t, date(2025, time.January, 6), monday)
	assert.Equal(t, date(2025, time.January, 12), sunday)

	// Monday is its own week start.
	monday, _ = WeekBounds(date(2025, time.January, 6))
	assert.Equal(t, date(2025, time.January, 6), monday)
}

func TestWeekNumber(t *testing.T) {
	start := date(2025, time.January, 6)
	assert.Equal(t, 1, WeekNumber(start, start))
	assert.Equal(t, 1, WeekNumber(start, date(2025, time.January, 12)))
	assert.Equal(t, 2, WeekNumber(start, date(2025, time.January, 13)))
	assert.Equal(t, 17, WeekNumber(start, date(2025, time.April, 28)))
	assert.Equal(t, 0, WeekNumber(start, date(2024, time.December, 29)))
}
