package agenda

import (
	"fmt"
	"strings"
	"time"

	"github.com/belphemur/calsync/internal/recurrence"
)

// Range is the span of a display window
type Range string

const (
	RangeDay   Range = "day"
	RangeWeek  Range = "week"
	RangeMonth Range = "month"
)

// ParseRange parses a range name, defaulting to a day
func ParseRange(s string) (Range, error) {
	switch Range(strings.ToLower(strings.TrimSpace(s))) {
	case "", RangeDay:
		return RangeDay, nil
	case RangeWeek:
		return RangeWeek, nil
	case RangeMonth:
		return RangeMonth, nil
	default:
		return "", fmt.Errorf("invalid range %q: must be day, week or month", s)
	}
}

// WindowFor returns the UTC window of the given range containing date.
// Weeks start on Monday. The end is the last millisecond of the range.
func WindowFor(r Range, date time.Time) (recurrence.Window, error) {
	d := date.UTC()
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)

	var start, next time.Time
	switch r {
	case RangeDay:
		start = day
		next = start.AddDate(0, 0, 1)
	case RangeWeek:
		offset := (int(day.Weekday()) + 6) % 7
		start = day.AddDate(0, 0, -offset)
		next = start.AddDate(0, 0, 7)
	case RangeMonth:
		start = time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
		next = start.AddDate(0, 1, 0)
	default:
		return recurrence.Window{}, fmt.Errorf("invalid range %q", r)
	}
	return recurrence.Window{Start: start, End: next.Add(-time.Millisecond)}, nil
}
