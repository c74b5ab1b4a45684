// Package recurrence expands RRULE series into concrete occurrences for a bounded window.
package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// MaxOccurrences caps a single expansion
const MaxOccurrences = 5000

// ErrInvalidRule wraps rules the parser rejects
var ErrInvalidRule = errors.New("invalid recurrence rule")

// Occurrence is one concrete instance of a series
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// Window is an inclusive time range
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether [start, end] intersects the window
func (w Window) Overlaps(start, end time.Time) bool {
	return !start.After(w.End) && !end.Before(w.Start)
}

// Union returns the smallest window covering every input window
func Union(windows []Window) (Window, bool) {
	if len(windows) == 0 {
		return Window{}, false
	}
	u := windows[0]
	for _, w := range windows[1:] {
		if w.Start.Before(u.Start) {
			u.Start = w.Start
		}
		if w.End.After(u.End) {
			u.End = w.End
		}
	}
	return u, true
}

// Expand returns the occurrences of rule overlapping [windowStart, windowEnd].
// The series duration is kept for every occurrence. Occurrences are computed in
// seriesStart's location and returned in UTC, at most MaxOccurrences of them.
func Expand(rule string, seriesStart, seriesEnd, windowStart, windowEnd time.Time) ([]Occurrence, error) {
	return ExpandExcluding(rule, nil, seriesStart, seriesEnd, windowStart, windowEnd)
}

// ExpandExcluding is Expand without the occurrences starting at one of the excluded instants
func ExpandExcluding(rule string, excluded []time.Time, seriesStart, seriesEnd, windowStart, windowEnd time.Time) ([]Occurrence, error) {
	if windowEnd.Before(windowStart) {
		return nil, fmt.Errorf("window end %s is before start %s", windowEnd, windowStart)
	}

	opt, err := rrule.StrToROption(trimRulePrefix(rule))
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidRule, rule, err)
	}
	// Defaults such as the weekday of a bare WEEKLY rule derive from DTSTART
	opt.Dtstart = seriesStart
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidRule, rule, err)
	}

	set := &rrule.Set{}
	set.RRule(r)
	for _, ex := range excluded {
		set.ExDate(ex)
	}

	duration := seriesEnd.Sub(seriesStart)
	if duration < 0 {
		duration = 0
	}

	// Start the search one duration early so occurrences already running at windowStart are kept
	loc := seriesStart.Location()
	from := windowStart.Add(-duration).In(loc)
	to := windowEnd.In(loc)

	starts := set.Between(from, to, true)
	out := make([]Occurrence, 0, len(starts))
	for _, s := range starts {
		end := s.Add(duration)
		if end.Before(windowStart) {
			continue
		}
		out = append(out, Occurrence{Start: s.UTC(), End: end.UTC()})
		if len(out) == MaxOccurrences {
			break
		}
	}
	return out, nil
}

// Validate parses a rule without expanding it
func Validate(rule string) error {
	if _, err := rrule.StrToRRule(trimRulePrefix(rule)); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidRule, rule, err)
	}
	return nil
}

// ParseExDates returns the instants of the EXDATE lines among a series' recurrence lines.
// Dates without a zone are read in loc.
func ParseExDates(lines []string, loc *time.Location) ([]time.Time, error) {
	var exdates []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if len(line) >= 6 && strings.EqualFold(line[:6], "EXDATE") {
			exdates = append(exdates, line)
		}
	}
	if len(exdates) == 0 {
		return nil, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	set, err := rrule.StrSliceToRRuleSetInLoc(exdates, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid exclusion dates: %w", err)
	}
	out := make([]time.Time, 0, len(set.GetExDate()))
	for _, t := range set.GetExDate() {
		out = append(out, t.UTC())
	}
	return out, nil
}

func trimRulePrefix(rule string) string {
	rule = strings.TrimSpace(rule)
	if len(rule) >= 6 && strings.EqualFold(rule[:6], "RRULE:") {
		return rule[6:]
	}
	return rule
}
