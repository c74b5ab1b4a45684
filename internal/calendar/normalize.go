package calendar

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gcal "google.golang.org/api/calendar/v3"

	"github.com/belphemur/calsync/internal/constants"
	"github.com/belphemur/calsync/internal/recurrence"
)

const dateLayout = "2006-01-02"

// normalizeCalendar maps a calendar list entry
func normalizeCalendar(entry *gcal.CalendarListEntry) Calendar {
	name := entry.SummaryOverride
	if name == "" {
		name = entry.Summary
	}
	raw, _ := json.Marshal(entry)
	return Calendar{
		ProviderCalendarID: entry.Id,
		Name:               name,
		Color:              entry.BackgroundColor,
		AccessRole:         entry.AccessRole,
		Primary:            entry.Primary,
		Deleted:            entry.Deleted,
		Metadata:           raw,
	}
}

// normalizeEvent maps a provider event to the normalized shape.
// All-day ranges become inclusive: the exclusive end date loses one millisecond.
func normalizeEvent(ev *gcal.Event) (Event, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal raw event %s: %w", ev.Id, err)
	}

	out := Event{
		ProviderEventID:  ev.Id,
		Title:            ev.Summary,
		Description:      ev.Description,
		Location:         ev.Location,
		RecurringRule:    firstRRule(ev.Recurrence),
		RecurringEventID: ev.RecurringEventId,
		Status:           constants.ParseEventStatus(ev.Status),
		Raw:              raw,
	}
	for _, a := range ev.Attendees {
		if a == nil {
			continue
		}
		out.Attendees = append(out.Attendees, Attendee{Name: a.DisplayName, Email: a.Email, Status: a.ResponseStatus})
	}
	out.OriginalStart = originalStart(ev.OriginalStartTime)

	if out.Cancelled() {
		// Cancellations may arrive without times; only the id matters
		if start, end, allDay, tz, err := eventRange(ev.Start, ev.End); err == nil {
			out.Start, out.End, out.AllDay, out.TimeZone = start, end, allDay, tz
		}
		return out, nil
	}

	start, end, allDay, tz, err := eventRange(ev.Start, ev.End)
	if err != nil {
		return Event{}, fmt.Errorf("event %s: %w", ev.Id, err)
	}
	out.Start, out.End, out.AllDay, out.TimeZone = start, end, allDay, tz

	if out.RecurringRule != "" {
		loc := time.UTC
		if !allDay && tz != "" {
			if l, lerr := time.LoadLocation(tz); lerr == nil {
				loc = l
			}
		}
		// A malformed EXDATE line only loses the exclusion, never the series
		if excluded, exErr := recurrence.ParseExDates(ev.Recurrence, loc); exErr == nil {
			out.ExcludedStarts = excluded
		}
	}
	return out, nil
}

// originalStart reads the slot of an exception instance, zero when absent or unparsable
func originalStart(dt *gcal.EventDateTime) time.Time {
	if dt == nil {
		return time.Time{}
	}
	if dt.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, dt.DateTime); err == nil {
			return t.UTC()
		}
		return time.Time{}
	}
	if t, err := time.ParseInLocation(dateLayout, dt.Date, time.UTC); err == nil {
		return t
	}
	return time.Time{}
}

func eventRange(startDT, endDT *gcal.EventDateTime) (start, end time.Time, allDay bool, tz string, err error) {
	if startDT == nil || endDT == nil {
		return start, end, false, "", fmt.Errorf("%w: missing start or end", ErrMalformedEvent)
	}
	tz = startDT.TimeZone

	allDay = startDT.Date != "" && startDT.DateTime == ""
	if allDay {
		start, err = time.ParseInLocation(dateLayout, startDT.Date, time.UTC)
		if err != nil {
			return start, end, false, "", fmt.Errorf("%w: invalid start date %q", ErrMalformedEvent, startDT.Date)
		}
		endDate := endDT.Date
		if endDate == "" {
			// Some clients send a single-day all-day event without an end date
			endDate = start.AddDate(0, 0, 1).Format(dateLayout)
		}
		exclusiveEnd, perr := time.ParseInLocation(dateLayout, endDate, time.UTC)
		if perr != nil {
			return start, end, false, "", fmt.Errorf("%w: invalid end date %q", ErrMalformedEvent, endDT.Date)
		}
		end = exclusiveEnd.Add(-time.Millisecond)
		if end.Before(start) {
			end = start.AddDate(0, 0, 1).Add(-time.Millisecond)
		}
		return start, end, true, tz, nil
	}

	if startDT.DateTime == "" || endDT.DateTime == "" {
		return start, end, false, "", fmt.Errorf("%w: missing start or end time", ErrMalformedEvent)
	}
	start, err = time.Parse(time.RFC3339, startDT.DateTime)
	if err != nil {
		return start, end, false, "", fmt.Errorf("%w: invalid start %q", ErrMalformedEvent, startDT.DateTime)
	}
	end, err = time.Parse(time.RFC3339, endDT.DateTime)
	if err != nil {
		return start, end, false, "", fmt.Errorf("%w: invalid end %q", ErrMalformedEvent, endDT.DateTime)
	}
	return start.UTC(), end.UTC(), false, tz, nil
}

// firstRRule returns the first RRULE line. EXDATE lines travel in ExcludedStarts; RDATE lines are not carried.
func firstRRule(lines []string) string {
	for _, line := range lines {
		if strings.HasPrefix(strings.ToUpper(line), "RRULE:") {
			return line
		}
	}
	return ""
}

// draftToGoogle converts an inclusive-range draft to the provider's exclusive all-day convention
func draftToGoogle(d EventDraft) *gcal.Event {
	ev := &gcal.Event{
		Summary:     d.Title,
		Description: d.Description,
		Location:    d.Location,
	}
	if d.AllDay {
		startDay := d.Start.UTC().Truncate(24 * time.Hour)
		endDay := d.End.UTC().Truncate(24 * time.Hour).AddDate(0, 0, 1)
		ev.Start = &gcal.EventDateTime{Date: startDay.Format(dateLayout), TimeZone: d.TimeZone}
		ev.End = &gcal.EventDateTime{Date: endDay.Format(dateLayout), TimeZone: d.TimeZone}
	} else {
		ev.Start = &gcal.EventDateTime{DateTime: d.Start.Format(time.RFC3339), TimeZone: d.TimeZone}
		ev.End = &gcal.EventDateTime{DateTime: d.End.Format(time.RFC3339), TimeZone: d.TimeZone}
	}
	if d.RecurringRule != "" {
		rule := d.RecurringRule
		if !strings.HasPrefix(strings.ToUpper(rule), "RRULE:") {
			rule = "RRULE:" + rule
		}
		ev.Recurrence = []string{rule}
	}
	for _, a := range d.Attendees {
		ev.Attendees = append(ev.Attendees, &gcal.EventAttendee{DisplayName: a.Name, Email: a.Email, ResponseStatus: a.Status})
	}
	return ev
}
