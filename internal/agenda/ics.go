package agenda

import (
	"context"
	"fmt"
	"io"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/belphemur/calsync/internal/constants"
	"github.com/belphemur/calsync/internal/database"
)

const productID = "-//calsync//calendar feed//EN"

// ExportICS writes a calendar's stored events as a VCALENDAR. Series keep their RRULE
// and are not expanded. The output only changes when the stored events do.
func (s *Service) ExportICS(ctx context.Context, calendarID string, w io.Writer) error {
	cal, err := s.calendars.GetByID(ctx, calendarID)
	if err != nil {
		return err
	}
	events, err := s.events.ListByCalendar(ctx, cal.ID)
	if err != nil {
		return err
	}
	var seriesIDs []string
	for _, e := range events {
		if e.RecurringRule != "" {
			seriesIDs = append(seriesIDs, e.ID)
		}
	}
	excluded, err := s.events.ListExclusions(ctx, seriesIDs)
	if err != nil {
		return err
	}

	feed := buildFeed(cal, events, excluded)
	if _, err := io.WriteString(w, feed.Serialize()); err != nil {
		return fmt.Errorf("failed to write calendar feed: %w", err)
	}
	s.logger.Debug().Str("calendar_id", cal.ID).Int("events", len(events)).Msg("Calendar feed exported")
	return nil
}

func buildFeed(cal *database.Calendar, events []database.Event, excluded map[string][]time.Time) *ics.Calendar {
	feed := ics.NewCalendar()
	feed.SetMethod(ics.MethodPublish)
	feed.SetProductId(productID)
	if cal.Name != "" {
		feed.SetXWRCalName(cal.Name)
	}

	for _, e := range events {
		ev := feed.AddEvent(e.ProviderEventID + "@" + cal.ProviderCalendarID)
		// Stamped with the last change so an unchanged calendar serializes identically
		ev.SetDtStampTime(e.UpdatedAt)
		ev.SetCreatedTime(e.CreatedAt)
		ev.SetModifiedAt(e.UpdatedAt)
		if e.AllDay {
			ev.SetAllDayStartAt(e.Start)
			// Stored ends are inclusive, DTEND of a date is exclusive
			ev.SetAllDayEndAt(e.End.Add(time.Millisecond))
		} else {
			ev.SetStartAt(e.Start)
			ev.SetEndAt(e.End)
		}
		ev.SetSummary(e.Title)
		if e.Description != "" {
			ev.SetDescription(e.Description)
		}
		if e.Location != "" {
			ev.SetLocation(e.Location)
		}
		if e.RecurringRule != "" {
			ev.AddRrule(trimRRulePrefix(e.RecurringRule))
			for _, ex := range excluded[e.ID] {
				if e.AllDay {
					ev.AddExdate(ex.UTC().Format("20060102"), ics.WithValue(string(ics.ValueDataTypeDate)))
				} else {
					ev.AddExdate(ex.UTC().Format("20060102T150405Z"))
				}
			}
		}
		ev.SetStatus(icsStatus(e.Status))
		for _, a := range e.Attendees {
			if a.Email == "" {
				continue
			}
			if a.Name != "" {
				ev.AddAttendee("mailto:"+a.Email, ics.WithCN(a.Name))
			} else {
				ev.AddAttendee("mailto:" + a.Email)
			}
		}
	}
	return feed
}

func icsStatus(s constants.EventStatus) ics.ObjectStatus {
	switch s {
	case constants.EventTentative:
		return ics.ObjectStatusTentative
	case constants.EventCancelled:
		return ics.ObjectStatusCancelled
	default:
		return ics.ObjectStatusConfirmed
	}
}

func trimRRulePrefix(rule string) string {
	if len(rule) >= 6 && (rule[:6] == "RRULE:" || rule[:6] == "rrule:") {
		return rule[6:]
	}
	return rule
}
