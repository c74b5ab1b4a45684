package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/belphemur/calsync/internal/constants"
)

// EventStore is the read side of stored events. Writes go through the reconciler.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates a new event store
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db.Conn()}
}

// EventColumns is the column list matching ScanEvent
const EventColumns = `id, calendar_id, provider_event_id, title, description, location, start_ms, end_ms, all_day,
time_zone, recurring_rule, recurring_event_id, status, raw_data, created_at, updated_at`

// ScanEvent reads one row selected with EventColumns
func ScanEvent(row interface{ Scan(...any) error }) (*Event, error) {
	var e Event
	var startMs, endMs, createdAt, updatedAt int64
	var status string
	if err := row.Scan(&e.ID, &e.CalendarID, &e.ProviderEventID, &e.Title, &e.Description, &e.Location,
		&startMs, &endMs, &e.AllDay, &e.TimeZone, &e.RecurringRule, &e.RecurringEventID, &status,
		&e.RawData, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.Start = FromMillis(startMs)
	e.End = FromMillis(endMs)
	e.Status = constants.EventStatus(status)
	e.CreatedAt = FromMillis(createdAt)
	e.UpdatedAt = FromMillis(updatedAt)
	return &e, nil
}

// Placeholders returns "?, ?, ?" for n arguments
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func (s *EventStore) list(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := ScanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachAttendees(ctx, events); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *EventStore) attachAttendees(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	index := make(map[string]int, len(events))
	ids := make([]string, len(events))
	for i, e := range events {
		index[e.ID] = i
		ids[i] = e.ID
	}

	rows, err := s.db.QueryContext(ctx, `SELECT event_id, name, email, status FROM event_attendees
WHERE event_id IN (`+Placeholders(len(ids))+`) ORDER BY id`, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("failed to query attendees: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventID string
		var a Attendee
		if err := rows.Scan(&eventID, &a.Name, &a.Email, &a.Status); err != nil {
			return fmt.Errorf("failed to scan attendee: %w", err)
		}
		i := index[eventID]
		events[i].Attendees = append(events[i].Attendees, a)
	}
	return rows.Err()
}

// Get returns an event with its attendees by natural key or ErrNotFound
func (s *EventStore) Get(ctx context.Context, calendarID, providerEventID string) (*Event, error) {
	events, err := s.list(ctx, `SELECT `+EventColumns+` FROM events WHERE calendar_id = ? AND provider_event_id = ?`,
		calendarID, providerEventID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return &events[0], nil
}

// ListByCalendar returns every stored event of a calendar ordered by start
func (s *EventStore) ListByCalendar(ctx context.Context, calendarID string) ([]Event, error) {
	return s.list(ctx, `SELECT `+EventColumns+` FROM events WHERE calendar_id = ? ORDER BY start_ms, id`, calendarID)
}

// ListSingleInRange returns non-recurring events overlapping [start, end]
func (s *EventStore) ListSingleInRange(ctx context.Context, calendarIDs []string, start, end time.Time) ([]Event, error) {
	if len(calendarIDs) == 0 {
		return nil, nil
	}
	args := append(stringArgs(calendarIDs), ToMillis(end), ToMillis(start))
	return s.list(ctx, `SELECT `+EventColumns+` FROM events
WHERE calendar_id IN (`+Placeholders(len(calendarIDs))+`) AND recurring_rule = ''
AND start_ms <= ? AND end_ms >= ? ORDER BY start_ms, id`, args...)
}

// ListSeriesStartingBefore returns recurring series whose first occurrence starts at or before end
func (s *EventStore) ListSeriesStartingBefore(ctx context.Context, calendarIDs []string, end time.Time) ([]Event, error) {
	if len(calendarIDs) == 0 {
		return nil, nil
	}
	args := append(stringArgs(calendarIDs), ToMillis(end))
	return s.list(ctx, `SELECT `+EventColumns+` FROM events
WHERE calendar_id IN (`+Placeholders(len(calendarIDs))+`) AND recurring_rule != ''
AND start_ms <= ? ORDER BY start_ms, id`, args...)
}

// Exclusion sources
const (
	ExclusionExDate     = "exdate"     // listed in the series' recurrence
	ExclusionCancelled  = "cancelled"  // a cancelled instance of the series
	ExclusionOverridden = "overridden" // a modified instance stored as its own event
)

// ListExclusions returns the excluded instance starts of each series, keyed by local event id
func (s *EventStore) ListExclusions(ctx context.Context, eventIDs []string) (map[string][]time.Time, error) {
	out := make(map[string][]time.Time)
	if len(eventIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT event_id, start_ms FROM event_exclusions
WHERE event_id IN (`+Placeholders(len(eventIDs))+`) ORDER BY event_id, start_ms`, stringArgs(eventIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list exclusions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var startMs int64
		if err := rows.Scan(&id, &startMs); err != nil {
			return nil, fmt.Errorf("failed to scan exclusion: %w", err)
		}
		out[id] = append(out[id], FromMillis(startMs))
	}
	return out, rows.Err()
}
