// Package agenda is the read and local-edit path over mirrored calendars
package agenda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/belphemur/calsync/internal/calendar"
	"github.com/belphemur/calsync/internal/constants"
	"github.com/belphemur/calsync/internal/database"
	"github.com/belphemur/calsync/internal/logging"
	"github.com/belphemur/calsync/internal/reconcile"
	"github.com/belphemur/calsync/internal/recurrence"
)

// ErrInvalidDraft is returned for drafts the provider would reject
var ErrInvalidDraft = errors.New("invalid event")

// Occurrence is one event instance in a display window. Non-recurring events
// yield a single occurrence; series yield one per expanded instance.
type Occurrence struct {
	EventID          string                `json:"event_id"`
	CalendarID       string                `json:"calendar_id"`
	ProviderEventID  string                `json:"provider_event_id"`
	Title            string                `json:"title"`
	Description      string                `json:"description,omitempty"`
	Location         string                `json:"location,omitempty"`
	Start            time.Time             `json:"start"`
	End              time.Time             `json:"end"`
	AllDay           bool                  `json:"all_day"`
	TimeZone         string                `json:"time_zone,omitempty"`
	RecurringRule    string                `json:"recurring_rule,omitempty"`
	RecurringEventID string                `json:"recurring_event_id,omitempty"`
	Status           constants.EventStatus `json:"status"`
	Attendees        []database.Attendee   `json:"attendees,omitempty"`
}

func occurrenceOf(e database.Event, start, end time.Time) Occurrence {
	return Occurrence{
		EventID:          e.ID,
		CalendarID:       e.CalendarID,
		ProviderEventID:  e.ProviderEventID,
		Title:            e.Title,
		Description:      e.Description,
		Location:         e.Location,
		Start:            start,
		End:              end,
		AllDay:           e.AllDay,
		TimeZone:         e.TimeZone,
		RecurringRule:    e.RecurringRule,
		RecurringEventID: e.RecurringEventID,
		Status:           e.Status,
		Attendees:        e.Attendees,
	}
}

// Service answers event queries and pushes local edits to the provider
type Service struct {
	provider   calendar.Provider
	providers  *database.ProviderStore
	calendars  *database.CalendarStore
	events     *database.EventStore
	reconciler *reconcile.Reconciler
	logger     zerolog.Logger
}

// NewService creates the agenda service
func NewService(db *database.DB, provider calendar.Provider) *Service {
	return &Service{
		provider:   provider,
		providers:  database.NewProviderStore(db),
		calendars:  database.NewCalendarStore(db),
		events:     database.NewEventStore(db),
		reconciler: reconcile.New(db),
		logger:     logging.GetLogger("agenda"),
	}
}

// ListEvents returns the account's events for the requested windows.
// Single events are kept when they overlap any window. Each series is expanded
// once against the union of the windows and its occurrences are returned as is.
func (s *Service) ListEvents(ctx context.Context, accountID string, windows []recurrence.Window) ([]Occurrence, error) {
	union, ok := recurrence.Union(windows)
	if !ok {
		return []Occurrence{}, nil
	}

	reg, err := s.providers.GetByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account %s: %w", accountID, err)
	}
	cals, err := s.calendars.ListByProvider(ctx, reg.ID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(cals))
	for i, c := range cals {
		ids[i] = c.ID
	}

	out := []Occurrence{}

	singles, err := s.events.ListSingleInRange(ctx, ids, union.Start, union.End)
	if err != nil {
		return nil, err
	}
	for _, e := range singles {
		for _, w := range windows {
			if w.Overlaps(e.Start, e.End) {
				out = append(out, occurrenceOf(e, e.Start, e.End))
				break
			}
		}
	}

	series, err := s.events.ListSeriesStartingBefore(ctx, ids, union.End)
	if err != nil {
		return nil, err
	}
	seriesIDs := make([]string, 0, len(series))
	for _, e := range series {
		seriesIDs = append(seriesIDs, e.ID)
	}
	excluded, err := s.events.ListExclusions(ctx, seriesIDs)
	if err != nil {
		return nil, err
	}
	for _, e := range series {
		start, end := e.Start, e.End
		if e.TimeZone != "" && !e.AllDay {
			// Expand in the series' own zone so wall-clock times survive DST changes.
			// All-day series stay in UTC to keep whole-day ranges.
			if loc, err := time.LoadLocation(e.TimeZone); err == nil {
				start, end = start.In(loc), end.In(loc)
			}
		}
		occs, err := recurrence.ExpandExcluding(e.RecurringRule, excluded[e.ID], start, end, union.Start, union.End)
		if err != nil {
			s.logger.Warn().Err(err).Str("event_id", e.ID).Str("rule", e.RecurringRule).Msg("Skipping series with invalid recurrence rule")
			continue
		}
		for _, o := range occs {
			out = append(out, occurrenceOf(e, o.Start, o.End))
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}

// calendarOf resolves a calendar and checks it belongs to the account
func (s *Service) calendarOf(ctx context.Context, accountID, calendarID string) (*database.Calendar, error) {
	reg, err := s.providers.GetByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account %s: %w", accountID, err)
	}
	cal, err := s.calendars.GetByID(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	if cal.ProviderID != reg.ID {
		return nil, fmt.Errorf("calendar %s: %w", calendarID, database.ErrNotFound)
	}
	return cal, nil
}

func validateDraft(d calendar.EventDraft) error {
	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidDraft)
	}
	if d.Start.IsZero() || d.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidDraft)
	}
	if d.End.Before(d.Start) {
		return fmt.Errorf("%w: end is before start", ErrInvalidDraft)
	}
	if d.RecurringRule != "" {
		if err := recurrence.Validate(d.RecurringRule); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDraft, err)
		}
	}
	if d.TimeZone != "" {
		if _, err := time.LoadLocation(d.TimeZone); err != nil {
			return fmt.Errorf("%w: unknown time zone %q", ErrInvalidDraft, d.TimeZone)
		}
	}
	return nil
}

// CreateEvent pushes a new event to the provider and stores what the provider returned
func (s *Service) CreateEvent(ctx context.Context, accountID, calendarID string, draft calendar.EventDraft) (*database.Event, error) {
	if err := validateDraft(draft); err != nil {
		return nil, err
	}
	cal, err := s.calendarOf(ctx, accountID, calendarID)
	if err != nil {
		return nil, err
	}

	created, err := s.provider.InsertEvent(ctx, accountID, cal.ProviderCalendarID, draft)
	if err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}
	if _, err := s.reconciler.UpsertEvents(ctx, cal.ID, []calendar.Event{*created}); err != nil {
		return nil, fmt.Errorf("failed to store created event: %w", err)
	}
	s.logger.Info().Str("calendar_id", cal.ID).Str("provider_event_id", created.ProviderEventID).Msg("Event created")
	return s.events.Get(ctx, cal.ID, created.ProviderEventID)
}

// DeleteEvent removes an event at the provider, then locally. An event the provider
// already forgot is still removed locally.
func (s *Service) DeleteEvent(ctx context.Context, accountID, calendarID, providerEventID string) error {
	cal, err := s.calendarOf(ctx, accountID, calendarID)
	if err != nil {
		return err
	}
	if err := s.provider.DeleteEvent(ctx, accountID, cal.ProviderCalendarID, providerEventID); err != nil && !calendar.IsNotFound(err) {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	n, err := s.reconciler.DeleteEvents(ctx, cal.ID, []string{providerEventID})
	if err != nil {
		return err
	}
	s.logger.Info().Str("calendar_id", cal.ID).Str("provider_event_id", providerEventID).Int("deleted", n).Msg("Event deleted")
	return nil
}

// ListCalendars returns the account's mirrored calendars
func (s *Service) ListCalendars(ctx context.Context, accountID string) ([]database.Calendar, error) {
	reg, err := s.providers.GetByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account %s: %w", accountID, err)
	}
	return s.calendars.ListByProvider(ctx, reg.ID)
}
