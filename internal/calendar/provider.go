// Package calendar adapts external calendar providers to a normalized
// calendar and event shape with opaque sync cursors.
package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/belphemur/calsync/internal/constants"
)

var (
	// ErrCursorExpired is returned when the provider rejects a stale sync cursor
	ErrCursorExpired = errors.New("sync cursor expired")
	// ErrWatchUnsupported is returned when a resource cannot be watched
	ErrWatchUnsupported = errors.New("push notifications not supported for resource")
	// ErrMalformedEvent marks a provider event that cannot be normalized
	ErrMalformedEvent = errors.New("malformed event")
)

// Calendar is a provider calendar in normalized form
type Calendar struct {
	ProviderCalendarID string
	Name               string
	Color              string
	AccessRole         string
	Primary            bool
	Deleted            bool
	Metadata           json.RawMessage // opaque, never parsed by sync logic
}

// Attendee is a normalized event attendee
type Attendee struct {
	Name   string
	Email  string
	Status string
}

// Event is a provider event in normalized form. Start and End are inclusive UTC
// instants and are zero for cancelled events the provider sent without times.
type Event struct {
	ProviderEventID  string
	Title            string
	Description      string
	Location         string
	Start            time.Time
	End              time.Time
	AllDay           bool
	TimeZone         string
	RecurringRule    string
	RecurringEventID string
	// OriginalStart is the series slot an exception instance replaces
	OriginalStart    time.Time
	ExcludedStarts   []time.Time // EXDATE instants of a series, UTC
	Status           constants.EventStatus
	Attendees        []Attendee
	Raw              json.RawMessage // opaque, never parsed by sync logic
}

// Cancelled reports whether the event is a deletion rather than an upsert
func (e Event) Cancelled() bool {
	return e.Status == constants.EventCancelled
}

// CalendarPage is one page of the calendar list
type CalendarPage struct {
	Calendars     []Calendar
	NextPageToken string
	NextSyncToken string // only present on the final page
}

// EventPage is one page of an event listing
type EventPage struct {
	Events        []Event
	NextPageToken string
	NextSyncToken string // only present on the final page
	Skipped       int    // events dropped because they could not be normalized
}

// FetchRequest selects one page of events.
// PageToken wins over Cursor, and Cursor wins over WindowStart: the three are never combined.
type FetchRequest struct {
	Cursor      string
	PageToken   string
	WindowStart time.Time
}

// WatchRequest describes a push channel to open
type WatchRequest struct {
	ChannelID string
	Address   string
	TTL       time.Duration
}

// Channel is a confirmed push channel
type Channel struct {
	ChannelID  string
	ResourceID string
	Expiration time.Time
}

// EventDraft is a locally authored event pushed to the provider
type EventDraft struct {
	Title         string
	Description   string
	Location      string
	Start         time.Time
	End           time.Time // inclusive
	AllDay        bool
	TimeZone      string
	RecurringRule string
	Attendees     []Attendee
}

// Provider is the contract every calendar backend implements
type Provider interface {
	// ListCalendars returns one page of the account's calendar list.
	// cursor is only honoured when pageToken is empty.
	ListCalendars(ctx context.Context, accountID, cursor, pageToken string) (*CalendarPage, error)

	// FetchEvents returns one page of events for a calendar
	FetchEvents(ctx context.Context, accountID, providerCalendarID string, req FetchRequest) (*EventPage, error)

	// CreateWatch opens a push channel on a calendar's events
	CreateWatch(ctx context.Context, accountID, providerCalendarID string, req WatchRequest) (*Channel, error)

	// StopWatch closes a push channel
	StopWatch(ctx context.Context, accountID, channelID, resourceID string) error

	// InsertEvent creates an event and returns it normalized
	InsertEvent(ctx context.Context, accountID, providerCalendarID string, draft EventDraft) (*Event, error)

	// DeleteEvent removes an event
	DeleteEvent(ctx context.Context, accountID, providerCalendarID, providerEventID string) error
}
