package database

import (
	"time"

	"github.com/belphemur/calsync/internal/constants"
)

// Provider is the registration binding an account to one provider type
type Provider struct {
	ID            string
	AccountID     string
	Type          constants.ProviderType
	Name          string
	SyncToken     string // account-level cursor, empty when absent
	Status        constants.IntegrationStatus
	StatusMessage string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Calendar is one remote calendar mirrored locally
type Calendar struct {
	ID                 string
	ProviderID         string
	ProviderCalendarID string
	Name               string
	Color              string
	AccessRole         string
	SyncToken          string // calendar-level cursor, empty when absent
	Metadata           []byte // opaque provider payload
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Event is one stored calendar entry. Start and End are inclusive UTC instants.
type Event struct {
	ID               string
	CalendarID       string
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
	Status           constants.EventStatus
	RawData          []byte
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Attendees        []Attendee
}

// Attendee belongs to exactly one event
type Attendee struct {
	Name   string
	Email  string
	Status string
}

// Watch is one provider push channel
type Watch struct {
	ID         string
	ChannelID  string
	ResourceID string
	CalendarID string
	ProviderID string
	Expiration time.Time
	DeletedAt  *time.Time
	CreatedAt  time.Time
}

// IsActive reports whether the watch is neither torn down nor expired at now
func (w Watch) IsActive(now time.Time) bool {
	return w.DeletedAt == nil && w.Expiration.After(now)
}
