package constants

// IntegrationStatus is the observable sync state of a provider registration
type IntegrationStatus string

const (
	StatusIdle    IntegrationStatus = "idle"
	StatusSyncing IntegrationStatus = "syncing"
	StatusSynced  IntegrationStatus = "synced"
	StatusError   IntegrationStatus = "error"
)

// EventStatus mirrors the provider's event status enum
type EventStatus string

const (
	EventConfirmed EventStatus = "confirmed"
	EventTentative EventStatus = "tentative"
	EventCancelled EventStatus = "cancelled"
)

// ParseEventStatus maps a provider status string, defaulting to confirmed
func ParseEventStatus(s string) EventStatus {
	switch EventStatus(s) {
	case EventTentative:
		return EventTentative
	case EventCancelled:
		return EventCancelled
	default:
		return EventConfirmed
	}
}

// Resource states sent in push notification headers
const (
	ResourceStateSync      = "sync"
	ResourceStateExists    = "exists"
	ResourceStateNotExists = "not_exists"
)
