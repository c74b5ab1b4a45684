// Package constants provides shared constants for the calsync application
package constants

import "fmt"

// AppIdentifier is attached to outbound provider requests and exported feeds
const AppIdentifier = "calsync"

// WebhookPath is the route providers post change notifications to
const WebhookPath = "/api/webhook/calendar"

// ProviderType identifies an external calendar provider
type ProviderType string

const (
	// ProviderGoogle is Google Calendar
	ProviderGoogle ProviderType = "google"
)

// IsValid checks if the provider type is supported
func (p ProviderType) IsValid() bool {
	return p == ProviderGoogle
}

// String returns the string representation of the provider type
func (p ProviderType) String() string {
	return string(p)
}

// ParseProviderType parses a string into a ProviderType.
// An empty string resolves to the default provider.
func ParseProviderType(s string) (ProviderType, error) {
	if s == "" {
		return ProviderGoogle, nil
	}
	p := ProviderType(s)
	if !p.IsValid() {
		return "", fmt.Errorf("invalid provider type: %s", s)
	}
	return p, nil
}
