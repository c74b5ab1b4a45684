// Package watch manages provider push channels: creation, replacement, renewal and teardown.
package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/belphemur/calsync/internal/calendar"
	"github.com/belphemur/calsync/internal/database"
	"github.com/belphemur/calsync/internal/logging"
)

// Options configures the channels the manager opens
type Options struct {
	// Address is the public webhook URL the provider calls
	Address string
	// TTL is the lease requested for new channels
	TTL time.Duration
	// RenewBefore is how long before expiration RenewExpiring replaces a channel
	RenewBefore time.Duration
}

// Manager keeps at most one active channel per calendar
type Manager struct {
	provider  calendar.Provider
	watches   *database.WatchStore
	providers *database.ProviderStore
	calendars *database.CalendarStore
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time
}

// NewManager creates a watch manager
func NewManager(db *database.DB, provider calendar.Provider, opts Options) *Manager {
	return &Manager{
		provider:  provider,
		watches:   database.NewWatchStore(db),
		providers: database.NewProviderStore(db),
		calendars: database.NewCalendarStore(db),
		opts:      opts,
		logger:    logging.GetLogger("watch"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EnsureWatch opens a fresh channel for a calendar and then retires the previous ones.
// The new channel is confirmed and recorded before any old channel is stopped, so the
// calendar is never left without an active channel. Errors for which
// calendar.IsWatchUnsupported holds mean the calendar cannot be watched at all.
func (m *Manager) EnsureWatch(ctx context.Context, accountID, providerCalendarID, calendarID, providerID string) (*database.Watch, error) {
	channelID := uuid.NewString()
	logger := m.logger.With().
		Str("account_id", accountID).
		Str("calendar_id", calendarID).
		Str("channel_id", channelID).
		Logger()

	ch, err := m.provider.CreateWatch(ctx, accountID, providerCalendarID, calendar.WatchRequest{
		ChannelID: channelID,
		Address:   m.opts.Address,
		TTL:       m.opts.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create watch for calendar %s: %w", providerCalendarID, err)
	}
	if ch.ResourceID == "" || ch.Expiration.IsZero() {
		return nil, fmt.Errorf("provider confirmed channel %s without resource id or expiration", channelID)
	}

	previous, err := m.watches.ListUndeletedFor(ctx, calendarID, providerID)
	if err != nil {
		m.stopQuietly(ctx, accountID, ch.ChannelID, ch.ResourceID, logger)
		return nil, err
	}

	created, err := m.watches.Insert(ctx, database.Watch{
		ChannelID:  ch.ChannelID,
		ResourceID: ch.ResourceID,
		CalendarID: calendarID,
		ProviderID: providerID,
		Expiration: ch.Expiration.UTC(),
		CreatedAt:  m.now(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record watch, stopping the new channel")
		m.stopQuietly(ctx, accountID, ch.ChannelID, ch.ResourceID, logger)
		return nil, err
	}
	logger.Info().Str("resource_id", ch.ResourceID).Time("expiration", ch.Expiration).Msg("Watch channel created")

	for _, old := range previous {
		if err := m.retire(ctx, accountID, old); err != nil {
			// The old channel keeps its row and simply expires; the new one is already live
			logger.Warn().Err(err).Str("old_channel_id", old.ChannelID).Msg("Failed to stop previous watch channel")
		}
	}
	return created, nil
}

// retire stops a channel at the provider and only then marks it deleted.
// A channel the provider no longer knows counts as stopped.
func (m *Manager) retire(ctx context.Context, accountID string, w database.Watch) error {
	if err := m.provider.StopWatch(ctx, accountID, w.ChannelID, w.ResourceID); err != nil && !calendar.IsNotFound(err) {
		return err
	}
	if err := m.watches.MarkDeleted(ctx, w.ID, m.now()); err != nil {
		return err
	}
	m.logger.Debug().Str("channel_id", w.ChannelID).Str("calendar_id", w.CalendarID).Msg("Watch channel retired")
	return nil
}

func (m *Manager) stopQuietly(ctx context.Context, accountID, channelID, resourceID string, logger zerolog.Logger) {
	if err := m.provider.StopWatch(ctx, accountID, channelID, resourceID); err != nil {
		logger.Error().Err(err).Msg("Failed to stop orphaned watch channel")
	}
}

// RenewExpiring replaces every active channel whose lease ends within RenewBefore.
// It returns how many calendars got a new channel.
func (m *Manager) RenewExpiring(ctx context.Context) (int, error) {
	now := m.now()
	expiring, err := m.watches.ListExpiringBefore(ctx, now, now.Add(m.opts.RenewBefore))
	if err != nil {
		return 0, err
	}
	if len(expiring) == 0 {
		m.logger.Debug().Msg("No watch channels due for renewal")
		return 0, nil
	}

	var result *multierror.Error
	renewed := 0
	seen := make(map[string]bool)
	for _, w := range expiring {
		key := w.ProviderID + "/" + w.CalendarID
		if seen[key] {
			continue
		}
		seen[key] = true

		accountID, pcid, err := m.resolve(ctx, w)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if _, err := m.EnsureWatch(ctx, accountID, pcid, w.CalendarID, w.ProviderID); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to renew watch %s: %w", w.ChannelID, err))
			continue
		}
		renewed++
	}

	m.logger.Info().Int("renewed", renewed).Int("due", len(seen)).Msg("Watch renewal sweep finished")
	return renewed, result.ErrorOrNil()
}

// StopAll tears down every active channel
func (m *Manager) StopAll(ctx context.Context) error {
	active, err := m.watches.ListActive(ctx, m.now())
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, w := range active {
		provider, err := m.providers.GetByID(ctx, w.ProviderID)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to resolve account of watch %s: %w", w.ChannelID, err))
			continue
		}
		if err := m.retire(ctx, provider.AccountID, w); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to stop watch %s: %w", w.ChannelID, err))
		}
	}

	m.logger.Info().Int("channels", len(active)).Msg("Stopped active watch channels")
	return result.ErrorOrNil()
}

func (m *Manager) resolve(ctx context.Context, w database.Watch) (string, string, error) {
	provider, err := m.providers.GetByID(ctx, w.ProviderID)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve provider of watch %s: %w", w.ChannelID, err)
	}
	cal, err := m.calendars.GetByID(ctx, w.CalendarID)
	if errors.Is(err, database.ErrNotFound) {
		return "", "", fmt.Errorf("calendar %s of watch %s no longer exists: %w", w.CalendarID, w.ChannelID, err)
	}
	if err != nil {
		return "", "", err
	}
	return provider.AccountID, cal.ProviderCalendarID, nil
}
