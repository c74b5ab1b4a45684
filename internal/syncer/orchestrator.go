// Package syncer mirrors a provider account into the local store as durable workflows.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/belphemur/calsync/internal/calendar"
	"github.com/belphemur/calsync/internal/constants"
	"github.com/belphemur/calsync/internal/database"
	"github.com/belphemur/calsync/internal/logging"
	"github.com/belphemur/calsync/internal/reconcile"
	"github.com/belphemur/calsync/internal/workflow"
)

// Request starts an account sync
type Request struct {
	AccountID     string                 `json:"account_id"`
	ProviderType  constants.ProviderType `json:"provider_type"`
	ForceFullSync bool                   `json:"force_full_sync"`
}

// IncrementalRequest starts a sync of one calendar from its stored cursor
type IncrementalRequest struct {
	AccountID    string                 `json:"account_id"`
	ProviderType constants.ProviderType `json:"provider_type"`
	CalendarID   string                 `json:"calendar_id"`
}

// Result is the outcome of a sync run. Per-calendar failures are listed in Errors
// instead of failing the run.
type Result struct {
	CalendarsSynced int      `json:"calendars_synced"`
	EventsCreated   int      `json:"events_created"`
	EventsUpdated   int      `json:"events_updated"`
	EventsDeleted   int      `json:"events_deleted"`
	Errors          []string `json:"errors"`
}

func (r *Result) add(c reconcile.Result) {
	r.EventsCreated += c.Created
	r.EventsUpdated += c.Updated
	r.EventsDeleted += c.Deleted
}

// WatchEnsurer opens push channels for calendars
type WatchEnsurer interface {
	EnsureWatch(ctx context.Context, accountID, providerCalendarID, calendarID, providerID string) (*database.Watch, error)
}

// Orchestrator holds the sync workflows' collaborators
type Orchestrator struct {
	provider       calendar.Provider
	providers      *database.ProviderStore
	calendars      *database.CalendarStore
	cursors        *database.CursorStore
	reconciler     *reconcile.Reconciler
	watches        WatchEnsurer
	lookbackMonths int
	logger         zerolog.Logger
	now            func() time.Time
}

// NewOrchestrator wires the sync workflows. watches may be nil to sync without push channels.
func NewOrchestrator(db *database.DB, provider calendar.Provider, watches WatchEnsurer, lookbackMonths int) *Orchestrator {
	if lookbackMonths <= 0 {
		lookbackMonths = 24
	}
	return &Orchestrator{
		provider:       provider,
		providers:      database.NewProviderStore(db),
		calendars:      database.NewCalendarStore(db),
		cursors:        database.NewCursorStore(db),
		reconciler:     reconcile.New(db),
		watches:        watches,
		lookbackMonths: lookbackMonths,
		logger:         logging.GetLogger("syncer"),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// providerError marks provider failures that retrying cannot fix
func providerError(err error) error {
	if err == nil || calendar.IsRetryable(err) {
		return err
	}
	return workflow.NonRetryable(err)
}

// RunSync mirrors the whole account: calendar list, watches, then every calendar's events.
// Only failures to resolve the registration or to read the calendar list fail the run.
func (o *Orchestrator) RunSync(ctx context.Context, wc *workflow.Context, req Request) (*Result, error) {
	logger := wc.Logger().With().Str("account_id", req.AccountID).Bool("force_full_sync", req.ForceFullSync).Logger()
	logger.Info().Msg("Starting account sync")

	reg, err := workflow.ExecuteActivity(ctx, wc, "provider/ensure", func(ctx context.Context) (database.Provider, error) {
		p, err := o.providers.Ensure(ctx, req.AccountID, req.ProviderType)
		if err != nil {
			return database.Provider{}, err
		}
		return *p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve provider registration: %w", err)
	}

	if err := o.setStatus(ctx, wc, "provider/status/syncing", reg.ID, constants.StatusSyncing, ""); err != nil {
		return nil, err
	}

	if req.ForceFullSync {
		if _, err := workflow.ExecuteActivity(ctx, wc, "cursors/reset", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, o.cursors.Reset(ctx, reg.ID)
		}); err != nil {
			return nil, o.fail(ctx, wc, reg.ID, fmt.Errorf("failed to reset cursors: %w", err))
		}
	}

	listed, err := o.listCalendars(ctx, wc, req.AccountID, reg.ID, logger)
	if err != nil {
		return nil, o.fail(ctx, wc, reg.ID, err)
	}

	result := &Result{Errors: []string{}}
	for _, pcid := range listed {
		calLogger := logger.With().Str("provider_calendar_id", pcid).Logger()
		prefix := "calendar/" + pcid

		cal, err := workflow.ExecuteActivity(ctx, wc, prefix+"/load", func(ctx context.Context) (database.Calendar, error) {
			c, err := o.calendars.GetByProviderCalendarID(ctx, reg.ID, pcid)
			if err != nil {
				return database.Calendar{}, err
			}
			return *c, nil
		})
		if err != nil {
			calLogger.Error().Err(err).Msg("Failed to load calendar")
			result.Errors = append(result.Errors, fmt.Sprintf("calendar %s: %v", pcid, err))
			continue
		}

		o.ensureWatch(ctx, wc, prefix, req.AccountID, cal, calLogger)

		counts, err := o.syncEvents(ctx, wc, prefix, req.AccountID, cal, calLogger)
		if err != nil {
			calLogger.Error().Err(err).Msg("Calendar sync failed")
			result.Errors = append(result.Errors, fmt.Sprintf("calendar %s: %v", pcid, err))
			continue
		}
		result.CalendarsSynced++
		result.add(counts)
	}

	msg := ""
	if len(result.Errors) > 0 {
		msg = fmt.Sprintf("%d calendar(s) failed", len(result.Errors))
	}
	if err := o.setStatus(ctx, wc, "provider/status/synced", reg.ID, constants.StatusSynced, msg); err != nil {
		return nil, err
	}

	logger.Info().
		Int("calendars_synced", result.CalendarsSynced).
		Int("events_created", result.EventsCreated).
		Int("events_updated", result.EventsUpdated).
		Int("events_deleted", result.EventsDeleted).
		Int("errors", len(result.Errors)).
		Msg("Account sync finished")
	return result, nil
}

// listCalendars pages through the calendar list, upserts what it returns and advances
// the account cursor. It returns the provider ids of every calendar to sync events for:
// the ones listed now followed by the ones already stored. An incremental list only
// reports changed calendars, stored ones still need their events synced.
func (o *Orchestrator) listCalendars(ctx context.Context, wc *workflow.Context, accountID, providerID string, logger zerolog.Logger) ([]string, error) {
	cursor, err := workflow.ExecuteActivity(ctx, wc, "calendar-list/cursor/load", func(ctx context.Context) (string, error) {
		return o.cursors.AccountCursor(ctx, providerID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read account cursor: %w", err)
	}

	var order []string
	seen := make(map[string]bool)
	skip := make(map[string]bool)
	pageToken := ""
	nextCursor := ""

	for page := 0; ; page++ {
		// The cursor only accompanies the first request of the sequence
		reqCursor := ""
		if page == 0 {
			reqCursor = cursor
		}
		token := pageToken
		listed, err := workflow.ExecuteActivity(ctx, wc, fmt.Sprintf("calendar-list/page/%d", page), func(ctx context.Context) (calendar.CalendarPage, error) {
			p, err := o.provider.ListCalendars(ctx, accountID, reqCursor, token)
			if err != nil {
				return calendar.CalendarPage{}, providerError(err)
			}
			return *p, nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list calendars: %w", err)
		}

		for _, c := range listed.Calendars {
			if c.Deleted {
				skip[c.ProviderCalendarID] = true
				continue
			}
			cal := c
			if string(cal.Metadata) == "null" {
				cal.Metadata = nil
			}
			if _, err := workflow.ExecuteActivity(ctx, wc, "calendar/"+c.ProviderCalendarID+"/upsert", func(ctx context.Context) (database.Calendar, error) {
				stored, err := o.calendars.Upsert(ctx, database.Calendar{
					ProviderID:         providerID,
					ProviderCalendarID: cal.ProviderCalendarID,
					Name:               cal.Name,
					Color:              cal.Color,
					AccessRole:         cal.AccessRole,
					Metadata:           cal.Metadata,
				})
				if err != nil {
					return database.Calendar{}, err
				}
				return *stored, nil
			}); err != nil {
				logger.Error().Err(err).Str("provider_calendar_id", c.ProviderCalendarID).Msg("Failed to store calendar")
				continue
			}
			if !seen[c.ProviderCalendarID] {
				seen[c.ProviderCalendarID] = true
				order = append(order, c.ProviderCalendarID)
			}
		}

		if listed.NextPageToken == "" {
			nextCursor = listed.NextSyncToken
			break
		}
		pageToken = listed.NextPageToken
	}

	switch {
	case nextCursor != "":
		if _, err := workflow.ExecuteActivity(ctx, wc, "calendar-list/cursor/save", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, o.cursors.SaveAccountCursor(ctx, providerID, nextCursor)
		}); err != nil {
			return nil, fmt.Errorf("failed to save account cursor: %w", err)
		}
	case cursor == "":
		logger.Warn().Msg("Full calendar list returned no sync cursor, the next sync rescans the list")
	}

	known, err := workflow.ExecuteActivity(ctx, wc, "calendar-list/stored", func(ctx context.Context) ([]string, error) {
		stored, err := o.calendars.ListByProvider(ctx, providerID)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(stored))
		for _, c := range stored {
			ids = append(ids, c.ProviderCalendarID)
		}
		return ids, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stored calendars: %w", err)
	}
	for _, pcid := range known {
		if !seen[pcid] && !skip[pcid] {
			seen[pcid] = true
			order = append(order, pcid)
		}
	}
	return order, nil
}

func (o *Orchestrator) ensureWatch(ctx context.Context, wc *workflow.Context, prefix, accountID string, cal database.Calendar, logger zerolog.Logger) {
	if o.watches == nil {
		return
	}
	w, err := workflow.ExecuteActivity(ctx, wc, prefix+"/watch", func(ctx context.Context) (database.Watch, error) {
		w, err := o.watches.EnsureWatch(ctx, accountID, cal.ProviderCalendarID, cal.ID, cal.ProviderID)
		if err != nil {
			return database.Watch{}, providerError(err)
		}
		return *w, nil
	})
	switch {
	case err == nil:
		logger.Debug().Str("channel_id", w.ChannelID).Time("expiration", w.Expiration).Msg("Watch in place")
	case calendar.IsWatchUnsupported(err):
		logger.Warn().Msg("Calendar does not support push notifications, syncing without a watch")
	default:
		logger.Warn().Err(err).Msg("Failed to set up watch, syncing without it")
	}
}

// syncEvents runs the event pagination loop of one calendar from its stored cursor,
// or from the lookback window when it has none, and records the final page's cursor.
func (o *Orchestrator) syncEvents(ctx context.Context, wc *workflow.Context, prefix, accountID string, cal database.Calendar, logger zerolog.Logger) (reconcile.Result, error) {
	var total reconcile.Result
	cursor, err := workflow.ExecuteActivity(ctx, wc, prefix+"/cursor/load", func(ctx context.Context) (string, error) {
		return o.cursors.CalendarCursor(ctx, cal.ID)
	})
	if err != nil {
		return total, fmt.Errorf("failed to read calendar cursor: %w", err)
	}
	windowStart := time.Time{}
	if cursor == "" {
		windowStart = o.now().AddDate(0, -o.lookbackMonths, 0)
		logger.Info().Time("window_start", windowStart).Msg("No calendar cursor, running full event sync")
	}

	type pageOutcome struct {
		NextPageToken string           `json:"next_page_token"`
		NextSyncToken string           `json:"next_sync_token"`
		Counts        reconcile.Result `json:"counts"`
		Skipped       int              `json:"skipped"`
	}

	pageToken := ""
	nextCursor := ""
	for page := 0; ; page++ {
		req := calendar.FetchRequest{PageToken: pageToken}
		if page == 0 {
			req.Cursor = cursor
			req.WindowStart = windowStart
		}

		// Fetch and apply share an activity: reapplying a page is idempotent
		out, err := workflow.ExecuteActivity(ctx, wc, fmt.Sprintf("%s/events/page/%d", prefix, page), func(ctx context.Context) (pageOutcome, error) {
			p, err := o.provider.FetchEvents(ctx, accountID, cal.ProviderCalendarID, req)
			if err != nil {
				return pageOutcome{}, providerError(err)
			}
			counts, err := o.reconciler.Apply(ctx, cal.ID, p.Events)
			if err != nil {
				return pageOutcome{}, err
			}
			return pageOutcome{
				NextPageToken: p.NextPageToken,
				NextSyncToken: p.NextSyncToken,
				Counts:        counts,
				Skipped:       p.Skipped,
			}, nil
		})
		if err != nil {
			if errors.Is(err, calendar.ErrCursorExpired) {
				return total, fmt.Errorf("sync cursor rejected, a forced full sync is required: %w", err)
			}
			return total, err
		}

		total.Add(out.Counts)
		if out.Skipped > 0 {
			logger.Warn().Int("skipped", out.Skipped).Int("page", page).Msg("Skipped malformed events")
		}
		if out.NextPageToken == "" {
			nextCursor = out.NextSyncToken
			break
		}
		pageToken = out.NextPageToken
	}

	if nextCursor == "" {
		logger.Warn().Msg("Event listing ended without a sync cursor")
		return total, nil
	}
	if _, err := workflow.ExecuteActivity(ctx, wc, prefix+"/cursor", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.cursors.SaveCalendarCursor(ctx, cal.ID, nextCursor)
	}); err != nil {
		return total, fmt.Errorf("failed to save calendar cursor: %w", err)
	}
	return total, nil
}

// RunIncremental syncs a single calendar from its stored cursor
func (o *Orchestrator) RunIncremental(ctx context.Context, wc *workflow.Context, req IncrementalRequest) (*Result, error) {
	logger := wc.Logger().With().Str("account_id", req.AccountID).Str("calendar_id", req.CalendarID).Logger()

	reg, err := workflow.ExecuteActivity(ctx, wc, "provider/lookup", func(ctx context.Context) (database.Provider, error) {
		p, err := o.providers.GetByAccount(ctx, req.AccountID)
		if err != nil {
			return database.Provider{}, workflow.NonRetryable(err)
		}
		return *p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve provider registration: %w", err)
	}

	cal, err := workflow.ExecuteActivity(ctx, wc, "calendar/load", func(ctx context.Context) (database.Calendar, error) {
		c, err := o.calendars.GetByID(ctx, req.CalendarID)
		if err != nil {
			return database.Calendar{}, workflow.NonRetryable(err)
		}
		if c.ProviderID != reg.ID {
			return database.Calendar{}, workflow.NonRetryable(fmt.Errorf("calendar %s does not belong to account %s", req.CalendarID, req.AccountID))
		}
		return *c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load calendar: %w", err)
	}

	result := &Result{Errors: []string{}}
	counts, err := o.syncEvents(ctx, wc, "calendar/"+cal.ProviderCalendarID, req.AccountID, cal, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Incremental calendar sync failed")
		result.Errors = append(result.Errors, fmt.Sprintf("calendar %s: %v", cal.ProviderCalendarID, err))
		return result, nil
	}
	result.CalendarsSynced = 1
	result.add(counts)

	logger.Info().Int("events_created", counts.Created).Int("events_updated", counts.Updated).Int("events_deleted", counts.Deleted).Msg("Incremental calendar sync finished")
	return result, nil
}

func (o *Orchestrator) setStatus(ctx context.Context, wc *workflow.Context, key, providerID string, status constants.IntegrationStatus, msg string) error {
	_, err := workflow.ExecuteActivity(ctx, wc, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.providers.SetStatus(ctx, providerID, status, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to set integration status %s: %w", status, err)
	}
	return nil
}

// fail records the error status and returns err
func (o *Orchestrator) fail(ctx context.Context, wc *workflow.Context, providerID string, err error) error {
	if statusErr := o.setStatus(ctx, wc, "provider/status/error", providerID, constants.StatusError, err.Error()); statusErr != nil {
		o.logger.Error().Err(statusErr).Msg("Failed to record sync failure")
	}
	return err
}
