package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/belphemur/calsync/internal/logging"
)

const (
	calendarListPageSize = 250
	eventsPageSize       = 2500
)

// ClientSource yields an authenticated HTTP client for an account
type ClientSource interface {
	HTTPClient(ctx context.Context, accountID string) (*http.Client, error)
}

// GoogleProvider talks to the Google Calendar v3 API
type GoogleProvider struct {
	clients ClientSource
	opts    []option.ClientOption
	logger  zerolog.Logger
}

// NewGoogleProvider creates a provider. Extra options are appended to every service,
// which lets tests point the client at a local endpoint.
func NewGoogleProvider(clients ClientSource, opts ...option.ClientOption) *GoogleProvider {
	return &GoogleProvider{
		clients: clients,
		opts:    opts,
		logger:  logging.GetLogger("google-provider"),
	}
}

var _ Provider = (*GoogleProvider)(nil)

func (p *GoogleProvider) service(ctx context.Context, accountID string) (*gcal.Service, error) {
	client, err := p.clients.HTTPClient(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get client for account %s: %w", accountID, err)
	}
	opts := append([]option.ClientOption{option.WithHTTPClient(client)}, p.opts...)
	srv, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return srv, nil
}

// ListCalendars returns one page of the calendar list
func (p *GoogleProvider) ListCalendars(ctx context.Context, accountID, cursor, pageToken string) (*CalendarPage, error) {
	srv, err := p.service(ctx, accountID)
	if err != nil {
		return nil, err
	}

	call := srv.CalendarList.List().MaxResults(calendarListPageSize).Context(ctx)
	withCursor := false
	switch {
	case pageToken != "":
		call = call.PageToken(pageToken)
	case cursor != "":
		call = call.SyncToken(cursor)
		withCursor = true
	}

	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", classify(err, withCursor))
	}

	page := &CalendarPage{NextPageToken: resp.NextPageToken, NextSyncToken: resp.NextSyncToken}
	for _, entry := range resp.Items {
		if entry == nil {
			continue
		}
		page.Calendars = append(page.Calendars, normalizeCalendar(entry))
	}
	p.logger.Debug().Str("account_id", accountID).Int("calendars", len(page.Calendars)).Bool("has_next_page", page.NextPageToken != "").Msg("Fetched calendar list page")
	return page, nil
}

// FetchEvents returns one page of events. Recurring series come back unexpanded.
func (p *GoogleProvider) FetchEvents(ctx context.Context, accountID, providerCalendarID string, req FetchRequest) (*EventPage, error) {
	logger := p.logger.With().Str("account_id", accountID).Str("provider_calendar_id", providerCalendarID).Logger()
	srv, err := p.service(ctx, accountID)
	if err != nil {
		return nil, err
	}

	call := srv.Events.List(providerCalendarID).
		SingleEvents(false).
		MaxResults(eventsPageSize).
		Context(ctx)
	withCursor := false
	switch {
	case req.PageToken != "":
		call = call.PageToken(req.PageToken)
	case req.Cursor != "":
		call = call.SyncToken(req.Cursor)
		withCursor = true
	case !req.WindowStart.IsZero():
		call = call.TimeMin(req.WindowStart.UTC().Format(time.RFC3339))
	}

	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", classify(err, withCursor))
	}

	page := &EventPage{NextPageToken: resp.NextPageToken, NextSyncToken: resp.NextSyncToken}
	for _, item := range resp.Items {
		if item == nil {
			continue
		}
		ev, err := normalizeEvent(item)
		if err != nil {
			logger.Warn().Err(err).Str("provider_event_id", item.Id).Msg("Skipping event that cannot be normalized")
			page.Skipped++
			continue
		}
		page.Events = append(page.Events, ev)
	}
	logger.Debug().Int("events", len(page.Events)).Int("skipped", page.Skipped).Bool("has_next_page", page.NextPageToken != "").Msg("Fetched events page")
	return page, nil
}

// CreateWatch opens a web_hook channel on the calendar's events
func (p *GoogleProvider) CreateWatch(ctx context.Context, accountID, providerCalendarID string, req WatchRequest) (*Channel, error) {
	srv, err := p.service(ctx, accountID)
	if err != nil {
		return nil, err
	}

	channel := &gcal.Channel{
		Id:      req.ChannelID,
		Type:    "web_hook",
		Address: req.Address,
	}
	if req.TTL > 0 {
		channel.Params = map[string]string{"ttl": strconv.FormatInt(int64(req.TTL/time.Second), 10)}
	}

	created, err := srv.Events.Watch(providerCalendarID, channel).Context(ctx).Do()
	if err != nil {
		if IsWatchUnsupported(err) {
			return nil, errors.Join(ErrWatchUnsupported, err)
		}
		return nil, fmt.Errorf("failed to watch calendar %s: %w", providerCalendarID, err)
	}
	if created.ResourceId == "" || created.Expiration <= 0 {
		return nil, fmt.Errorf("watch response for calendar %s lacks resource id or expiration", providerCalendarID)
	}

	return &Channel{
		ChannelID:  created.Id,
		ResourceID: created.ResourceId,
		Expiration: time.UnixMilli(created.Expiration).UTC(),
	}, nil
}

// StopWatch closes a channel
func (p *GoogleProvider) StopWatch(ctx context.Context, accountID, channelID, resourceID string) error {
	srv, err := p.service(ctx, accountID)
	if err != nil {
		return err
	}
	if err := srv.Channels.Stop(&gcal.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to stop channel %s: %w", channelID, err)
	}
	return nil
}

// InsertEvent creates an event on the provider
func (p *GoogleProvider) InsertEvent(ctx context.Context, accountID, providerCalendarID string, draft EventDraft) (*Event, error) {
	srv, err := p.service(ctx, accountID)
	if err != nil {
		return nil, err
	}
	created, err := srv.Events.Insert(providerCalendarID, draftToGoogle(draft)).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	ev, err := normalizeEvent(created)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// DeleteEvent removes an event from the provider
func (p *GoogleProvider) DeleteEvent(ctx context.Context, accountID, providerCalendarID, providerEventID string) error {
	srv, err := p.service(ctx, accountID)
	if err != nil {
		return err
	}
	if err := srv.Events.Delete(providerCalendarID, providerEventID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to delete event %s: %w", providerEventID, err)
	}
	return nil
}
