// Package calendartest provides a scripted calendar.Provider that records every call
package calendartest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/belphemur/calsync/internal/calendar"
	"github.com/belphemur/calsync/internal/constants"
)

// Op is one recorded provider call
type Op struct {
	Kind        string // list-calendars, fetch-events, create-watch, stop-watch, insert-event, delete-event
	CalendarID  string
	ChannelID   string
	EventID     string
	Cursor      string
	PageToken   string
	WindowStart time.Time
}

// Provider serves scripted pages. Page tokens are generated ("page-N"); the sync
// token of the configured last page is the only one handed out.
type Provider struct {
	mu sync.Mutex

	CalendarPages []calendar.CalendarPage
	EventPages    map[string][]calendar.EventPage
	ListErr       error
	FetchErr      map[string]error
	WatchErr      map[string]error
	StopErr       map[string]error
	InsertErr     error
	DeleteErr     error
	WatchTTL      time.Duration

	ops     []Op
	created int
}

// New returns an empty scripted provider
func New() *Provider {
	return &Provider{
		EventPages: make(map[string][]calendar.EventPage),
		FetchErr:   make(map[string]error),
		WatchErr:   make(map[string]error),
		StopErr:    make(map[string]error),
		WatchTTL:   7 * 24 * time.Hour,
	}
}

func (p *Provider) record(op Op) {
	p.ops = append(p.ops, op)
}

// Ops returns a copy of the call log
func (p *Provider) Ops() []Op {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Op(nil), p.ops...)
}

// OpsOf returns the calls of one kind
func (p *Provider) OpsOf(kind string) []Op {
	var out []Op
	for _, op := range p.Ops() {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}

// Reset clears the call log
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = nil
}

func pageIndex(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(token, "page-"))
	if err != nil {
		return 0, fmt.Errorf("unknown page token %q", token)
	}
	return n, nil
}

func (p *Provider) ListCalendars(_ context.Context, _ string, cursor, pageToken string) (*calendar.CalendarPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(Op{Kind: "list-calendars", Cursor: cursor, PageToken: pageToken})

	if p.ListErr != nil {
		return nil, p.ListErr
	}

	if len(p.CalendarPages) == 0 {
		return &calendar.CalendarPage{}, nil
	}
	i, err := pageIndex(pageToken)
	if err != nil || i >= len(p.CalendarPages) {
		return nil, fmt.Errorf("calendar list: bad page token %q", pageToken)
	}
	page := p.CalendarPages[i]
	if i < len(p.CalendarPages)-1 {
		page.NextPageToken = fmt.Sprintf("page-%d", i+1)
		page.NextSyncToken = ""
	}
	return &page, nil
}

func (p *Provider) FetchEvents(_ context.Context, _ string, providerCalendarID string, req calendar.FetchRequest) (*calendar.EventPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(Op{Kind: "fetch-events", CalendarID: providerCalendarID, Cursor: req.Cursor, PageToken: req.PageToken, WindowStart: req.WindowStart})

	if err := p.FetchErr[providerCalendarID]; err != nil {
		return nil, err
	}
	pages := p.EventPages[providerCalendarID]
	if len(pages) == 0 {
		return &calendar.EventPage{}, nil
	}
	i, err := pageIndex(req.PageToken)
	if err != nil || i >= len(pages) {
		return nil, fmt.Errorf("events: bad page token %q", req.PageToken)
	}
	page := pages[i]
	if i < len(pages)-1 {
		page.NextPageToken = fmt.Sprintf("page-%d", i+1)
		page.NextSyncToken = ""
	}
	return &page, nil
}

func (p *Provider) CreateWatch(_ context.Context, _ string, providerCalendarID string, req calendar.WatchRequest) (*calendar.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(Op{Kind: "create-watch", CalendarID: providerCalendarID, ChannelID: req.ChannelID})

	if err := p.WatchErr[providerCalendarID]; err != nil {
		return nil, err
	}
	return &calendar.Channel{
		ChannelID:  req.ChannelID,
		ResourceID: "res-" + providerCalendarID,
		Expiration: time.Now().UTC().Add(p.WatchTTL),
	}, nil
}

func (p *Provider) StopWatch(_ context.Context, _ string, channelID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(Op{Kind: "stop-watch", ChannelID: channelID})
	return p.StopErr[channelID]
}

func (p *Provider) InsertEvent(_ context.Context, _ string, providerCalendarID string, draft calendar.EventDraft) (*calendar.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(Op{Kind: "insert-event", CalendarID: providerCalendarID})

	if p.InsertErr != nil {
		return nil, p.InsertErr
	}
	p.created++
	return &calendar.Event{
		ProviderEventID: fmt.Sprintf("created-%d", p.created),
		Title:           draft.Title,
		Description:     draft.Description,
		Location:        draft.Location,
		Start:           draft.Start.UTC(),
		End:             draft.End.UTC(),
		AllDay:          draft.AllDay,
		TimeZone:        draft.TimeZone,
		RecurringRule:   draft.RecurringRule,
		Status:          constants.EventConfirmed,
		Attendees:       draft.Attendees,
	}, nil
}

func (p *Provider) DeleteEvent(_ context.Context, _ string, providerCalendarID, providerEventID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(Op{Kind: "delete-event", CalendarID: providerCalendarID, EventID: providerEventID})
	return p.DeleteErr
}

var _ calendar.Provider = (*Provider)(nil)
