package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/belphemur/calsync/internal/agenda"
	"github.com/belphemur/calsync/internal/calendar"
	"github.com/belphemur/calsync/internal/constants"
	"github.com/belphemur/calsync/internal/database"
	"github.com/belphemur/calsync/internal/recurrence"
)

// MockAgenda is a mock implementation of Agenda
type MockAgenda struct {
	mock.Mock
}

func (m *MockAgenda) ListCalendars(ctx context.Context, accountID string) ([]database.Calendar, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.Calendar), args.Error(1)
}

func (m *MockAgenda) ListEvents(ctx context.Context, accountID string, windows []recurrence.Window) ([]agenda.Occurrence, error) {
	args := m.Called(ctx, accountID, windows)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]agenda.Occurrence), args.Error(1)
}

func (m *MockAgenda) CreateEvent(ctx context.Context, accountID, calendarID string, draft calendar.EventDraft) (*database.Event, error) {
	args := m.Called(ctx, accountID, calendarID, draft)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.Event), args.Error(1)
}

func (m *MockAgenda) DeleteEvent(ctx context.Context, accountID, calendarID, providerEventID string) error {
	args := m.Called(ctx, accountID, calendarID, providerEventID)
	return args.Error(0)
}

func (m *MockAgenda) ExportICS(ctx context.Context, calendarID string, w io.Writer) error {
	args := m.Called(ctx, calendarID, w)
	return args.Error(0)
}

func newCalendarMux(a Agenda) *http.ServeMux {
	mux := http.NewServeMux()
	NewCalendarHandler(NewBaseHandler(), a).RegisterRoutes(mux)
	return mux
}

func dayWindow(t *testing.T, date string) recurrence.Window {
	t.Helper()
	d, err := time.Parse(dateLayout, date)
	require.NoError(t, err)
	w, err := agenda.WindowFor(agenda.RangeDay, d)
	require.NoError(t, err)
	return w
}

func TestCalendarHandler_ListEvents(t *testing.T) {
	a := new(MockAgenda)
	windows := []recurrence.Window{dayWindow(t, "2025-01-02"), dayWindow(t, "2025-01-08")}
	start := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)
	a.On("ListEvents", mock.Anything, "acc-1", windows).Return([]agenda.Occurrence{
		{EventID: "e1", Title: "Standup", Start: start, End: start.Add(15 * time.Minute)},
	}, nil)
	mux := newCalendarMux(a)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/events?account_id=acc-1&range=day&date=2025-01-02&date=2025-01-08", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var list EventListResponse
	resp := decodeResponse(t, w, &list)
	assert.True(t, resp.Success)
	require.Len(t, list.Events, 1)
	assert.Equal(t, "Standup", list.Events[0].Title)
	assert.Len(t, list.Windows, 2)
	a.AssertExpectations(t)
}

func TestCalendarHandler_ListEventsValidation(t *testing.T) {
	tests := []struct {
		name         string
		query        string
		expectedCode int
		expectedErr  string
	}{
		{"Missing account", "range=day", http.StatusBadRequest, ErrCodeMissingAccount},
		{"Invalid range", "account_id=acc-1&range=year", http.StatusBadRequest, ErrCodeInvalidRange},
		{"Invalid date", "account_id=acc-1&date=01/02/2025", http.StatusBadRequest, ErrCodeInvalidDate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := new(MockAgenda)
			w := httptest.NewRecorder()
			newCalendarMux(a).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/events?"+tt.query, nil))

			assert.Equal(t, tt.expectedCode, w.Code)
			assert.Equal(t, tt.expectedErr, decodeResponse(t, w, nil).ErrorCode)
			a.AssertNotCalled(t, "ListEvents", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestCalendarHandler_ListEventsUnknownAccount(t *testing.T) {
	a := new(MockAgenda)
	a.On("ListEvents", mock.Anything, "nobody", mock.Anything).Return(nil, fmt.Errorf("failed to resolve account nobody: %w", database.ErrNotFound))

	w := httptest.NewRecorder()
	newCalendarMux(a).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/events?account_id=nobody", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCalendarHandler_CreateEvent(t *testing.T) {
	start := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	draft := calendar.EventDraft{
		Title:     "Review",
		Start:     start,
		End:       start.Add(time.Hour),
		Attendees: []calendar.Attendee{{Name: "Ann", Email: "ann@example.com"}},
	}

	tests := []struct {
		name         string
		body         string
		setupMock    func(*MockAgenda)
		expectedCode int
		expectedErr  string
	}{
		{
			name: "Created",
			body: `{"account_id":"acc-1","calendar_id":"cal-1","title":"Review","start":"2025-03-03T10:00:00Z","end":"2025-03-03T11:00:00Z","attendees":[{"name":"Ann","email":"ann@example.com"}]}`,
			setupMock: func(m *MockAgenda) {
				m.On("CreateEvent", mock.Anything, "acc-1", "cal-1", draft).Return(&database.Event{
					ID: "local-1", CalendarID: "cal-1", ProviderEventID: "created-1", Title: "Review",
					Start: start, End: start.Add(time.Hour), Status: constants.EventConfirmed,
				}, nil)
			},
			expectedCode: http.StatusCreated,
		},
		{
			name: "Rejected draft",
			body: `{"account_id":"acc-1","calendar_id":"cal-1","title":"Review","start":"2025-03-03T10:00:00Z","end":"2025-03-03T11:00:00Z","attendees":[{"name":"Ann","email":"ann@example.com"}]}`,
			setupMock: func(m *MockAgenda) {
				m.On("CreateEvent", mock.Anything, "acc-1", "cal-1", draft).Return(nil, fmt.Errorf("%w: end is before start", agenda.ErrInvalidDraft))
			},
			expectedCode: http.StatusBadRequest,
			expectedErr:  ErrCodeInvalidEvent,
		},
		{
			name: "Provider failure",
			body: `{"account_id":"acc-1","calendar_id":"cal-1","title":"Review","start":"2025-03-03T10:00:00Z","end":"2025-03-03T11:00:00Z","attendees":[{"name":"Ann","email":"ann@example.com"}]}`,
			setupMock: func(m *MockAgenda) {
				m.On("CreateEvent", mock.Anything, "acc-1", "cal-1", draft).Return(nil, fmt.Errorf("failed to create event: quota"))
			},
			expectedCode: http.StatusBadGateway,
			expectedErr:  ErrCodeProviderError,
		},
		{
			name:         "Missing calendar",
			body:         `{"account_id":"acc-1","title":"Review"}`,
			setupMock:    func(*MockAgenda) {},
			expectedCode: http.StatusBadRequest,
			expectedErr:  ErrCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := new(MockAgenda)
			tt.setupMock(a)

			w := httptest.NewRecorder()
			newCalendarMux(a).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(tt.body)))

			assert.Equal(t, tt.expectedCode, w.Code)
			var ev EventView
			resp := decodeResponse(t, w, &ev)
			assert.Equal(t, tt.expectedErr, resp.ErrorCode)
			if tt.expectedCode == http.StatusCreated {
				assert.Equal(t, "created-1", ev.ProviderEventID)
				assert.Equal(t, "confirmed", ev.Status)
			}
			a.AssertExpectations(t)
		})
	}
}

func TestCalendarHandler_DeleteEvent(t *testing.T) {
	a := new(MockAgenda)
	a.On("DeleteEvent", mock.Anything, "acc-1", "cal-1", "evt-1").Return(nil)
	a.On("DeleteEvent", mock.Anything, "acc-1", "cal-x", "evt-1").Return(database.ErrNotFound)
	mux := newCalendarMux(a)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/events?account_id=acc-1&calendar_id=cal-1&event_id=evt-1", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/events?account_id=acc-1&calendar_id=cal-x&event_id=evt-1", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/events?account_id=acc-1&calendar_id=cal-1", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	a.AssertExpectations(t)
}

func TestCalendarHandler_Feed(t *testing.T) {
	const feed = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nEND:VCALENDAR\r\n"
	a := new(MockAgenda)
	a.On("ExportICS", mock.Anything, "cal-1", mock.Anything).
		Run(func(args mock.Arguments) {
			_, _ = io.WriteString(args.Get(2).(io.Writer), feed)
		}).
		Return(nil)
	a.On("ExportICS", mock.Anything, "missing", mock.Anything).Return(database.ErrNotFound)
	mux := newCalendarMux(a)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/calendars/cal-1/feed.ics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/calendar; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, feed, w.Body.String())
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/api/calendars/cal-1/feed.ics", nil)
	req.Header.Set("If-None-Match", etag)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotModified, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/calendars/missing/feed.ics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCalendarHandler_ListCalendars(t *testing.T) {
	a := new(MockAgenda)
	a.On("ListCalendars", mock.Anything, "acc-1").Return([]database.Calendar{
		{ID: "cal-1", ProviderCalendarID: "primary", Name: "Main"},
	}, nil)

	w := httptest.NewRecorder()
	newCalendarMux(a).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/calendars?account_id=acc-1", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var cals []CalendarView
	decodeResponse(t, w, &cals)
	require.Len(t, cals, 1)
	assert.Equal(t, "primary", cals[0].ProviderCalendarID)
}
