package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/belphemur/calsync/internal/agenda"
	"github.com/belphemur/calsync/internal/calendar"
	"github.com/belphemur/calsync/internal/database"
	"github.com/belphemur/calsync/internal/logging"
	"github.com/belphemur/calsync/internal/recurrence"
)

const dateLayout = "2006-01-02"

// Agenda is the read and edit surface over mirrored calendars
type Agenda interface {
	ListCalendars(ctx context.Context, accountID string) ([]database.Calendar, error)
	ListEvents(ctx context.Context, accountID string, windows []recurrence.Window) ([]agenda.Occurrence, error)
	CreateEvent(ctx context.Context, accountID, calendarID string, draft calendar.EventDraft) (*database.Event, error)
	DeleteEvent(ctx context.Context, accountID, calendarID, providerEventID string) error
	ExportICS(ctx context.Context, calendarID string, w io.Writer) error
}

// CalendarHandler serves calendars, events and calendar feeds
type CalendarHandler struct {
	*BaseHandler
	Agenda Agenda
	logger zerolog.Logger
}

// NewCalendarHandler creates a new calendar handler
func NewCalendarHandler(baseHandler *BaseHandler, agenda Agenda) *CalendarHandler {
	return &CalendarHandler{
		BaseHandler: baseHandler,
		Agenda:      agenda,
		logger:      logging.GetLogger("calendar-handler"),
	}
}

// RegisterRoutes registers calendar related routes
func (h *CalendarHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/calendars", h.handleCalendarList)
	mux.HandleFunc("GET /api/calendars/{id}/feed.ics", h.handleCalendarFeed)
	mux.HandleFunc("GET /api/events", h.handleListEvents)
	mux.HandleFunc("POST /api/events", h.handleCreateEvent)
	mux.HandleFunc("DELETE /api/events", h.handleDeleteEvent)
}

// CalendarView is the JSON shape of a mirrored calendar
type CalendarView struct {
	ID                 string `json:"id"`
	ProviderCalendarID string `json:"provider_calendar_id"`
	Name               string `json:"name"`
	Color              string `json:"color,omitempty"`
	AccessRole         string `json:"access_role,omitempty"`
}

// EventView is the JSON shape of a stored event
type EventView struct {
	ID               string              `json:"id"`
	CalendarID       string              `json:"calendar_id"`
	ProviderEventID  string              `json:"provider_event_id"`
	Title            string              `json:"title"`
	Description      string              `json:"description,omitempty"`
	Location         string              `json:"location,omitempty"`
	Start            time.Time           `json:"start"`
	End              time.Time           `json:"end"`
	AllDay           bool                `json:"all_day"`
	TimeZone         string              `json:"time_zone,omitempty"`
	RecurringRule    string              `json:"recurring_rule,omitempty"`
	RecurringEventID string              `json:"recurring_event_id,omitempty"`
	Status           string              `json:"status"`
	Attendees        []database.Attendee `json:"attendees,omitempty"`
}

func eventView(e *database.Event) EventView {
	return EventView{
		ID:               e.ID,
		CalendarID:       e.CalendarID,
		ProviderEventID:  e.ProviderEventID,
		Title:            e.Title,
		Description:      e.Description,
		Location:         e.Location,
		Start:            e.Start,
		End:              e.End,
		AllDay:           e.AllDay,
		TimeZone:         e.TimeZone,
		RecurringRule:    e.RecurringRule,
		RecurringEventID: e.RecurringEventID,
		Status:           string(e.Status),
		Attendees:        e.Attendees,
	}
}

// EventListResponse carries the occurrences of the requested windows
type EventListResponse struct {
	Windows []recurrence.Window `json:"windows"`
	Events  []agenda.Occurrence `json:"events"`
}

// CreateEventRequest represents the JSON request body for a new event
type CreateEventRequest struct {
	AccountID     string    `json:"account_id"`
	CalendarID    string    `json:"calendar_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Location      string    `json:"location"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	AllDay        bool      `json:"all_day"`
	TimeZone      string    `json:"time_zone"`
	RecurringRule string    `json:"recurring_rule"`
	Attendees     []struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"attendees"`
}

func (req CreateEventRequest) draft() calendar.EventDraft {
	d := calendar.EventDraft{
		Title:         req.Title,
		Description:   req.Description,
		Location:      req.Location,
		Start:         req.Start,
		End:           req.End,
		AllDay:        req.AllDay,
		TimeZone:      req.TimeZone,
		RecurringRule: req.RecurringRule,
	}
	for _, a := range req.Attendees {
		d.Attendees = append(d.Attendees, calendar.Attendee{Name: a.Name, Email: a.Email})
	}
	return d
}

// writeLookupError maps agenda errors to responses
func (h *CalendarHandler) writeLookupError(w http.ResponseWriter, err error, logger zerolog.Logger) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		h.WriteError(w, http.StatusNotFound, ErrCodeNotFound)
	case errors.Is(err, agenda.ErrInvalidDraft):
		h.WriteErrorDetail(w, http.StatusBadRequest, ErrCodeInvalidEvent, err.Error())
	default:
		logger.Error().Err(err).Msg("Request failed")
		h.WriteError(w, http.StatusInternalServerError, ErrCodeUnknown)
	}
}

func (h *CalendarHandler) handleCalendarList(w http.ResponseWriter, r *http.Request) {
	handlerLogger := h.logger.With().Str("handler", "handleCalendarList").Logger()
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		h.WriteError(w, http.StatusBadRequest, ErrCodeMissingAccount)
		return
	}

	cals, err := h.Agenda.ListCalendars(r.Context(), accountID)
	if err != nil {
		h.writeLookupError(w, err, handlerLogger)
		return
	}
	out := make([]CalendarView, 0, len(cals))
	for _, c := range cals {
		out = append(out, CalendarView{
			ID:                 c.ID,
			ProviderCalendarID: c.ProviderCalendarID,
			Name:               c.Name,
			Color:              c.Color,
			AccessRole:         c.AccessRole,
		})
	}
	h.WriteJSON(w, http.StatusOK, out)
}

// handleListEvents answers ?account_id=&range=&date=, date being repeatable
func (h *CalendarHandler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	handlerLogger := h.logger.With().Str("handler", "handleListEvents").Logger()
	q := r.URL.Query()

	accountID := q.Get("account_id")
	if accountID == "" {
		h.WriteError(w, http.StatusBadRequest, ErrCodeMissingAccount)
		return
	}
	rng, err := agenda.ParseRange(q.Get("range"))
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, ErrCodeInvalidRange)
		return
	}

	dates := q["date"]
	if len(dates) == 0 {
		dates = []string{time.Now().UTC().Format(dateLayout)}
	}
	windows := make([]recurrence.Window, 0, len(dates))
	for _, raw := range dates {
		d, err := time.Parse(dateLayout, raw)
		if err != nil {
			handlerLogger.Debug().Str("date", raw).Msg("Invalid date")
			h.WriteError(w, http.StatusBadRequest, ErrCodeInvalidDate)
			return
		}
		win, err := agenda.WindowFor(rng, d)
		if err != nil {
			h.WriteError(w, http.StatusBadRequest, ErrCodeInvalidRange)
			return
		}
		windows = append(windows, win)
	}

	events, err := h.Agenda.ListEvents(r.Context(), accountID, windows)
	if err != nil {
		h.writeLookupError(w, err, handlerLogger)
		return
	}
	handlerLogger.Debug().Str("account_id", accountID).Int("windows", len(windows)).Int("events", len(events)).Msg("Listed events")
	h.WriteJSON(w, http.StatusOK, EventListResponse{Windows: windows, Events: events})
}

func (h *CalendarHandler) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	handlerLogger := h.logger.With().Str("handler", "handleCreateEvent").Logger()

	var req CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlerLogger.Warn().Err(err).Msg("Failed to parse request body")
		h.WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest)
		return
	}
	if req.AccountID == "" {
		h.WriteError(w, http.StatusBadRequest, ErrCodeMissingAccount)
		return
	}
	if req.CalendarID == "" {
		h.WriteErrorDetail(w, http.StatusBadRequest, ErrCodeInvalidRequest, "A calendar_id is required.")
		return
	}

	ev, err := h.Agenda.CreateEvent(r.Context(), req.AccountID, req.CalendarID, req.draft())
	if err != nil {
		if errors.Is(err, database.ErrNotFound) || errors.Is(err, agenda.ErrInvalidDraft) {
			h.writeLookupError(w, err, handlerLogger)
			return
		}
		handlerLogger.Error().Err(err).Str("calendar_id", req.CalendarID).Msg("Failed to create event")
		h.WriteError(w, http.StatusBadGateway, ErrCodeProviderError)
		return
	}
	h.WriteJSON(w, http.StatusCreated, eventView(ev))
}

func (h *CalendarHandler) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	handlerLogger := h.logger.With().Str("handler", "handleDeleteEvent").Logger()
	q := r.URL.Query()

	accountID, calendarID, eventID := q.Get("account_id"), q.Get("calendar_id"), q.Get("event_id")
	if accountID == "" {
		h.WriteError(w, http.StatusBadRequest, ErrCodeMissingAccount)
		return
	}
	if calendarID == "" || eventID == "" {
		h.WriteErrorDetail(w, http.StatusBadRequest, ErrCodeInvalidRequest, "calendar_id and event_id are required.")
		return
	}

	if err := h.Agenda.DeleteEvent(r.Context(), accountID, calendarID, eventID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeLookupError(w, err, handlerLogger)
			return
		}
		handlerLogger.Error().Err(err).Str("calendar_id", calendarID).Str("event_id", eventID).Msg("Failed to delete event")
		h.WriteError(w, http.StatusBadGateway, ErrCodeProviderError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CalendarHandler) handleCalendarFeed(w http.ResponseWriter, r *http.Request) {
	handlerLogger := h.logger.With().Str("handler", "handleCalendarFeed").Logger()
	calendarID := r.PathValue("id")

	var buf bytes.Buffer
	if err := h.Agenda.ExportICS(r.Context(), calendarID, &buf); err != nil {
		h.writeLookupError(w, err, handlerLogger)
		return
	}
	h.ServeWithETag(w, r, "text/calendar; charset=utf-8", buf.Bytes())
}
