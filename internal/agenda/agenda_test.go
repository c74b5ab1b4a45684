package agenda

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/belphemur/calsync/internal/calendar"
	"github.com/belphemur/calsync/internal/calendar/calendartest"
	"github.com/belphemur/calsync/internal/constants"
	"github.com/belphemur/calsync/internal/database"
	"github.com/belphemur/calsync/internal/database/dbtest"
	"github.com/belphemur/calsync/internal/reconcile"
	"github.com/belphemur/calsync/internal/recurrence"
)

type fixture struct {
	db       *database.DB
	provider *calendartest.Provider
	svc      *Service
	calID    string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t)
	ctx := context.Background()

	p, err := database.NewProviderStore(db).Ensure(ctx, "acc-1", constants.ProviderGoogle)
	require.NoError(t, err)
	c, err := database.NewCalendarStore(db).Upsert(ctx, database.Calendar{ProviderID: p.ID, ProviderCalendarID: "primary", Name: "Main"})
	require.NoError(t, err)

	provider := calendartest.New()
	return &fixture{db: db, provider: provider, svc: NewService(db, provider), calID: c.ID}
}

func (f *fixture) seed(t *testing.T, events ...calendar.Event) {
	t.Helper()
	_, err := reconcile.New(f.db).UpsertEvents(context.Background(), f.calID, events)
	require.NoError(t, err)
}

func at(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func single(id, title string, start time.Time) calendar.Event {
	return calendar.Event{
		ProviderEventID: id,
		Title:           title,
		Start:           start,
		End:             start.Add(time.Hour),
		Status:          constants.EventConfirmed,
	}
}

func series(id, title, rule string, start time.Time) calendar.Event {
	e := single(id, title, start)
	e.RecurringRule = rule
	return e
}

func mustWindow(t *testing.T, r Range, d time.Time) recurrence.Window {
	t.Helper()
	w, err := WindowFor(r, d)
	require.NoError(t, err)
	return w
}

func TestWindowFor(t *testing.T) {
	tests := []struct {
		name      string
		r         Range
		date      time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "day",
			r:         RangeDay,
			date:      time.Date(2025, 1, 8, 15, 30, 0, 0, time.UTC),
			wantStart: at(2025, 1, 8, 0),
			wantEnd:   time.Date(2025, 1, 8, 23, 59, 59, int(999*time.Millisecond), time.UTC),
		},
		{
			name:      "week starts on monday",
			r:         RangeWeek,
			date:      at(2025, 1, 8, 12),
			wantStart: at(2025, 1, 6, 0),
			wantEnd:   time.Date(2025, 1, 12, 23, 59, 59, int(999*time.Millisecond), time.UTC),
		},
		{
			name:      "week of a sunday",
			r:         RangeWeek,
			date:      at(2025, 1, 12, 12),
			wantStart: at(2025, 1, 6, 0),
			wantEnd:   time.Date(2025, 1, 12, 23, 59, 59, int(999*time.Millisecond), time.UTC),
		},
		{
			name:      "leap month",
			r:         RangeMonth,
			date:      at(2024, 2, 10, 0),
			wantStart: at(2024, 2, 1, 0),
			wantEnd:   time.Date(2024, 2, 29, 23, 59, 59, int(999*time.Millisecond), time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := WindowFor(tt.r, tt.date)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, w.Start)
			assert.Equal(t, tt.wantEnd, w.End)
		})
	}

	_, err := WindowFor(Range("year"), at(2025, 1, 1, 0))
	assert.Error(t, err)
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("")
	require.NoError(t, err)
	assert.Equal(t, RangeDay, r)

	r, err = ParseRange(" Week ")
	require.NoError(t, err)
	assert.Equal(t, RangeWeek, r)

	_, err = ParseRange("fortnight")
	assert.Error(t, err)
}

func TestListEvents_SinglesAndSeries(t *testing.T) {
	f := setup(t)
	f.seed(t,
		single("s-1", "Standalone", at(2025, 1, 8, 14)),
		single("s-2", "Outside", at(2025, 2, 1, 9)),
		series("r-1", "Daily", "FREQ=DAILY;COUNT=10", at(2025, 1, 1, 9)),
	)

	got, err := f.svc.ListEvents(context.Background(), "acc-1", []recurrence.Window{mustWindow(t, RangeWeek, at(2025, 1, 8, 0))})
	require.NoError(t, err)

	var daily, standalone int
	for _, o := range got {
		switch o.ProviderEventID {
		case "r-1":
			daily++
			assert.Equal(t, "Daily", o.Title, "Occurrences inherit the series fields")
			assert.Equal(t, time.Hour, o.End.Sub(o.Start))
		case "s-1":
			standalone++
		default:
			t.Errorf("unexpected event %s", o.ProviderEventID)
		}
	}
	// Series runs Jan 1 to Jan 10, the week is Jan 6 to Jan 12
	assert.Equal(t, 5, daily)
	assert.Equal(t, 1, standalone)

	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Start.Before(got[i-1].Start), "Occurrences are sorted by start")
	}
}

func TestListEvents_SeriesExpandedOnceAgainstUnion(t *testing.T) {
	f := setup(t)
	f.seed(t,
		single("gap", "In the gap", at(2025, 1, 5, 10)),
		series("r-1", "Daily", "FREQ=DAILY", at(2025, 1, 1, 9)),
	)

	windows := []recurrence.Window{
		mustWindow(t, RangeDay, at(2025, 1, 2, 0)),
		mustWindow(t, RangeDay, at(2025, 1, 8, 0)),
	}
	got, err := f.svc.ListEvents(context.Background(), "acc-1", windows)
	require.NoError(t, err)

	var daily int
	for _, o := range got {
		assert.NotEqual(t, "gap", o.ProviderEventID, "Single events must overlap a requested window")
		if o.ProviderEventID == "r-1" {
			daily++
		}
	}
	// Jan 2 through Jan 8 inclusive
	assert.Equal(t, 7, daily)
}

func TestListEvents_AllDaySeriesStaysOnWholeDaysAcrossDST(t *testing.T) {
	if _, err := time.LoadLocation("America/New_York"); err != nil {
		t.Skip("tzdata not available")
	}
	f := setup(t)
	holiday := series("ad-1", "Daily off", "FREQ=DAILY", at(2025, 3, 1, 0))
	holiday.End = holiday.Start.Add(24*time.Hour - time.Millisecond)
	holiday.AllDay = true
	holiday.TimeZone = "America/New_York"
	f.seed(t, holiday)

	windows := []recurrence.Window{
		mustWindow(t, RangeDay, at(2025, 3, 8, 0)),
		mustWindow(t, RangeDay, at(2025, 3, 11, 0)),
	}
	got, err := f.svc.ListEvents(context.Background(), "acc-1", windows)
	require.NoError(t, err)
	require.Len(t, got, 4)

	for i, o := range got {
		assert.Equal(t, at(2025, 3, 8+i, 0), o.Start, "All-day occurrences start at midnight UTC")
		assert.Equal(t, at(2025, 3, 9+i, 0).Add(-time.Millisecond), o.End)
	}
}

func TestListEvents_CancelledInstanceIsNotExpanded(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, series("r-1", "Daily", "FREQ=DAILY", at(2025, 1, 1, 9)))

	_, err := reconcile.New(f.db).Apply(ctx, f.calID, []calendar.Event{{
		ProviderEventID:  "r-1_20250108T090000Z",
		RecurringEventID: "r-1",
		OriginalStart:    at(2025, 1, 8, 9),
		Status:           constants.EventCancelled,
	}})
	require.NoError(t, err)

	got, err := f.svc.ListEvents(ctx, "acc-1", []recurrence.Window{mustWindow(t, RangeWeek, at(2025, 1, 8, 0))})
	require.NoError(t, err)
	require.Len(t, got, 6)
	for _, o := range got {
		assert.NotEqual(t, at(2025, 1, 8, 9), o.Start, "The cancelled slot is skipped")
	}
}

func TestListEvents_ModifiedInstanceReplacesSlot(t *testing.T) {
	f := setup(t)
	moved := single("r-1_20250108T090000Z", "Daily, later", at(2025, 1, 8, 15))
	moved.RecurringEventID = "r-1"
	moved.OriginalStart = at(2025, 1, 8, 9)
	f.seed(t, series("r-1", "Daily", "FREQ=DAILY", at(2025, 1, 1, 9)), moved)

	got, err := f.svc.ListEvents(context.Background(), "acc-1", []recurrence.Window{mustWindow(t, RangeDay, at(2025, 1, 8, 0))})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r-1_20250108T090000Z", got[0].ProviderEventID)
	assert.Equal(t, at(2025, 1, 8, 15), got[0].Start)
}

func TestListEvents_InvalidRuleIsSkipped(t *testing.T) {
	f := setup(t)
	f.seed(t,
		series("bad", "Broken", "FREQ=SOMETIMES", at(2025, 1, 1, 9)),
		single("ok", "Fine", at(2025, 1, 6, 9)),
	)

	got, err := f.svc.ListEvents(context.Background(), "acc-1", []recurrence.Window{mustWindow(t, RangeWeek, at(2025, 1, 6, 0))})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].ProviderEventID)
}

func TestListEvents_NoWindowsAndUnknownAccount(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	got, err := f.svc.ListEvents(ctx, "acc-1", nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = f.svc.ListEvents(ctx, "nobody", []recurrence.Window{mustWindow(t, RangeDay, at(2025, 1, 1, 0))})
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestCreateEvent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ev, err := f.svc.CreateEvent(ctx, "acc-1", f.calID, calendar.EventDraft{
		Title: "Review",
		Start: at(2025, 3, 3, 10),
		End:   at(2025, 3, 3, 11),
		Attendees: []calendar.Attendee{
			{Name: "Ann", Email: "ann@example.com"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "created-1", ev.ProviderEventID)
	assert.Equal(t, "Review", ev.Title)
	assert.Len(t, ev.Attendees, 1)

	inserts := f.provider.OpsOf("insert-event")
	require.Len(t, inserts, 1)
	assert.Equal(t, "primary", inserts[0].CalendarID)
}

func TestCreateEvent_Rejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.CreateEvent(ctx, "acc-1", f.calID, calendar.EventDraft{Start: at(2025, 3, 3, 10), End: at(2025, 3, 3, 11)})
	assert.ErrorIs(t, err, ErrInvalidDraft)

	_, err = f.svc.CreateEvent(ctx, "acc-1", f.calID, calendar.EventDraft{Title: "Backwards", Start: at(2025, 3, 3, 11), End: at(2025, 3, 3, 10)})
	assert.ErrorIs(t, err, ErrInvalidDraft)

	_, err = f.svc.CreateEvent(ctx, "acc-1", f.calID, calendar.EventDraft{Title: "Rule", Start: at(2025, 3, 3, 10), End: at(2025, 3, 3, 11), RecurringRule: "FREQ=NEVER"})
	assert.ErrorIs(t, err, ErrInvalidDraft)

	assert.Empty(t, f.provider.OpsOf("insert-event"), "Invalid drafts never reach the provider")

	// A calendar of another account is not visible
	other, err := database.NewProviderStore(f.db).Ensure(ctx, "acc-2", constants.ProviderGoogle)
	require.NoError(t, err)
	foreign, err := database.NewCalendarStore(f.db).Upsert(ctx, database.Calendar{ProviderID: other.ID, ProviderCalendarID: "theirs"})
	require.NoError(t, err)
	_, err = f.svc.CreateEvent(ctx, "acc-1", foreign.ID, calendar.EventDraft{Title: "x", Start: at(2025, 3, 3, 10), End: at(2025, 3, 3, 11)})
	assert.ErrorIs(t, err, database.ErrNotFound)

	f.provider.InsertErr = &googleapi.Error{Code: http.StatusForbidden}
	_, err = f.svc.CreateEvent(ctx, "acc-1", f.calID, calendar.EventDraft{Title: "x", Start: at(2025, 3, 3, 10), End: at(2025, 3, 3, 11)})
	assert.Error(t, err)
	events, err := database.NewEventStore(f.db).ListByCalendar(ctx, f.calID)
	require.NoError(t, err)
	assert.Empty(t, events, "Nothing is stored when the provider rejects the event")
}

func TestDeleteEvent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	store := database.NewEventStore(f.db)
	f.seed(t, single("e-1", "One", at(2025, 1, 1, 9)), single("e-2", "Two", at(2025, 1, 2, 9)))

	require.NoError(t, f.svc.DeleteEvent(ctx, "acc-1", f.calID, "e-1"))
	_, err := store.Get(ctx, f.calID, "e-1")
	assert.ErrorIs(t, err, database.ErrNotFound)

	// Already gone upstream still removes the local copy
	f.provider.DeleteErr = &googleapi.Error{Code: http.StatusGone}
	require.NoError(t, f.svc.DeleteEvent(ctx, "acc-1", f.calID, "e-2"))
	_, err = store.Get(ctx, f.calID, "e-2")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestDeleteEvent_ProviderFailureKeepsLocalCopy(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, single("e-1", "One", at(2025, 1, 1, 9)))
	f.provider.DeleteErr = &googleapi.Error{Code: http.StatusInternalServerError}

	assert.Error(t, f.svc.DeleteEvent(ctx, "acc-1", f.calID, "e-1"))
	_, err := database.NewEventStore(f.db).Get(ctx, f.calID, "e-1")
	assert.NoError(t, err)
}

func TestExportICS(t *testing.T) {
	f := setup(t)
	allDay := calendar.Event{
		ProviderEventID: "holiday",
		Title:           "Holiday",
		Start:           at(2025, 1, 1, 0),
		End:             time.Date(2025, 1, 1, 23, 59, 59, int(999*time.Millisecond), time.UTC),
		AllDay:          true,
		Status:          constants.EventConfirmed,
	}
	f.seed(t,
		single("e-1", "Planning", at(2025, 1, 8, 9)),
		series("r-1", "Standup", "RRULE:FREQ=DAILY;COUNT=3", at(2025, 1, 6, 9)),
		allDay,
	)
	_, err := reconcile.New(f.db).Apply(context.Background(), f.calID, []calendar.Event{{
		ProviderEventID:  "r-1_20250107T090000Z",
		RecurringEventID: "r-1",
		OriginalStart:    at(2025, 1, 7, 9),
		Status:           constants.EventCancelled,
	}})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, f.svc.ExportICS(context.Background(), f.calID, &buf))

	out := buf.String()
	assert.Contains(t, out, "BEGIN:VCALENDAR")
	assert.Contains(t, out, "RRULE:FREQ=DAILY;COUNT=3")
	assert.Contains(t, out, "X-WR-CALNAME:Main")
	assert.Contains(t, out, "EXDATE:20250107T090000Z", "Cancelled instances are exported as exclusions")

	parsed, err := ics.ParseCalendar(&buf)
	require.NoError(t, err)
	events := parsed.Events()
	require.Len(t, events, 3, "Series are exported once, not expanded")

	titles := map[string]*ics.VEvent{}
	for _, ev := range events {
		titles[ev.GetProperty(ics.ComponentPropertySummary).Value] = ev
	}
	require.Contains(t, titles, "Planning")
	start, err := titles["Planning"].GetStartAt()
	require.NoError(t, err)
	assert.True(t, start.Equal(at(2025, 1, 8, 9)))

	require.Contains(t, titles, "Holiday")
	dtstart := titles["Holiday"].GetProperty(ics.ComponentPropertyDtStart)
	require.NotNil(t, dtstart)
	assert.Equal(t, "20250101", dtstart.Value)
	dtend := titles["Holiday"].GetProperty(ics.ComponentPropertyDtEnd)
	require.NotNil(t, dtend)
	assert.Equal(t, "20250102", dtend.Value, "All-day ends are exclusive dates")
}
