package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/belphemur/calsync/internal/calendar"
	"github.com/belphemur/calsync/internal/calendar/calendartest"
	"github.com/belphemur/calsync/internal/constants"
	"github.com/belphemur/calsync/internal/database"
	"github.com/belphemur/calsync/internal/database/dbtest"
	"github.com/belphemur/calsync/internal/watch"
	"github.com/belphemur/calsync/internal/workflow"
)

func testPolicy() workflow.RetryPolicy {
	return workflow.RetryPolicy{
		StartToCloseTimeout: 5 * time.Second,
		InitialInterval:     time.Millisecond,
		BackoffCoefficient:  2,
		MaximumInterval:     5 * time.Millisecond,
		MaximumAttempts:     3,
	}
}

func timedEvent(id, title string, start time.Time) calendar.Event {
	return calendar.Event{
		ProviderEventID: id,
		Title:           title,
		Start:           start,
		End:             start.Add(time.Hour),
		Status:          constants.EventConfirmed,
	}
}

type fixture struct {
	db       *database.DB
	provider *calendartest.Provider
	orch     *Orchestrator
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t)
	p := calendartest.New()
	watches := watch.NewManager(db, p, watch.Options{Address: "https://calsync.example.com/api/webhook/calendar", TTL: 24 * time.Hour})
	return &fixture{db: db, provider: p, orch: NewOrchestrator(db, p, watches, 24)}
}

func (f *fixture) runSync(t *testing.T, force bool) *Result {
	t.Helper()
	res, err := f.orch.RunSync(context.Background(), workflow.Local(testPolicy()), Request{
		AccountID: "acc-1", ProviderType: constants.ProviderGoogle, ForceFullSync: force,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) calendar(t *testing.T, pcid string) *database.Calendar {
	t.Helper()
	reg, err := database.NewProviderStore(f.db).GetByAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	c, err := database.NewCalendarStore(f.db).GetByProviderCalendarID(context.Background(), reg.ID, pcid)
	require.NoError(t, err)
	return c
}

func TestRunSync_CursorDiscipline(t *testing.T) {
	f := setup(t)
	f.provider.CalendarPages = []calendar.CalendarPage{
		{Calendars: []calendar.Calendar{{ProviderCalendarID: "primary", Name: "Main"}}},
		{Calendars: []calendar.Calendar{{ProviderCalendarID: "team", Name: "Team"}}, NextSyncToken: "L1"},
	}
	day := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	f.provider.EventPages["primary"] = []calendar.EventPage{
		{Events: []calendar.Event{timedEvent("e1", "One", day)}},
		{Events: []calendar.Event{timedEvent("e2", "Two", day.Add(24*time.Hour))}},
		{Events: []calendar.Event{timedEvent("e3", "Three", day.Add(48*time.Hour))}, NextSyncToken: "T1"},
	}

	res := f.runSync(t, false)
	assert.Equal(t, 2, res.CalendarsSynced)
	assert.Equal(t, 3, res.EventsCreated)
	assert.Empty(t, res.Errors)

	lists := f.provider.OpsOf("list-calendars")
	require.Len(t, lists, 2)
	assert.Empty(t, lists[0].Cursor)
	assert.Equal(t, "page-1", lists[1].PageToken)

	var primary []calendartest.Op
	for _, op := range f.provider.OpsOf("fetch-events") {
		if op.CalendarID == "primary" {
			primary = append(primary, op)
		}
	}
	require.Len(t, primary, 3)
	assert.Empty(t, primary[0].Cursor)
	assert.False(t, primary[0].WindowStart.IsZero(), "A first sync is bounded by the lookback window")
	for _, op := range primary[1:] {
		assert.Empty(t, op.Cursor, "Later pages carry only the page token")
		assert.True(t, op.WindowStart.IsZero())
		assert.NotEmpty(t, op.PageToken)
	}
	assert.Equal(t, "T1", f.calendar(t, "primary").SyncToken, "The cursor comes from the last page")

	// Second run: cursors on the first request only, never with a window
	f.provider.Reset()
	f.provider.CalendarPages[1].NextSyncToken = "L2"
	f.provider.EventPages["primary"][2].NextSyncToken = "T2"
	f.runSync(t, false)

	lists = f.provider.OpsOf("list-calendars")
	require.Len(t, lists, 2)
	assert.Equal(t, "L1", lists[0].Cursor)
	assert.Empty(t, lists[1].Cursor)

	primary = nil
	for _, op := range f.provider.OpsOf("fetch-events") {
		if op.CalendarID == "primary" {
			primary = append(primary, op)
		}
	}
	require.Len(t, primary, 3)
	assert.Equal(t, "T1", primary[0].Cursor)
	assert.True(t, primary[0].WindowStart.IsZero(), "A cursor is never combined with a window")
	assert.Empty(t, primary[1].Cursor)
	assert.Empty(t, primary[2].Cursor)
	assert.Equal(t, "T2", f.calendar(t, "primary").SyncToken)
}

func TestRunSync_ReadsStoredCalendarCursor(t *testing.T) {
	f := setup(t)
	f.provider.CalendarPages = []calendar.CalendarPage{
		{Calendars: []calendar.Calendar{{ProviderCalendarID: "primary", Name: "Main"}}, NextSyncToken: "L1"},
	}
	f.provider.EventPages["primary"] = []calendar.EventPage{{NextSyncToken: "T1"}}
	f.runSync(t, false)

	// A cursor written by another run between two syncs is the one used
	cal := f.calendar(t, "primary")
	require.NoError(t, database.NewCursorStore(f.db).SaveCalendarCursor(context.Background(), cal.ID, "T-newer"))

	f.provider.Reset()
	f.runSync(t, false)

	fetches := f.provider.OpsOf("fetch-events")
	require.NotEmpty(t, fetches)
	assert.Equal(t, "T-newer", fetches[0].Cursor)
}

func TestRunSync_PartialFailureIsolation(t *testing.T) {
	f := setup(t)
	f.provider.CalendarPages = []calendar.CalendarPage{{
		Calendars: []calendar.Calendar{
			{ProviderCalendarID: "cal-1"},
			{ProviderCalendarID: "cal-2"},
			{ProviderCalendarID: "cal-3"},
		},
		NextSyncToken: "L1",
	}}
	day := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	f.provider.EventPages["cal-1"] = []calendar.EventPage{{Events: []calendar.Event{timedEvent("a", "A", day), timedEvent("b", "B", day)}, NextSyncToken: "c1"}}
	f.provider.EventPages["cal-3"] = []calendar.EventPage{{Events: []calendar.Event{timedEvent("c", "C", day)}, NextSyncToken: "c3"}}
	f.provider.FetchErr["cal-2"] = &googleapi.Error{Code: 403, Message: "forbidden"}

	res := f.runSync(t, false)
	assert.Equal(t, 2, res.CalendarsSynced)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "cal-2")
	assert.Equal(t, 3, res.EventsCreated)

	events := database.NewEventStore(f.db)
	got1, err := events.ListByCalendar(context.Background(), f.calendar(t, "cal-1").ID)
	require.NoError(t, err)
	assert.Len(t, got1, 2)
	got3, err := events.ListByCalendar(context.Background(), f.calendar(t, "cal-3").ID)
	require.NoError(t, err)
	assert.Len(t, got3, 1)

	assert.Empty(t, f.calendar(t, "cal-2").SyncToken, "A failed calendar keeps no cursor")
	assert.Len(t, f.provider.OpsOf("fetch-events"), 3, "Permission errors are not retried")

	reg, err := database.NewProviderStore(f.db).GetByAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, constants.StatusSynced, reg.Status, "Partial failures still finish as synced")
	assert.NotEmpty(t, reg.StatusMessage)
}

func TestRunSync_TransientFetchErrorsAreRetried(t *testing.T) {
	f := setup(t)
	f.provider.CalendarPages = []calendar.CalendarPage{{Calendars: []calendar.Calendar{{ProviderCalendarID: "primary"}}}}
	f.provider.FetchErr["primary"] = &googleapi.Error{Code: 503}

	res := f.runSync(t, false)
	assert.Zero(t, res.CalendarsSynced)
	assert.Len(t, res.Errors, 1)
	assert.Len(t, f.provider.OpsOf("fetch-events"), 3, "Retried up to the attempt limit")
}

func TestRunSync_WatchUnsupportedDoesNotBlockEvents(t *testing.T) {
	f := setup(t)
	f.provider.CalendarPages = []calendar.CalendarPage{{Calendars: []calendar.Calendar{{ProviderCalendarID: "holidays"}}}}
	f.provider.WatchErr["holidays"] = errors.Join(calendar.ErrWatchUnsupported, &googleapi.Error{Code: 400})
	f.provider.EventPages["holidays"] = []calendar.EventPage{{Events: []calendar.Event{timedEvent("h", "Holiday", time.Now())}, NextSyncToken: "t"}}

	res := f.runSync(t, false)
	assert.Equal(t, 1, res.CalendarsSynced)
	assert.Empty(t, res.Errors)
	assert.Len(t, f.provider.OpsOf("create-watch"), 1, "Unsupported watches are not retried")
}

func TestRunSync_WatchIsReplacedEachSync(t *testing.T) {
	f := setup(t)
	f.provider.CalendarPages = []calendar.CalendarPage{{Calendars: []calendar.Calendar{{ProviderCalendarID: "primary"}}, NextSyncToken: "L"}}

	f.runSync(t, false)
	f.runSync(t, false)

	cal := f.calendar(t, "primary")
	assert.Len(t, dbtest.ActiveWatches(t, f.db, cal.ID, cal.ProviderID), 1)
	assert.Len(t, f.provider.OpsOf("stop-watch"), 1)
}

func TestRunSync_CancelledEventsAreDeleted(t *testing.T) {
	f := setup(t)
	f.provider.CalendarPages = []calendar.CalendarPage{{Calendars: []calendar.Calendar{{ProviderCalendarID: "primary"}}, NextSyncToken: "L"}}
	ev := timedEvent("e1", "Dentist", time.Date(2025, 5, 5, 8, 0, 0, 0, time.UTC))
	ev.Attendees = []calendar.Attendee{{Email: "me@example.com"}}
	f.provider.EventPages["primary"] = []calendar.EventPage{{Events: []calendar.Event{ev}, NextSyncToken: "T1"}}
	f.runSync(t, false)

	cal := f.calendar(t, "primary")
	stored, err := database.NewEventStore(f.db).Get(context.Background(), cal.ID, "e1")
	require.NoError(t, err)

	f.provider.EventPages["primary"] = []calendar.EventPage{{
		Events:        []calendar.Event{{ProviderEventID: "e1", Status: constants.EventCancelled}},
		NextSyncToken: "T2",
	}}
	res := f.runSync(t, false)
	assert.Equal(t, 1, res.EventsDeleted)

	_, err = database.NewEventStore(f.db).Get(context.Background(), cal.ID, "e1")
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.Zero(t, dbtest.CountAttendees(t, f.db, stored.ID))
}

func TestRunSync_ForceFullSyncDropsCursors(t *testing.T) {
	f := setup(t)
	f.provider.CalendarPages = []calendar.CalendarPage{{Calendars: []calendar.Calendar{{ProviderCalendarID: "primary"}}, NextSyncToken: "L1"}}
	f.provider.EventPages["primary"] = []calendar.EventPage{{NextSyncToken: "T1"}}
	f.runSync(t, false)

	f.provider.Reset()
	f.runSync(t, true)

	lists := f.provider.OpsOf("list-calendars")
	require.Len(t, lists, 1)
	assert.Empty(t, lists[0].Cursor)
	fetches := f.provider.OpsOf("fetch-events")
	require.Len(t, fetches, 1)
	assert.Empty(t, fetches[0].Cursor)
	assert.False(t, fetches[0].WindowStart.IsZero())
}

func TestRunSync_StoredCalendarsSyncWithIncrementalList(t *testing.T) {
	f := setup(t)
	f.provider.CalendarPages = []calendar.CalendarPage{{Calendars: []calendar.Calendar{{ProviderCalendarID: "primary"}}, NextSyncToken: "L1"}}
	f.runSync(t, false)

	// Nothing changed in the calendar list since L1
	f.provider.Reset()
	f.provider.CalendarPages = []calendar.CalendarPage{{NextSyncToken: "L2"}}
	res := f.runSync(t, false)

	assert.Equal(t, 1, res.CalendarsSynced)
	assert.Len(t, f.provider.OpsOf("fetch-events"), 1)
}

func TestRunSync_CalendarListFailureAbortsRun(t *testing.T) {
	f := setup(t)
	f.provider.ListErr = &googleapi.Error{Code: 401, Message: "invalid credentials"}

	_, err := f.orch.RunSync(context.Background(), workflow.Local(testPolicy()), Request{AccountID: "acc-1", ProviderType: constants.ProviderGoogle})
	require.Error(t, err)

	reg, err := database.NewProviderStore(f.db).GetByAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, constants.StatusError, reg.Status)
}

func TestRunSync_ExpiredCursorSurfacesPerCalendar(t *testing.T) {
	f := setup(t)
	f.provider.CalendarPages = []calendar.CalendarPage{{Calendars: []calendar.Calendar{{ProviderCalendarID: "primary"}}, NextSyncToken: "L1"}}
	f.provider.EventPages["primary"] = []calendar.EventPage{{NextSyncToken: "T1"}}
	f.runSync(t, false)

	f.provider.FetchErr["primary"] = errors.Join(calendar.ErrCursorExpired, &googleapi.Error{Code: 410})
	res := f.runSync(t, false)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "forced full sync")
}

func TestRunIncremental(t *testing.T) {
	f := setup(t)
	f.provider.CalendarPages = []calendar.CalendarPage{{Calendars: []calendar.Calendar{{ProviderCalendarID: "primary"}, {ProviderCalendarID: "other"}}, NextSyncToken: "L1"}}
	f.provider.EventPages["primary"] = []calendar.EventPage{{NextSyncToken: "T1"}}
	f.runSync(t, false)

	day := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	f.provider.EventPages["primary"] = []calendar.EventPage{{Events: []calendar.Event{timedEvent("new", "New", day)}, NextSyncToken: "T2"}}
	f.provider.Reset()

	cal := f.calendar(t, "primary")
	res, err := f.orch.RunIncremental(context.Background(), workflow.Local(testPolicy()), IncrementalRequest{
		AccountID: "acc-1", ProviderType: constants.ProviderGoogle, CalendarID: cal.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.CalendarsSynced)
	assert.Equal(t, 1, res.EventsCreated)

	ops := f.provider.Ops()
	require.Len(t, ops, 1, "Only the notified calendar is fetched")
	assert.Equal(t, "T1", ops[0].Cursor)
	assert.Equal(t, "T2", f.calendar(t, "primary").SyncToken)

	_, err = f.orch.RunIncremental(context.Background(), workflow.Local(testPolicy()), IncrementalRequest{AccountID: "nobody", CalendarID: cal.ID})
	assert.Error(t, err)
}
