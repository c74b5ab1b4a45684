// Package dbtest opens migrated throwaway databases for tests
package dbtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/belphemur/calsync/internal/database"
)

// New returns a migrated database in the test's temp dir, closed on cleanup
func New(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.New(database.NewDefaultOptions(filepath.Join(t.TempDir(), "calsync_test.db")))
	require.NoError(t, err, "Failed to create test database")
	require.NoError(t, db.MigrateDatabase(), "Failed to run migrations")

	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// CountAttendees returns how many attendee rows reference the event id
func CountAttendees(t testing.TB, db *database.DB, eventID string) int {
	t.Helper()
	var n int
	err := db.Conn().QueryRowContext(context.Background(), `SELECT COUNT(*) FROM event_attendees WHERE event_id = ?`, eventID).Scan(&n)
	require.NoError(t, err)
	return n
}

// ActiveWatches returns the calendar's watches that are neither torn down nor expired, newest first
func ActiveWatches(t testing.TB, db *database.DB, calendarID, providerID string) []database.Watch {
	t.Helper()
	undeleted, err := database.NewWatchStore(db).ListUndeletedFor(context.Background(), calendarID, providerID)
	require.NoError(t, err)
	now := time.Now()
	var active []database.Watch
	for _, w := range undeleted {
		if w.IsActive(now) {
			active = append(active, w)
		}
	}
	return active
}
