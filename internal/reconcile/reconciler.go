// Package reconcile writes normalized provider events into the local store,
// keyed by (calendar id, provider event id).
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/belphemur/calsync/internal/calendar"
	"github.com/belphemur/calsync/internal/database"
	"github.com/belphemur/calsync/internal/logging"
)

// Result counts what one reconciliation changed
type Result struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

// Add accumulates another result
func (r *Result) Add(o Result) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Deleted += o.Deleted
}

// Reconciler applies provider changes to the events and event_attendees tables
type Reconciler struct {
	db     *database.DB
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a reconciler over db
func New(db *database.DB) *Reconciler {
	return &Reconciler{
		db:     db,
		logger: logging.GetLogger("reconcile"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Apply reconciles one page of provider events: cancelled events are deleted,
// everything else is upserted. The page is applied in a single transaction.
func (r *Reconciler) Apply(ctx context.Context, calendarID string, events []calendar.Event) (Result, error) {
	var res Result
	var cancelled []string
	var exceptions []calendar.Event
	var live []calendar.Event
	for _, e := range events {
		if e.Cancelled() {
			cancelled = append(cancelled, e.ProviderEventID)
			if isInstance(e) {
				exceptions = append(exceptions, e)
			}
		} else {
			live = append(live, e)
		}
	}

	err := r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		up, err := r.upsert(ctx, tx, calendarID, live)
		if err != nil {
			return err
		}
		if err := r.excludeInstances(ctx, tx, calendarID, exceptions, database.ExclusionCancelled); err != nil {
			return err
		}
		deleted, err := r.delete(ctx, tx, calendarID, cancelled)
		if err != nil {
			return err
		}
		res = Result{Created: up.Created, Updated: up.Updated, Deleted: deleted}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// UpsertEvents inserts unknown events and overwrites known ones, replacing their attendees
func (r *Reconciler) UpsertEvents(ctx context.Context, calendarID string, events []calendar.Event) (Result, error) {
	var res Result
	err := r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = r.upsert(ctx, tx, calendarID, events)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// DeleteEvents removes events and their attendees. Unknown ids are ignored.
func (r *Reconciler) DeleteEvents(ctx context.Context, calendarID string, providerEventIDs []string) (int, error) {
	var deleted int
	err := r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		deleted, err = r.delete(ctx, tx, calendarID, providerEventIDs)
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (r *Reconciler) upsert(ctx context.Context, tx *sql.Tx, calendarID string, events []calendar.Event) (Result, error) {
	var res Result
	now := database.ToMillis(r.now())

	for _, e := range events {
		var localID string
		err := tx.QueryRowContext(ctx, `SELECT id FROM events WHERE calendar_id = ? AND provider_event_id = ?`,
			calendarID, e.ProviderEventID).Scan(&localID)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			localID = uuid.NewString()
			_, err = tx.ExecContext(ctx, `INSERT INTO events (id, calendar_id, provider_event_id, title, description, location,
start_ms, end_ms, all_day, time_zone, recurring_rule, recurring_event_id, status, raw_data, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				localID, calendarID, e.ProviderEventID, e.Title, e.Description, e.Location,
				database.ToMillis(e.Start), database.ToMillis(e.End), e.AllDay, e.TimeZone, e.RecurringRule,
				e.RecurringEventID, string(e.Status), []byte(e.Raw), now, now)
			if err != nil {
				return res, fmt.Errorf("failed to insert event %s: %w", e.ProviderEventID, err)
			}
			res.Created++
		case err != nil:
			return res, fmt.Errorf("failed to look up event %s: %w", e.ProviderEventID, err)
		default:
			_, err = tx.ExecContext(ctx, `UPDATE events SET title = ?, description = ?, location = ?, start_ms = ?, end_ms = ?,
all_day = ?, time_zone = ?, recurring_rule = ?, recurring_event_id = ?, status = ?, raw_data = ?, updated_at = ?
WHERE id = ?`,
				e.Title, e.Description, e.Location, database.ToMillis(e.Start), database.ToMillis(e.End), e.AllDay,
				e.TimeZone, e.RecurringRule, e.RecurringEventID, string(e.Status), []byte(e.Raw), now, localID)
			if err != nil {
				return res, fmt.Errorf("failed to update event %s: %w", e.ProviderEventID, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM event_attendees WHERE event_id = ?`, localID); err != nil {
				return res, fmt.Errorf("failed to clear attendees of %s: %w", e.ProviderEventID, err)
			}
			res.Updated++
		}

		if err := r.replaceExDates(ctx, tx, localID, e); err != nil {
			return res, err
		}

		for _, a := range e.Attendees {
			if _, err := tx.ExecContext(ctx, `INSERT INTO event_attendees (event_id, name, email, status) VALUES (?, ?, ?, ?)`,
				localID, a.Name, a.Email, a.Status); err != nil {
				return res, fmt.Errorf("failed to insert attendee of %s: %w", e.ProviderEventID, err)
			}
		}
	}

	// Modified instances replace their series slot; the series may come later in the same page
	var moved []calendar.Event
	for _, e := range events {
		if isInstance(e) {
			moved = append(moved, e)
		}
	}
	if err := r.excludeInstances(ctx, tx, calendarID, moved, database.ExclusionOverridden); err != nil {
		return res, err
	}

	if len(events) > 0 {
		r.logger.Debug().Str("calendar_id", calendarID).Int("created", res.Created).Int("updated", res.Updated).Msg("Upserted events")
	}
	return res, nil
}

func (r *Reconciler) delete(ctx context.Context, tx *sql.Tx, calendarID string, providerEventIDs []string) (int, error) {
	if len(providerEventIDs) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(providerEventIDs)+1)
	args = append(args, calendarID)
	for _, id := range providerEventIDs {
		args = append(args, id)
	}
	rows, err := tx.QueryContext(ctx, `SELECT id FROM events WHERE calendar_id = ? AND provider_event_id IN (`+
		database.Placeholders(len(providerEventIDs))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve events to delete: %w", err)
	}
	var localIDs []any
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan event id: %w", err)
		}
		localIDs = append(localIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(localIDs) == 0 {
		return 0, nil
	}

	in := database.Placeholders(len(localIDs))
	if _, err := tx.ExecContext(ctx, `DELETE FROM event_exclusions WHERE event_id IN (`+in+`)`, localIDs...); err != nil {
		return 0, fmt.Errorf("failed to delete exclusions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM event_attendees WHERE event_id IN (`+in+`)`, localIDs...); err != nil {
		return 0, fmt.Errorf("failed to delete attendees: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id IN (`+in+`)`, localIDs...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted events: %w", err)
	}

	r.logger.Debug().Str("calendar_id", calendarID).Int64("deleted", n).Msg("Deleted cancelled events")
	return int(n), nil
}

// replaceExDates swaps the EXDATE exclusions of a series. Exclusions recorded from instances are kept.
func (r *Reconciler) replaceExDates(ctx context.Context, tx *sql.Tx, localID string, e calendar.Event) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM event_exclusions WHERE event_id = ? AND source = ?`,
		localID, database.ExclusionExDate); err != nil {
		return fmt.Errorf("failed to clear exclusions of %s: %w", e.ProviderEventID, err)
	}
	for _, ex := range e.ExcludedStarts {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO event_exclusions (event_id, start_ms, source) VALUES (?, ?, ?)`,
			localID, database.ToMillis(ex), database.ExclusionExDate); err != nil {
			return fmt.Errorf("failed to insert exclusion of %s: %w", e.ProviderEventID, err)
		}
	}
	return nil
}

func isInstance(e calendar.Event) bool {
	return e.RecurringEventID != "" && !e.OriginalStart.IsZero()
}

// excludeInstances records the slots of exception instances on their stored series so expansion skips them
func (r *Reconciler) excludeInstances(ctx context.Context, tx *sql.Tx, calendarID string, events []calendar.Event, source string) error {
	for _, e := range events {
		var seriesID string
		err := tx.QueryRowContext(ctx, `SELECT id FROM events WHERE calendar_id = ? AND provider_event_id = ?`,
			calendarID, e.RecurringEventID).Scan(&seriesID)
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug().Str("calendar_id", calendarID).Str("series_id", e.RecurringEventID).
				Str("event_id", e.ProviderEventID).Msg("Instance of unknown series, skipping exclusion")
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to look up series %s: %w", e.RecurringEventID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO event_exclusions (event_id, start_ms, source) VALUES (?, ?, ?)`,
			seriesID, database.ToMillis(e.OriginalStart), source); err != nil {
			return fmt.Errorf("failed to exclude instance %s: %w", e.ProviderEventID, err)
		}
	}
	return nil
}
