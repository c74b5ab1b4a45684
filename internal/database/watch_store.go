package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WatchStore persists provider push channels
type WatchStore struct {
	db *sql.DB
}

// NewWatchStore creates a new watch store
func NewWatchStore(db *DB) *WatchStore {
	return &WatchStore{db: db.Conn()}
}

const watchColumns = `id, channel_id, resource_id, calendar_id, provider_id, expiration_ms, deleted_at_ms, created_at`

func scanWatch(row interface{ Scan(...any) error }) (*Watch, error) {
	var w Watch
	var expiration, createdAt int64
	var deletedAt sql.NullInt64
	if err := row.Scan(&w.ID, &w.ChannelID, &w.ResourceID, &w.CalendarID, &w.ProviderID, &expiration, &deletedAt, &createdAt); err != nil {
		return nil, err
	}
	w.Expiration = FromMillis(expiration)
	w.CreatedAt = FromMillis(createdAt)
	if deletedAt.Valid {
		t := FromMillis(deletedAt.Int64)
		w.DeletedAt = &t
	}
	return &w, nil
}

func (s *WatchStore) query(ctx context.Context, where string, args ...any) ([]Watch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+watchColumns+` FROM calendar_watches WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query watches: %w", err)
	}
	defer rows.Close()

	var watches []Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan watch: %w", err)
		}
		watches = append(watches, *w)
	}
	return watches, rows.Err()
}

// Insert records a newly confirmed channel
func (s *WatchStore) Insert(ctx context.Context, w Watch) (*Watch, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO calendar_watches (id, channel_id, resource_id, calendar_id, provider_id, expiration_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.ChannelID, w.ResourceID, w.CalendarID, w.ProviderID, ToMillis(w.Expiration), ToMillis(w.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert watch %s: %w", w.ChannelID, err)
	}
	return &w, nil
}

// GetActiveByChannel returns the active watch owning a channel id or ErrNotFound
func (s *WatchStore) GetActiveByChannel(ctx context.Context, channelID string, now time.Time) (*Watch, error) {
	w, err := scanWatch(s.db.QueryRowContext(ctx, `
SELECT `+watchColumns+` FROM calendar_watches
WHERE channel_id = ? AND deleted_at_ms IS NULL AND expiration_ms > ?`, channelID, ToMillis(now)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get watch %s: %w", channelID, err)
	}
	return w, nil
}

// ListUndeletedFor returns every watch of a calendar not yet torn down, expired ones included
func (s *WatchStore) ListUndeletedFor(ctx context.Context, calendarID, providerID string) ([]Watch, error) {
	return s.query(ctx, `calendar_id = ? AND provider_id = ? AND deleted_at_ms IS NULL
ORDER BY created_at DESC, expiration_ms DESC`, calendarID, providerID)
}

// ListActive returns every active watch
func (s *WatchStore) ListActive(ctx context.Context, now time.Time) ([]Watch, error) {
	return s.query(ctx, `deleted_at_ms IS NULL AND expiration_ms > ? ORDER BY expiration_ms`, ToMillis(now))
}

// ListExpiringBefore returns watches still active at now whose lease ends before deadline
func (s *WatchStore) ListExpiringBefore(ctx context.Context, now, deadline time.Time) ([]Watch, error) {
	return s.query(ctx, `deleted_at_ms IS NULL AND expiration_ms > ? AND expiration_ms <= ? ORDER BY expiration_ms`,
		ToMillis(now), ToMillis(deadline))
}

// MarkDeleted stamps deletedAt on a torn down watch
func (s *WatchStore) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE calendar_watches SET deleted_at_ms = ? WHERE id = ? AND deleted_at_ms IS NULL`,
		ToMillis(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark watch %s deleted: %w", id, err)
	}
	return nil
}
