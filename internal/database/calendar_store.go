package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CalendarStore persists mirrored calendars
type CalendarStore struct {
	db *sql.DB
}

// NewCalendarStore creates a new calendar store
func NewCalendarStore(db *DB) *CalendarStore {
	return &CalendarStore{db: db.Conn()}
}

const calendarColumns = `id, provider_id, provider_calendar_id, name, color, access_role, sync_token, metadata, created_at, updated_at`

func scanCalendar(row interface{ Scan(...any) error }) (*Calendar, error) {
	var c Calendar
	var syncToken sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&c.ID, &c.ProviderID, &c.ProviderCalendarID, &c.Name, &c.Color, &c.AccessRole, &syncToken, &c.Metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.SyncToken = syncToken.String
	c.CreatedAt = FromMillis(createdAt)
	c.UpdatedAt = FromMillis(updatedAt)
	return &c, nil
}

// Upsert creates or refreshes a calendar matched by (provider id, provider calendar id).
// The calendar cursor is left untouched.
func (s *CalendarStore) Upsert(ctx context.Context, c Calendar) (*Calendar, error) {
	now := ToMillis(time.Now())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO calendars (id, provider_id, provider_calendar_id, name, color, access_role, metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider_id, provider_calendar_id) DO UPDATE SET
	name = excluded.name,
	color = excluded.color,
	access_role = excluded.access_role,
	metadata = excluded.metadata,
	updated_at = excluded.updated_at`,
		uuid.NewString(), c.ProviderID, c.ProviderCalendarID, c.Name, c.Color, c.AccessRole, c.Metadata, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert calendar %s: %w", c.ProviderCalendarID, err)
	}
	return s.GetByProviderCalendarID(ctx, c.ProviderID, c.ProviderCalendarID)
}

// GetByID returns a calendar by local id or ErrNotFound
func (s *CalendarStore) GetByID(ctx context.Context, id string) (*Calendar, error) {
	c, err := scanCalendar(s.db.QueryRowContext(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get calendar %s: %w", id, err)
	}
	return c, nil
}

// GetByProviderCalendarID returns a calendar by its natural key or ErrNotFound
func (s *CalendarStore) GetByProviderCalendarID(ctx context.Context, providerID, providerCalendarID string) (*Calendar, error) {
	c, err := scanCalendar(s.db.QueryRowContext(ctx, `
SELECT `+calendarColumns+` FROM calendars WHERE provider_id = ? AND provider_calendar_id = ?`, providerID, providerCalendarID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get calendar %s: %w", providerCalendarID, err)
	}
	return c, nil
}

// ListByProvider returns all calendars of a registration
func (s *CalendarStore) ListByProvider(ctx context.Context, providerID string) ([]Calendar, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE provider_id = ? ORDER BY name, id`, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	defer rows.Close()

	var calendars []Calendar
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan calendar: %w", err)
		}
		calendars = append(calendars, *c)
	}
	return calendars, rows.Err()
}
