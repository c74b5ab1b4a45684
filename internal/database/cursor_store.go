package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/belphemur/calsync/internal/logging"
)

// CursorStore holds the account-level and calendar-level sync cursors.
// A cursor only moves forward to a newer provider token or is reset to absent.
type CursorStore struct {
	db     *DB
	logger zerolog.Logger
}

// NewCursorStore creates a new cursor store
func NewCursorStore(db *DB) *CursorStore {
	return &CursorStore{db: db, logger: logging.GetLogger("cursor-store")}
}

// AccountCursor returns the calendar-list cursor of a registration, empty when absent
func (s *CursorStore) AccountCursor(ctx context.Context, providerID string) (string, error) {
	var token sql.NullString
	err := s.db.Conn().QueryRowContext(ctx, `SELECT sync_token FROM calendar_providers WHERE id = ?`, providerID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read account cursor: %w", err)
	}
	return token.String, nil
}

// SaveAccountCursor replaces the calendar-list cursor. An empty token keeps the stored one.
func (s *CursorStore) SaveAccountCursor(ctx context.Context, providerID, token string) error {
	if token == "" {
		return nil
	}
	_, err := s.db.Conn().ExecContext(ctx, `UPDATE calendar_providers SET sync_token = ?, updated_at = ? WHERE id = ?`,
		token, ToMillis(time.Now()), providerID)
	if err != nil {
		return fmt.Errorf("failed to save account cursor: %w", err)
	}
	return nil
}

// CalendarCursor returns the event cursor of a calendar, empty when absent
func (s *CursorStore) CalendarCursor(ctx context.Context, calendarID string) (string, error) {
	var token sql.NullString
	err := s.db.Conn().QueryRowContext(ctx, `SELECT sync_token FROM calendars WHERE id = ?`, calendarID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read calendar cursor: %w", err)
	}
	return token.String, nil
}

// SaveCalendarCursor replaces the event cursor of a calendar. An empty token keeps the stored one.
func (s *CursorStore) SaveCalendarCursor(ctx context.Context, calendarID, token string) error {
	if token == "" {
		return nil
	}
	_, err := s.db.Conn().ExecContext(ctx, `UPDATE calendars SET sync_token = ?, updated_at = ? WHERE id = ?`,
		token, ToMillis(time.Now()), calendarID)
	if err != nil {
		return fmt.Errorf("failed to save calendar cursor: %w", err)
	}
	return nil
}

// Reset clears the account cursor and every calendar cursor under the registration
func (s *CursorStore) Reset(ctx context.Context, providerID string) error {
	err := s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		now := ToMillis(time.Now())
		if _, err := tx.ExecContext(ctx, `UPDATE calendar_providers SET sync_token = NULL, updated_at = ? WHERE id = ?`, now, providerID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE calendars SET sync_token = NULL, updated_at = ? WHERE provider_id = ?`, now, providerID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to reset cursors: %w", err)
	}
	s.logger.Info().Str("provider_id", providerID).Msg("Cleared account and calendar cursors")
	return nil
}
