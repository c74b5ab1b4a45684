package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/belphemur/calsync/internal/constants"
	"github.com/belphemur/calsync/internal/logging"
)

// ProviderStore persists provider registrations
type ProviderStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewProviderStore creates a new provider store
func NewProviderStore(db *DB) *ProviderStore {
	return &ProviderStore{db: db.Conn(), logger: logging.GetLogger("provider-store")}
}

const providerColumns = `id, account_id, provider_type, name, sync_token, status, status_message, created_at, updated_at`

func scanProvider(row interface{ Scan(...any) error }) (*Provider, error) {
	var p Provider
	var syncToken sql.NullString
	var providerType, status string
	var createdAt, updatedAt int64
	if err := row.Scan(&p.ID, &p.AccountID, &providerType, &p.Name, &syncToken, &status, &p.StatusMessage, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Type = constants.ProviderType(providerType)
	p.Status = constants.IntegrationStatus(status)
	p.SyncToken = syncToken.String
	p.CreatedAt = FromMillis(createdAt)
	p.UpdatedAt = FromMillis(updatedAt)
	return &p, nil
}

// GetByAccount returns the registration of an account or ErrNotFound
func (s *ProviderStore) GetByAccount(ctx context.Context, accountID string) (*Provider, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM calendar_providers WHERE account_id = ?`, accountID)
	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider for account %s: %w", accountID, err)
	}
	return p, nil
}

// GetByID returns a registration by its local id or ErrNotFound
func (s *ProviderStore) GetByID(ctx context.Context, id string) (*Provider, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM calendar_providers WHERE id = ?`, id)
	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider %s: %w", id, err)
	}
	return p, nil
}

// Ensure resolves the registration of an account, creating it on first use.
// An account holds a single registration; a different provider type replaces the type in place.
func (s *ProviderStore) Ensure(ctx context.Context, accountID string, providerType constants.ProviderType) (*Provider, error) {
	now := ToMillis(time.Now())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO calendar_providers (id, account_id, provider_type, name, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(account_id) DO UPDATE SET
	provider_type = excluded.provider_type,
	updated_at = CASE WHEN calendar_providers.provider_type = excluded.provider_type
		THEN calendar_providers.updated_at ELSE excluded.updated_at END`,
		uuid.NewString(), accountID, string(providerType), providerType.String(), string(constants.StatusIdle), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure provider for account %s: %w", accountID, err)
	}
	return s.GetByAccount(ctx, accountID)
}

// List returns every registration
func (s *ProviderStore) List(ctx context.Context) ([]Provider, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+providerColumns+` FROM calendar_providers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var providers []Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		providers = append(providers, *p)
	}
	return providers, rows.Err()
}

// SetStatus records the observable integration status
func (s *ProviderStore) SetStatus(ctx context.Context, providerID string, status constants.IntegrationStatus, message string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE calendar_providers SET status = ?, status_message = ?, updated_at = ? WHERE id = ?`,
		string(status), message, ToMillis(time.Now()), providerID)
	if err != nil {
		return fmt.Errorf("failed to set provider status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.logger.Debug().Str("provider_id", providerID).Str("status", string(status)).Msg("Provider status updated")
	return nil
}
