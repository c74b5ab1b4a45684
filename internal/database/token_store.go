package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// TokenStore handles per-account OAuth token storage in SQLite
type TokenStore struct {
	db *sql.DB
}

// NewTokenStore creates a new token store
func NewTokenStore(db *DB) (*TokenStore, error) {
	return &TokenStore{db: db.Conn()}, nil
}

// SaveToken stores or replaces the token of an account
func (s *TokenStore) SaveToken(ctx context.Context, accountID string, token *oauth2.Token) error {
	tokenJSON, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO oauth_tokens (account_id, token_data, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(account_id) DO UPDATE SET
	token_data = excluded.token_data,
	updated_at = excluded.updated_at`, accountID, tokenJSON, ToMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	return nil
}

// GetToken retrieves the saved OAuth token, nil when the account never authorised
func (s *TokenStore) GetToken(ctx context.Context, accountID string) (*oauth2.Token, error) {
	var tokenJSON []byte
	err := s.db.QueryRowContext(ctx, `
SELECT token_data FROM oauth_tokens WHERE account_id = ?
`, accountID).Scan(&tokenJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve token: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(tokenJSON, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return &token, nil
}

// ClearToken removes the saved OAuth token
func (s *TokenStore) ClearToken(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE account_id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}
	return nil
}
