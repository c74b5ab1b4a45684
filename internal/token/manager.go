package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/belphemur/calsync/internal/logging"
)

// ErrNoToken is returned when an account never completed the OAuth flow
var ErrNoToken = errors.New("no token found")

// Store is the persistence the manager needs
type Store interface {
	GetToken(ctx context.Context, accountID string) (*oauth2.Token, error)
	SaveToken(ctx context.Context, accountID string, token *oauth2.Token) error
}

// Manager handles per-account OAuth token storage and refreshing
type Manager struct {
	store       Store
	oauthConfig *oauth2.Config
	logger      zerolog.Logger
}

// NewManager creates a new Manager
func NewManager(store Store, oauthConfig *oauth2.Config) *Manager {
	return &Manager{
		store:       store,
		oauthConfig: oauthConfig,
		logger:      logging.GetLogger("token-manager"),
	}
}

// GetValidToken retrieves a valid token, refreshing and persisting it if necessary
func (m *Manager) GetValidToken(ctx context.Context, accountID string) (*oauth2.Token, error) {
	token, err := m.store.GetToken(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve token: %w", err)
	}
	if token == nil {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNoToken)
	}

	if !token.Valid() {
		m.logger.Debug().Str("account_id", accountID).Msg("Token expired, refreshing")
		newToken, err := m.oauthConfig.TokenSource(ctx, token).Token()
		if err != nil {
			return nil, fmt.Errorf("failed to refresh token: %w", err)
		}
		if newToken.RefreshToken == "" {
			newToken.RefreshToken = token.RefreshToken
		}

		if err := m.store.SaveToken(ctx, accountID, newToken); err != nil {
			return nil, fmt.Errorf("failed to save refreshed token: %w", err)
		}
		m.logger.Info().Str("account_id", accountID).Time("expiry", newToken.Expiry).Msg("Token refreshed")
		token = newToken
	}

	return token, nil
}

// HTTPClient returns an authenticated client for the account's provider calls
func (m *Manager) HTTPClient(ctx context.Context, accountID string) (*http.Client, error) {
	token, err := m.GetValidToken(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return m.oauthConfig.Client(ctx, token), nil
}

// Exchange completes the authorization code flow and stores the resulting token
func (m *Manager) Exchange(ctx context.Context, accountID, code string) error {
	token, err := m.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	if err := m.store.SaveToken(ctx, accountID, token); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	m.logger.Info().Str("account_id", accountID).Msg("Account authorised")
	return nil
}

// AuthCodeURL returns the consent page address; state is echoed back on redirect
func (m *Manager) AuthCodeURL(state string) string {
	return m.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}
