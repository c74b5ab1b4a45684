package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/belphemur/calsync/internal/logging"
	"github.com/belphemur/calsync/internal/signals"
)

// authStateTTL bounds how long a consent page may stay open
const authStateTTL = 10 * time.Minute

// TokenExchanger runs the authorization code flow for an account
type TokenExchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, accountID, code string) error
}

type pendingAuth struct {
	accountID string
	expires   time.Time
}

// OAuthHandler manages OAuth2 authentication
type OAuthHandler struct {
	*BaseHandler
	Tokens TokenExchanger

	mu     sync.Mutex
	states map[string]pendingAuth
	now    func() time.Time
	logger zerolog.Logger
}

// NewOAuthHandler creates a new OAuth handler
func NewOAuthHandler(baseHandler *BaseHandler, tokens TokenExchanger) *OAuthHandler {
	return &OAuthHandler{
		BaseHandler: baseHandler,
		Tokens:      tokens,
		states:      make(map[string]pendingAuth),
		now:         time.Now,
		logger:      logging.GetLogger("oauth"),
	}
}

// RegisterRoutes registers the OAuth routes
func (h *OAuthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /auth", h.handleAuth)
	mux.HandleFunc("GET /oauth/callback", h.handleCallback)
}

// AuthResult is returned once an account is connected
type AuthResult struct {
	AccountID string `json:"account_id"`
}

// newState records a single-use state for accountID
func (h *OAuthHandler) newState(accountID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for k, p := range h.states {
		if now.After(p.expires) {
			delete(h.states, k)
		}
	}
	state := uuid.NewString()
	h.states[state] = pendingAuth{accountID: accountID, expires: now.Add(authStateTTL)}
	return state
}

// consumeState returns the account a state was issued for, at most once
func (h *OAuthHandler) consumeState(state string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.states[state]
	if !ok {
		return "", false
	}
	delete(h.states, state)
	if h.now().After(p.expires) {
		return "", false
	}
	return p.accountID, true
}

// handleAuth initiates the OAuth flow
func (h *OAuthHandler) handleAuth(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		h.WriteError(w, http.StatusBadRequest, ErrCodeMissingAccount)
		return
	}
	h.logger.Info().Str("account_id", accountID).Msg("Starting OAuth flow")
	http.Redirect(w, r, h.Tokens.AuthCodeURL(h.newState(accountID)), http.StatusTemporaryRedirect)
}

// handleCallback processes the OAuth callback
func (h *OAuthHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	handlerLogger := h.logger.With().Str("handler", "handleCallback").Logger()
	q := r.URL.Query()

	if errParam := q.Get("error"); errParam != "" {
		handlerLogger.Warn().Str("error", errParam).Msg("Consent denied")
		h.WriteErrorDetail(w, http.StatusBadRequest, ErrCodeAuthFailed, errParam)
		return
	}

	accountID, ok := h.consumeState(q.Get("state"))
	if !ok {
		handlerLogger.Warn().Msg("Unknown or expired OAuth state")
		h.WriteError(w, http.StatusBadRequest, ErrCodeInvalidState)
		return
	}
	handlerLogger = handlerLogger.With().Str("account_id", accountID).Logger()

	code := q.Get("code")
	if code == "" {
		h.WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest)
		return
	}

	if err := h.Tokens.Exchange(r.Context(), accountID, code); err != nil {
		handlerLogger.Error().Err(err).Msg("Token exchange failed")
		signals.EmitTokenSetup(r.Context(), accountID, false)
		h.WriteError(w, http.StatusBadGateway, ErrCodeAuthFailed)
		return
	}

	handlerLogger.Info().Msg("Account connected")
	signals.EmitTokenSetup(context.WithoutCancel(r.Context()), accountID, true)
	h.WriteJSON(w, http.StatusOK, AuthResult{AccountID: accountID})
}
