package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/belphemur/calsync/internal/constants"
	"github.com/belphemur/calsync/internal/database"
	"github.com/belphemur/calsync/internal/logging"
)

// Push notification headers
const (
	HeaderChannelID     = "X-Goog-Channel-ID"
	HeaderResourceID    = "X-Goog-Resource-ID"
	HeaderResourceState = "X-Goog-Resource-State"
)

// IncrementalTrigger starts a calendar-scoped sync
type IncrementalTrigger interface {
	StartIncremental(ctx context.Context, accountID string, providerType constants.ProviderType, calendarID string) (string, error)
}

// WebhookHandler handles incoming push notifications
type WebhookHandler struct {
	*BaseHandler
	Trigger   IncrementalTrigger
	watches   *database.WatchStore
	providers *database.ProviderStore
	pending   sync.WaitGroup
	logger    zerolog.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(baseHandler *BaseHandler, trigger IncrementalTrigger, db *database.DB) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: baseHandler,
		Trigger:     trigger,
		watches:     database.NewWatchStore(db),
		providers:   database.NewProviderStore(db),
		logger:      logging.GetLogger("webhook"),
	}
}

// RegisterRoutes registers webhook related routes
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+constants.WebhookPath, h.handleCalendarWebhook)
}

// Wait blocks until every dispatched notification has been handed to the trigger
func (h *WebhookHandler) Wait() {
	h.pending.Wait()
}

// handleCalendarWebhook validates a notification and acknowledges it before any sync work
func (h *WebhookHandler) handleCalendarWebhook(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get(HeaderChannelID)
	resourceID := r.Header.Get(HeaderResourceID)
	resourceState := r.Header.Get(HeaderResourceState)

	requestLogger := h.logger.With().
		Str("channel_id", channelID).
		Str("resource_id", resourceID).
		Str("resource_state", resourceState).
		Logger()
	requestLogger.Debug().Msg("Received calendar webhook notification")

	if channelID == "" || resourceID == "" || resourceState == "" {
		requestLogger.Warn().Msg("Dropping notification with missing headers")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// "sync" is the subscription handshake, "not_exists" a removed resource
	if resourceState != constants.ResourceStateExists {
		requestLogger.Debug().Msg("Acknowledging notification without changes")
		w.WriteHeader(http.StatusOK)
		return
	}

	watch, err := h.watches.GetActiveByChannel(r.Context(), channelID, time.Now().UTC())
	if errors.Is(err, database.ErrNotFound) {
		requestLogger.Warn().Msg("Dropping notification for unknown or stale channel")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err != nil {
		requestLogger.Error().Err(err).Msg("Error retrieving notification channel from store")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if watch.ResourceID != resourceID {
		requestLogger.Warn().Str("expected_resource_id", watch.ResourceID).Msg("Resource id mismatch for channel")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	reg, err := h.providers.GetByID(r.Context(), watch.ProviderID)
	if err != nil {
		requestLogger.Error().Err(err).Str("provider_id", watch.ProviderID).Msg("Failed to resolve channel owner")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)

	logger := requestLogger.With().Str("account_id", reg.AccountID).Str("calendar_id", watch.CalendarID).Logger()
	ctx := context.WithoutCancel(r.Context())
	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		runID, err := h.Trigger.StartIncremental(ctx, reg.AccountID, reg.Type, watch.CalendarID)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to start incremental sync")
			return
		}
		logger.Info().Str("run_id", runID).Msg("Incremental sync queued")
	}()
}
