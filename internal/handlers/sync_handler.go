package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/belphemur/calsync/internal/constants"
	"github.com/belphemur/calsync/internal/logging"
	"github.com/belphemur/calsync/internal/syncer"
	"github.com/belphemur/calsync/internal/workflow"
)

// SyncTrigger starts and reports on account syncs
type SyncTrigger interface {
	StartSync(ctx context.Context, accountID string, providerType constants.ProviderType, forceFullSync bool) (string, error)
	GetSyncStatus(ctx context.Context, runID string) (*syncer.Status, error)
	IsSyncRunning(accountID string, providerType constants.ProviderType) bool
}

// SyncHandler manages manual synchronization functionality
type SyncHandler struct {
	*BaseHandler
	Syncs  SyncTrigger
	logger zerolog.Logger
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(baseHandler *BaseHandler, syncs SyncTrigger) *SyncHandler {
	return &SyncHandler{
		BaseHandler: baseHandler,
		Syncs:       syncs,
		logger:      logging.GetLogger("sync-handler"),
	}
}

// RegisterRoutes registers sync related routes
func (h *SyncHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sync", h.handleStartSync)
	mux.HandleFunc("GET /api/sync/status", h.handleSyncStatus)
	mux.HandleFunc("GET /api/sync/running", h.handleSyncRunning)
}

// SyncRequest represents the JSON request body for sync
type SyncRequest struct {
	AccountID     string `json:"account_id"`
	ProviderType  string `json:"provider_type"`
	ForceFullSync bool   `json:"force_full_sync"`
}

// SyncStarted is returned once a run is accepted
type SyncStarted struct {
	RunID string `json:"run_id"`
}

// SyncRunning reports whether an account sync is in flight
type SyncRunning struct {
	Running bool `json:"running"`
}

func (h *SyncHandler) handleStartSync(w http.ResponseWriter, r *http.Request) {
	handlerLogger := h.logger.With().Str("handler", "handleStartSync").Logger()

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlerLogger.Warn().Err(err).Msg("Failed to parse request body")
		h.WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest)
		return
	}
	if req.AccountID == "" {
		h.WriteError(w, http.StatusBadRequest, ErrCodeMissingAccount)
		return
	}
	providerType, err := constants.ParseProviderType(req.ProviderType)
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, ErrCodeInvalidProviderType)
		return
	}

	runID, err := h.Syncs.StartSync(r.Context(), req.AccountID, providerType, req.ForceFullSync)
	if err != nil {
		handlerLogger.Error().Err(err).Str("account_id", req.AccountID).Msg("Failed to start sync")
		h.WriteError(w, http.StatusInternalServerError, ErrCodeSyncFailed)
		return
	}

	handlerLogger.Info().Str("account_id", req.AccountID).Str("run_id", runID).Bool("force_full_sync", req.ForceFullSync).Msg("Sync started")
	h.WriteJSON(w, http.StatusAccepted, SyncStarted{RunID: runID})
}

func (h *SyncHandler) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		h.WriteError(w, http.StatusBadRequest, ErrCodeMissingRunID)
		return
	}

	status, err := h.Syncs.GetSyncStatus(r.Context(), runID)
	if errors.Is(err, workflow.ErrRunNotFound) {
		h.WriteError(w, http.StatusNotFound, ErrCodeRunNotFound)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to read sync status")
		h.WriteError(w, http.StatusInternalServerError, ErrCodeUnknown)
		return
	}
	h.WriteJSON(w, http.StatusOK, status)
}

func (h *SyncHandler) handleSyncRunning(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	accountID := q.Get("account_id")
	if accountID == "" {
		h.WriteError(w, http.StatusBadRequest, ErrCodeMissingAccount)
		return
	}
	providerType, err := constants.ParseProviderType(q.Get("provider_type"))
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, ErrCodeInvalidProviderType)
		return
	}
	h.WriteJSON(w, http.StatusOK, SyncRunning{Running: h.Syncs.IsSyncRunning(accountID, providerType)})
}
