package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/belphemur/calsync/internal/constants"
	"github.com/belphemur/calsync/internal/logging"
	"github.com/belphemur/calsync/internal/signals"
	"github.com/belphemur/calsync/internal/workflow"
)

const (
	// WorkflowSync is the full account sync workflow
	WorkflowSync = "calendar-sync"
	// WorkflowIncremental is the single calendar sync workflow
	WorkflowIncremental = "calendar-sync-incremental"
)

// SyncWorkflowID is the identity of an account sync; one runs at a time per account and provider
func SyncWorkflowID(accountID string, providerType constants.ProviderType) string {
	return fmt.Sprintf("sync-%s-%s", accountID, providerType)
}

// IncrementalGroup serializes incremental syncs of an account
func IncrementalGroup(accountID string, providerType constants.ProviderType) string {
	return fmt.Sprintf("sync-incremental-%s-%s", accountID, providerType)
}

// Status is the observable state of a sync run
type Status struct {
	RunID      string     `json:"run_id"`
	WorkflowID string     `json:"workflow_id"`
	Status     string     `json:"status"`
	Result     *Result    `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

// Service is the trigger surface for sync runs
type Service struct {
	engine *workflow.Engine
	logger zerolog.Logger
}

// NewService registers the sync workflows on engine
func NewService(engine *workflow.Engine, orchestrator *Orchestrator) *Service {
	s := &Service{
		engine: engine,
		logger: logging.GetLogger("sync-service"),
	}

	engine.Register(WorkflowSync, func(ctx context.Context, wc *workflow.Context, input json.RawMessage) (any, error) {
		var req Request
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, fmt.Errorf("failed to decode sync request: %w", err)
		}
		return orchestrator.RunSync(ctx, wc, req)
	})
	engine.Register(WorkflowIncremental, func(ctx context.Context, wc *workflow.Context, input json.RawMessage) (any, error) {
		var req IncrementalRequest
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, fmt.Errorf("failed to decode incremental sync request: %w", err)
		}
		return orchestrator.RunIncremental(ctx, wc, req)
	})
	engine.OnClose(s.emitFinished)

	return s
}

func (s *Service) emitFinished(run workflow.Run) {
	if run.Name != WorkflowSync && run.Name != WorkflowIncremental {
		return
	}
	// Both request shapes carry the account and provider type under the same keys
	var req IncrementalRequest
	if err := json.Unmarshal(run.Input, &req); err != nil {
		s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to decode finished run input")
	}
	signals.EmitSyncFinished(context.Background(), signals.SyncFinishedData{
		AccountID:    req.AccountID,
		ProviderType: req.ProviderType.String(),
		RunID:        run.ID,
		WorkflowID:   run.WorkflowID,
		Incremental:  run.Name == WorkflowIncremental,
		Status:       string(run.Status),
		Error:        run.Error,
	})
}

// StartSync starts a full account sync, or returns the run already syncing the account
func (s *Service) StartSync(ctx context.Context, accountID string, providerType constants.ProviderType, forceFullSync bool) (string, error) {
	if accountID == "" {
		return "", fmt.Errorf("account id is required")
	}
	if !providerType.IsValid() {
		return "", fmt.Errorf("unsupported provider type %q", providerType)
	}
	runID, err := s.engine.Start(ctx, workflow.StartOptions{
		WorkflowID: SyncWorkflowID(accountID, providerType),
		Workflow:   WorkflowSync,
		Input:      Request{AccountID: accountID, ProviderType: providerType, ForceFullSync: forceFullSync},
	})
	if err != nil {
		return "", fmt.Errorf("failed to start sync: %w", err)
	}
	s.logger.Info().Str("account_id", accountID).Str("run_id", runID).Bool("force_full_sync", forceFullSync).Msg("Sync started")
	return runID, nil
}

// StartIncremental queues a sync of one calendar. Every call gets a fresh identity so
// bursts queue behind each other instead of colliding with a running account sync.
func (s *Service) StartIncremental(ctx context.Context, accountID string, providerType constants.ProviderType, calendarID string) (string, error) {
	if accountID == "" || calendarID == "" {
		return "", fmt.Errorf("account id and calendar id are required")
	}
	runID, err := s.engine.Start(ctx, workflow.StartOptions{
		WorkflowID: fmt.Sprintf("%s-%s", IncrementalGroup(accountID, providerType), uuid.NewString()),
		Group:      IncrementalGroup(accountID, providerType),
		Workflow:   WorkflowIncremental,
		Input:      IncrementalRequest{AccountID: accountID, ProviderType: providerType, CalendarID: calendarID},
	})
	if err != nil {
		return "", fmt.Errorf("failed to start incremental sync: %w", err)
	}
	s.logger.Debug().Str("account_id", accountID).Str("calendar_id", calendarID).Str("run_id", runID).Msg("Incremental sync queued")
	return runID, nil
}

// GetSyncStatus describes a run
func (s *Service) GetSyncStatus(ctx context.Context, runID string) (*Status, error) {
	run, err := s.engine.Describe(ctx, runID)
	if err != nil {
		return nil, err
	}
	st := &Status{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Status:     string(run.Status),
		Error:      run.Error,
		StartedAt:  run.StartedAt,
		ClosedAt:   run.ClosedAt,
	}
	if len(run.Result) > 0 {
		var res Result
		if err := json.Unmarshal(run.Result, &res); err != nil {
			return nil, fmt.Errorf("failed to decode sync result: %w", err)
		}
		st.Result = &res
	}
	return st, nil
}

// IsSyncRunning reports whether an account sync or any incremental sync of the account is in progress
func (s *Service) IsSyncRunning(accountID string, providerType constants.ProviderType) bool {
	return s.engine.IsRunning(SyncWorkflowID(accountID, providerType)) ||
		s.engine.IsGroupActive(IncrementalGroup(accountID, providerType))
}
