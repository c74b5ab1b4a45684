package signals

import (
	"context"

	"github.com/maniartech/signals"
)

// TokenSetupData contains data associated with token setup signal
type TokenSetupData struct {
	AccountID string
	Success   bool
}

// SyncFinishedData describes a sync run that reached a terminal state
type SyncFinishedData struct {
	AccountID    string
	ProviderType string
	RunID        string
	WorkflowID   string
	Incremental  bool
	Status       string
	Error        string
}

// Signal definitions using generics
var TokenSetup = signals.New[TokenSetupData]()
var SyncFinished = signals.New[SyncFinishedData]()

// EmitTokenSetup emits a signal when an account's token is stored
func EmitTokenSetup(ctx context.Context, accountID string, success bool) {
	TokenSetup.Emit(ctx, TokenSetupData{
		AccountID: accountID,
		Success:   success,
	})
}

// EmitSyncFinished emits a signal when a sync run closes
func EmitSyncFinished(ctx context.Context, data SyncFinishedData) {
	SyncFinished.Emit(ctx, data)
}

// OnTokenSetup registers a handler for token setup events
func OnTokenSetup(handler func(ctx context.Context, data TokenSetupData), key ...string) {
	if len(key) > 0 {
		TokenSetup.AddListener(handler, key[0])
	} else {
		TokenSetup.AddListener(handler)
	}
}

// OnSyncFinished registers a handler for finished sync runs
func OnSyncFinished(handler func(ctx context.Context, data SyncFinishedData), key ...string) {
	if len(key) > 0 {
		SyncFinished.AddListener(handler, key[0])
	} else {
		SyncFinished.AddListener(handler)
	}
}

// RemoveSyncFinished drops a keyed handler
func RemoveSyncFinished(key string) {
	SyncFinished.RemoveListener(key)
}

// RemoveTokenSetup drops a keyed handler
func RemoveTokenSetup(key string) {
	TokenSetup.RemoveListener(key)
}
