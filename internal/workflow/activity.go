package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/googleapis/gax-go/v2"
	"github.com/rs/zerolog"

	"github.com/belphemur/calsync/internal/logging"
)

// Context is handed to a running workflow and scopes its activities
type Context struct {
	runID      string
	workflowID string
	store      Store
	policy     RetryPolicy
	logger     zerolog.Logger
}

// RunID returns the id of the run the context belongs to
func (wc *Context) RunID() string { return wc.runID }

// WorkflowID returns the workflow identity of the run
func (wc *Context) WorkflowID() string { return wc.workflowID }

// Logger returns a logger carrying the run id
func (wc *Context) Logger() zerolog.Logger { return wc.logger }

// Local returns a context backed by an in-memory store. Activities are retried
// but their outcomes only live as long as the context.
func Local(policy RetryPolicy) *Context {
	runID := uuid.NewString()
	return &Context{
		runID:      runID,
		workflowID: "local-" + runID,
		store:      NewMemoryStore(),
		policy:     policy.withDefaults(),
		logger:     logging.GetLogger("workflow").With().Str("run_id", runID).Logger(),
	}
}

// ExecuteActivity runs fn once per (run, key). A recorded outcome, success or
// failure, is replayed without calling fn again. Otherwise fn is attempted up to
// the policy's MaximumAttempts with exponential backoff between attempts, each
// attempt bounded by StartToCloseTimeout, and the final outcome is recorded.
func ExecuteActivity[T any](ctx context.Context, wc *Context, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	logger := wc.logger.With().Str("activity", key).Logger()

	rec, err := wc.store.GetActivity(ctx, wc.runID, key)
	switch {
	case err == nil:
		if rec.Error != "" {
			logger.Debug().Str("error", rec.Error).Msg("Replaying failed activity")
			return zero, &ReplayedError{Key: key, Message: rec.Error}
		}
		var out T
		if len(rec.Result) > 0 {
			if err := json.Unmarshal(rec.Result, &out); err != nil {
				return zero, fmt.Errorf("failed to decode recorded outcome of %s: %w", key, err)
			}
		}
		logger.Debug().Msg("Replaying completed activity")
		return out, nil
	case !errors.Is(err, ErrActivityNotFound):
		return zero, fmt.Errorf("failed to load activity %s: %w", key, err)
	}

	policy := wc.policy
	bo := gax.Backoff{
		Initial:    policy.InitialInterval,
		Max:        policy.MaximumInterval,
		Multiplier: policy.BackoffCoefficient,
	}

	var result T
	var lastErr error
	attempts := 0
	for attempts < policy.MaximumAttempts {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, policy.StartToCloseTimeout)
		result, lastErr = fn(attemptCtx)
		cancel()
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			// The run itself is over; leave the activity unrecorded so a resumed run retries it
			return zero, lastErr
		}
		if IsNonRetryable(lastErr) || attempts == policy.MaximumAttempts {
			break
		}
		pause := bo.Pause()
		logger.Warn().Err(lastErr).Int("attempt", attempts).Dur("backoff", pause).Msg("Activity failed, retrying")
		if err := gax.Sleep(ctx, pause); err != nil {
			return zero, lastErr
		}
	}

	record := ActivityRecord{Key: key, Attempts: attempts, CompletedAt: time.Now().UTC()}
	if lastErr != nil {
		record.Error = lastErr.Error()
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			return zero, fmt.Errorf("failed to encode outcome of %s: %w", key, err)
		}
		record.Result = raw
	}
	if err := wc.store.SaveActivity(context.WithoutCancel(ctx), wc.runID, record); err != nil {
		return zero, fmt.Errorf("failed to record activity %s: %w", key, err)
	}

	if lastErr != nil {
		logger.Error().Err(lastErr).Int("attempts", attempts).Msg("Activity failed")
		return zero, lastErr
	}
	return result, nil
}
