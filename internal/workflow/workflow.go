// Package workflow runs checkpointed workflows: sequential control flow whose
// steps (activities) are retried independently and never re-executed once their
// outcome is recorded.
package workflow

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrUnknownWorkflow is returned when starting a name nobody registered
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrRunNotFound is returned by lookups of unknown run ids
	ErrRunNotFound = errors.New("workflow run not found")
	// ErrActivityNotFound means no outcome was recorded yet for an activity key
	ErrActivityNotFound = errors.New("activity outcome not found")
	// ErrEngineClosed is returned by Start after Shutdown began
	ErrEngineClosed = errors.New("workflow engine is shutting down")
)

// Status of a run
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is the persisted record of one workflow execution
type Run struct {
	ID         string
	WorkflowID string
	Name       string
	Group      string
	Status     Status
	Input      json.RawMessage
	Result     json.RawMessage
	Error      string
	StartedAt  time.Time
	ClosedAt   *time.Time
}

// ActivityRecord is the recorded outcome of one activity
type ActivityRecord struct {
	Key         string
	Result      json.RawMessage
	Error       string
	Attempts    int
	CompletedAt time.Time
}

// RetryPolicy bounds how an activity is retried
type RetryPolicy struct {
	StartToCloseTimeout time.Duration
	InitialInterval     time.Duration
	BackoffCoefficient  float64
	MaximumInterval     time.Duration
	MaximumAttempts     int
}

// DefaultRetryPolicy is 3 attempts, 1s to 100s exponential backoff, 5 minutes per attempt
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		StartToCloseTimeout: 5 * time.Minute,
		InitialInterval:     time.Second,
		BackoffCoefficient:  2,
		MaximumInterval:     100 * time.Second,
		MaximumAttempts:     3,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.StartToCloseTimeout <= 0 {
		p.StartToCloseTimeout = d.StartToCloseTimeout
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = d.BackoffCoefficient
	}
	if p.MaximumInterval <= 0 {
		p.MaximumInterval = d.MaximumInterval
	}
	if p.MaximumAttempts <= 0 {
		p.MaximumAttempts = d.MaximumAttempts
	}
	return p
}

// nonRetryableError stops the retry loop of an activity on first failure
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err so that the activity returning it fails immediately
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable
func IsNonRetryable(err error) bool {
	var n *nonRetryableError
	return errors.As(err, &n)
}

// ReplayedError is returned when a failed activity outcome is replayed from the store
type ReplayedError struct {
	Key     string
	Message string
}

func (e *ReplayedError) Error() string {
	return e.Message
}
