package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/belphemur/calsync/internal/logging"
)

// Func is the body of a workflow. It must only reach side effects through ExecuteActivity
// so that a resumed run replays what already happened.
type Func func(ctx context.Context, wc *Context, input json.RawMessage) (any, error)

// Options configures an Engine
type Options struct {
	RetryPolicy RetryPolicy
	RunTimeout  time.Duration
}

// StartOptions identifies a new run
type StartOptions struct {
	// WorkflowID dedups runs: starting an id that is already running returns the running run
	WorkflowID string
	// Group serializes runs: runs sharing a non-empty group execute one at a time in start order
	Group    string
	Workflow string
	Input    any
}

// Engine executes registered workflows in background goroutines
type Engine struct {
	store      Store
	policy     RetryPolicy
	runTimeout time.Duration
	logger     zerolog.Logger

	mu        sync.Mutex
	workflows map[string]Func
	running   map[string]string // workflow id -> run id
	groups    map[string][]Run  // queued runs per active group
	listeners []func(Run)
	closing   bool

	wg       sync.WaitGroup
	inFlight *atomic.Int64
	baseCtx  context.Context
	cancel   context.CancelFunc
}

// NewEngine creates an engine persisting to store
func NewEngine(store Store, opts Options) *Engine {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      store,
		policy:     opts.RetryPolicy.withDefaults(),
		runTimeout: opts.RunTimeout,
		logger:     logging.GetLogger("workflow"),
		workflows:  make(map[string]Func),
		running:    make(map[string]string),
		groups:     make(map[string][]Run),
		inFlight:   atomic.NewInt64(0),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Register makes a workflow startable under name
func (e *Engine) Register(name string, fn Func) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[name] = fn
}

// OnClose registers a callback invoked with the final record of every run
func (e *Engine) OnClose(fn func(Run)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Start launches a run and returns its id without waiting for it
func (e *Engine) Start(ctx context.Context, opts StartOptions) (string, error) {
	if opts.WorkflowID == "" {
		return "", errors.New("workflow id is required")
	}
	input, err := json.Marshal(opts.Input)
	if err != nil {
		return "", fmt.Errorf("failed to encode workflow input: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closing {
		return "", ErrEngineClosed
	}
	if _, ok := e.workflows[opts.Workflow]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownWorkflow, opts.Workflow)
	}
	if runID, ok := e.running[opts.WorkflowID]; ok {
		e.logger.Debug().Str("workflow_id", opts.WorkflowID).Str("run_id", runID).Msg("Workflow already running, returning existing run")
		return runID, nil
	}

	// A run left open by a previous process is adopted instead of started twice
	open, err := e.store.FindRunning(ctx, opts.WorkflowID)
	switch {
	case err == nil:
		if _, ok := e.workflows[open.Name]; ok {
			e.logger.Info().Str("workflow", open.Name).Str("workflow_id", open.WorkflowID).Str("run_id", open.ID).Msg("Adopting open run from a previous process")
			e.dispatchLocked(*open)
			return open.ID, nil
		}
	case !errors.Is(err, ErrRunNotFound):
		return "", err
	}

	run := Run{
		ID:         uuid.NewString(),
		WorkflowID: opts.WorkflowID,
		Name:       opts.Workflow,
		Group:      opts.Group,
		Status:     StatusRunning,
		Input:      input,
		StartedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return "", err
	}

	e.logger.Info().Str("workflow", run.Name).Str("workflow_id", run.WorkflowID).Str("run_id", run.ID).Str("group", run.Group).Msg("Starting workflow")
	e.dispatchLocked(run)
	return run.ID, nil
}

// dispatchLocked hands a run to a goroutine, or to its group's queue. Callers hold e.mu.
func (e *Engine) dispatchLocked(run Run) {
	e.running[run.WorkflowID] = run.ID
	e.wg.Add(1)
	e.inFlight.Inc()

	if run.Group == "" {
		go func() {
			defer e.wg.Done()
			e.execute(run)
		}()
		return
	}

	queue, active := e.groups[run.Group]
	e.groups[run.Group] = append(queue, run)
	if !active {
		go e.drainGroup(run.Group)
	}
}

func (e *Engine) drainGroup(group string) {
	for {
		e.mu.Lock()
		queue := e.groups[group]
		if len(queue) == 0 {
			delete(e.groups, group)
			e.mu.Unlock()
			return
		}
		run := queue[0]
		e.mu.Unlock()

		e.execute(run)

		e.mu.Lock()
		e.groups[group] = e.groups[group][1:]
		e.mu.Unlock()
		e.wg.Done()
	}
}

func (e *Engine) execute(run Run) {
	defer e.inFlight.Dec()
	logger := e.logger.With().Str("workflow", run.Name).Str("run_id", run.ID).Logger()

	e.mu.Lock()
	fn := e.workflows[run.Name]
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(e.baseCtx, e.runTimeout)
	defer cancel()

	wc := &Context{
		runID:      run.ID,
		workflowID: run.WorkflowID,
		store:      e.store,
		policy:     e.policy,
		logger:     logger,
	}

	result, err := e.invoke(ctx, wc, fn, run.Input)

	if err != nil && e.baseCtx.Err() != nil {
		// Interrupted by shutdown: leave the run open so Resume picks it up
		logger.Warn().Err(err).Msg("Workflow interrupted by shutdown")
		e.forget(run)
		return
	}

	closedAt := time.Now().UTC()
	status := StatusCompleted
	var errMsg string
	var raw []byte
	if err != nil {
		status = StatusFailed
		errMsg = err.Error()
	} else if result != nil {
		if raw, err = json.Marshal(result); err != nil {
			status = StatusFailed
			errMsg = fmt.Sprintf("failed to encode workflow result: %v", err)
		}
	}

	if err := e.store.CloseRun(context.Background(), run.ID, status, raw, errMsg, closedAt); err != nil {
		logger.Error().Err(err).Msg("Failed to record workflow outcome")
	}
	if status == StatusFailed {
		logger.Error().Str("error", errMsg).Msg("Workflow failed")
	} else {
		logger.Info().Dur("duration", closedAt.Sub(run.StartedAt)).Msg("Workflow completed")
	}

	run.Status = status
	run.Result = raw
	run.Error = errMsg
	run.ClosedAt = &closedAt
	listeners := e.forget(run)
	for _, l := range listeners {
		l(run)
	}
}

func (e *Engine) invoke(ctx context.Context, wc *Context, fn Func, input json.RawMessage) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("workflow panicked: %v", p)
		}
	}()
	if fn == nil {
		return nil, ErrUnknownWorkflow
	}
	return fn(ctx, wc, input)
}

// forget drops the run from the running set and returns the close listeners
func (e *Engine) forget(run Run) []func(Run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[run.WorkflowID] == run.ID {
		delete(e.running, run.WorkflowID)
	}
	return append([]func(Run){}, e.listeners...)
}

// Describe returns the persisted record of a run
func (e *Engine) Describe(ctx context.Context, runID string) (*Run, error) {
	return e.store.GetRun(ctx, runID)
}

// IsRunning reports whether a run with workflowID is executing or queued
func (e *Engine) IsRunning(workflowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[workflowID]
	return ok
}

// IsGroupActive reports whether any run of group is executing or queued
func (e *Engine) IsGroupActive(group string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.groups[group]
	return ok
}

// InFlight returns the number of runs executing or queued
func (e *Engine) InFlight() int64 {
	return e.inFlight.Load()
}

// Resume restarts runs left open by a previous process. Completed activities replay.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	runs, err := e.store.ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list open workflow runs: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	resumed := 0
	for _, run := range runs {
		if _, ok := e.running[run.WorkflowID]; ok {
			continue
		}
		if _, ok := e.workflows[run.Name]; !ok {
			e.logger.Warn().Str("workflow", run.Name).Str("run_id", run.ID).Msg("Cannot resume run of unregistered workflow")
			msg := fmt.Sprintf("%v: %s", ErrUnknownWorkflow, run.Name)
			if err := e.store.CloseRun(ctx, run.ID, StatusFailed, nil, msg, time.Now().UTC()); err != nil {
				return resumed, err
			}
			continue
		}
		e.logger.Info().Str("workflow", run.Name).Str("run_id", run.ID).Msg("Resuming workflow")
		e.dispatchLocked(run)
		resumed++
	}
	return resumed, nil
}

// Shutdown stops accepting runs and waits for in-flight ones. When ctx expires first,
// running workflows are cancelled and stay open for the next Resume.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.logger.Warn().Int64("in_flight", e.inFlight.Load()).Msg("Shutdown deadline reached, cancelling workflows")
		e.cancel()
		<-done
		return ctx.Err()
	}
}
