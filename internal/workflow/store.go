package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/belphemur/calsync/internal/database"
)

// Store persists runs and activity outcomes
type Store interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	FindRunning(ctx context.Context, workflowID string) (*Run, error)
	ListRunning(ctx context.Context) ([]Run, error)
	CloseRun(ctx context.Context, runID string, status Status, result []byte, errMsg string, closedAt time.Time) error
	GetActivity(ctx context.Context, runID, key string) (*ActivityRecord, error)
	SaveActivity(ctx context.Context, runID string, rec ActivityRecord) error
}

// SQLStore keeps runs in the workflow_runs and workflow_activities tables
type SQLStore struct {
	db *database.DB
}

// NewSQLStore creates a store over an already migrated database
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

const runColumns = `id, workflow_id, workflow_name, group_key, status, input, result, error, started_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var status string
	var startedAt int64
	var closedAt sql.NullInt64
	var input, result []byte
	if err := row.Scan(&r.ID, &r.WorkflowID, &r.Name, &r.Group, &status, &input, &result, &r.Error, &startedAt, &closedAt); err != nil {
		return nil, err
	}
	r.Input = input
	r.Result = result
	r.Status = Status(status)
	r.StartedAt = database.FromMillis(startedAt)
	if closedAt.Valid {
		t := database.FromMillis(closedAt.Int64)
		r.ClosedAt = &t
	}
	return &r, nil
}

func (s *SQLStore) CreateRun(ctx context.Context, run Run) error {
	_, err := s.db.Conn().ExecContext(ctx,
		`INSERT INTO workflow_runs (id, workflow_id, workflow_name, group_key, status, input, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.Name, run.Group, string(run.Status), []byte(run.Input), database.ToMillis(run.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to insert workflow run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.Conn().QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow run %s: %w", runID, err)
	}
	return r, nil
}

func (s *SQLStore) FindRunning(ctx context.Context, workflowID string) (*Run, error) {
	row := s.db.Conn().QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE workflow_id = ? AND status = ? ORDER BY started_at DESC LIMIT 1`,
		workflowID, string(StatusRunning))
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query running workflow %s: %w", workflowID, err)
	}
	return r, nil
}

func (s *SQLStore) ListRunning(ctx context.Context) ([]Run, error) {
	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE status = ? ORDER BY started_at, rowid`, string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to list running workflows: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *SQLStore) CloseRun(ctx context.Context, runID string, status Status, result []byte, errMsg string, closedAt time.Time) error {
	res, err := s.db.Conn().ExecContext(ctx,
		`UPDATE workflow_runs SET status = ?, result = ?, error = ?, closed_at = ? WHERE id = ?`,
		string(status), result, errMsg, database.ToMillis(closedAt), runID)
	if err != nil {
		return fmt.Errorf("failed to close workflow run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *SQLStore) GetActivity(ctx context.Context, runID, key string) (*ActivityRecord, error) {
	var rec ActivityRecord
	var completedAt int64
	var result []byte
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT activity_key, result, error, attempts, completed_at FROM workflow_activities WHERE run_id = ? AND activity_key = ?`,
		runID, key).Scan(&rec.Key, &result, &rec.Error, &rec.Attempts, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrActivityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query activity %s: %w", key, err)
	}
	rec.Result = result
	rec.CompletedAt = database.FromMillis(completedAt)
	return &rec, nil
}

func (s *SQLStore) SaveActivity(ctx context.Context, runID string, rec ActivityRecord) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO workflow_activities (run_id, activity_key, result, error, attempts, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, activity_key) DO UPDATE SET
			result = excluded.result,
			error = excluded.error,
			attempts = excluded.attempts,
			completed_at = excluded.completed_at`,
		runID, rec.Key, []byte(rec.Result), rec.Error, rec.Attempts, database.ToMillis(rec.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save activity %s: %w", rec.Key, err)
	}
	return nil
}

// MemoryStore is a Store that lives in process memory
type MemoryStore struct {
	mu         sync.Mutex
	runs       map[string]*Run
	order      []string
	activities map[string]ActivityRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:       make(map[string]*Run),
		activities: make(map[string]ActivityRecord),
	}
}

func activityKey(runID, key string) string {
	return runID + "\x00" + key
}

func (m *MemoryStore) CreateRun(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("workflow run %s already exists", run.ID)
	}
	r := run
	m.runs[run.ID] = &r
	m.order = append(m.order, run.ID)
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) FindRunning(_ context.Context, workflowID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		r := m.runs[m.order[i]]
		if r.WorkflowID == workflowID && r.Status == StatusRunning {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrRunNotFound
}

func (m *MemoryStore) ListRunning(_ context.Context) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var runs []Run
	for _, id := range m.order {
		if r := m.runs[id]; r.Status == StatusRunning {
			runs = append(runs, *r)
		}
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
	return runs, nil
}

func (m *MemoryStore) CloseRun(_ context.Context, runID string, status Status, result []byte, errMsg string, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	r.Status = status
	r.Result = result
	r.Error = errMsg
	t := closedAt
	r.ClosedAt = &t
	return nil
}

func (m *MemoryStore) GetActivity(_ context.Context, runID, key string) (*ActivityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.activities[activityKey(runID, key)]
	if !ok {
		return nil, ErrActivityNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) SaveActivity(_ context.Context, runID string, rec ActivityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities[activityKey(runID, rec.Key)] = rec
	return nil
}
