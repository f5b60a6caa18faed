package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Run states.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run is one execution of the pipeline.
type Run struct {
	ID             int64      `db:"id" json:"id"`
	StartedAt      time.Time  `db:"started_at" json:"started_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Status         string     `db:"status" json:"status"`
	Sources        []string   `db:"-" json:"sources"`
	SourcesJSON    string     `db:"sources" json:"-"`
	ItemsFetched   int        `db:"items_fetched" json:"items_fetched"`
	ItemsProcessed int        `db:"items_processed" json:"items_processed"`
	SignalsSaved   int        `db:"signals_saved" json:"signals_saved"`
	Errors         int        `db:"errors" json:"errors"`
}

// RunResult is what a run reports when it is closed.
type RunResult struct {
	Status         string
	ItemsFetched   int
	ItemsProcessed int
	SignalsSaved   int
	Errors         int
}

// ProcessingEntry is one failure recorded during a run.
type ProcessingEntry struct {
	ID        int64     `db:"id" json:"id"`
	RunID     int64     `db:"run_id" json:"run_id"`
	ItemID    string    `db:"item_id" json:"item_id,omitempty"`
	Source    string    `db:"source" json:"source,omitempty"`
	Stage     string    `db:"stage" json:"stage"`
	Message   string    `db:"message" json:"message"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

func (s *SQLiteStore) CreateRun(ctx context.Context, sources []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO runs (started_at, status, sources) VALUES (?, ?, ?)",
		time.Now().UTC(), RunRunning, jsonList(sources))
	if err != nil {
		return 0, fmt.Errorf("create run: %w", err)
	}
	return res.LastInsertId()
}

// CompleteRun closes a running run. Closing it a second time returns
// ErrRunClosed.
func (s *SQLiteStore) CompleteRun(ctx context.Context, id int64, r RunResult) error {
	if r.Status != RunCompleted && r.Status != RunFailed {
		return fmt.Errorf("complete run %d: invalid status %q", id, r.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET completed_at = ?, status = ?, items_fetched = ?, items_processed = ?,
			signals_saved = ?, errors = ?
		WHERE id = ? AND status = ?
	`, time.Now().UTC(), r.Status, r.ItemsFetched, r.ItemsProcessed, r.SignalsSaved, r.Errors,
		id, RunRunning)
	if err != nil {
		return fmt.Errorf("complete run %d: %w", id, err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM runs WHERE id = ?)", id); err != nil {
		return fmt.Errorf("complete run %d: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("complete run %d: %w", id, ErrNotFound)
	}
	return fmt.Errorf("complete run %d: %w", id, ErrRunClosed)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id int64) (*Run, error) {
	var run Run
	err := s.db.GetContext(ctx, &run, "SELECT * FROM runs WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %d: %w", id, err)
	}
	json.Unmarshal([]byte(run.SourcesJSON), &run.Sources)
	return &run, nil
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query, args, err := sq.Select("*").From("runs").OrderBy("id DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build runs query: %w", err)
	}

	var runs []Run
	if err := s.db.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	for i := range runs {
		json.Unmarshal([]byte(runs[i].SourcesJSON), &runs[i].Sources)
	}
	return runs, nil
}

func (s *SQLiteStore) LogFailure(ctx context.Context, e *ProcessingEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_log (run_id, item_id, source, stage, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.RunID, e.ItemID, e.Source, e.Stage, e.Message, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("log failure for run %d: %w", e.RunID, err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListFailures(ctx context.Context, runID int64) ([]ProcessingEntry, error) {
	var entries []ProcessingEntry
	err := s.db.SelectContext(ctx, &entries,
		"SELECT * FROM processing_log WHERE run_id = ? ORDER BY id", runID)
	if err != nil {
		return nil, fmt.Errorf("list failures for run %d: %w", runID, err)
	}
	return entries, nil
}
