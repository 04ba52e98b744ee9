package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsumugi/internal/model"
)

const runColumns = `id, run_id, thread_id, agent, mode, status, interrupt_id, error, event_count, started_at, completed_at`

// CreateRun records the start of a run.
func (db *DB) CreateRun(ctx context.Context, runID, threadID, agent, mode string) (model.RunRecord, error) {
	run := model.RunRecord{
		ID:        uuid.New(),
		RunID:     runID,
		ThreadID:  threadID,
		Agent:     agent,
		Mode:      mode,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, run_id, thread_id, agent, mode, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.RunID, run.ThreadID, run.Agent, run.Mode, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// RunCompletion is the terminal state of a run.
type RunCompletion struct {
	Status      model.RunStatus
	InterruptID string
	Error       string
	EventCount  int
}

// CompleteRun moves a running run to a terminal status. Completing a run
// twice returns ErrNotFound.
func (db *DB) CompleteRun(ctx context.Context, id uuid.UUID, c RunCompletion) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, interrupt_id = $2, error = $3, event_count = $4, completed_at = $5
		 WHERE id = $6 AND status = 'running'`,
		string(c.Status), nullString(c.InterruptID), nullString(c.Error), c.EventCount, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete run %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetRun returns the latest run recorded under the client run id.
func (db *DB) GetRun(ctx context.Context, runID string) (model.RunRecord, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = $1 ORDER BY started_at DESC LIMIT 1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RunRecord{}, fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ListRunsByThread returns a thread's runs, newest first.
func (db *DB) ListRunsByThread(ctx context.Context, threadID string, limit int) ([]model.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE thread_id = $1 ORDER BY started_at DESC LIMIT $2`,
		threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CountActiveRuns returns how many runs are still marked running.
func (db *DB) CountActiveRuns(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs WHERE status = 'running'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count active runs: %w", err)
	}
	return n, nil
}

// AbandonRunningRuns marks runs left running by a previous process as
// cancelled. It returns the number of runs updated.
func (db *DB) AbandonRunningRuns(ctx context.Context, startedBefore time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'cancelled', error = 'abandoned at shutdown', completed_at = now()
		 WHERE status = 'running' AND started_at < $1`, startedBefore)
	if err != nil {
		return 0, fmt.Errorf("storage: abandon running runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRun(row pgx.Row) (model.RunRecord, error) {
	var r model.RunRecord
	err := row.Scan(
		&r.ID, &r.RunID, &r.ThreadID, &r.Agent, &r.Mode, &r.Status,
		&r.InterruptID, &r.Error, &r.EventCount, &r.StartedAt, &r.CompletedAt,
	)
	return r, err
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
