package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsumugi/internal/model"
)

var eventColumns = []string{"id", "run_id", "thread_id", "event_type", "sequence_num", "payload", "occurred_at"}

// InsertEvents writes journaled events with COPY. Events carry their
// per-run sequence numbers already.
func (db *DB) InsertEvents(ctx context.Context, events []model.RunEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{e.ID, e.RunID, e.ThreadID, string(e.EventType), e.SequenceNum, e.Payload, e.OccurredAt}
	}

	// A hung Postgres must not block the journal flush forever.
	copyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := db.pool.CopyFrom(copyCtx, pgx.Identifier{"run_events"}, eventColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("storage: copy events: %w", err)
	}
	return n, nil
}

// GetEventsByRun returns a run's events with sequence numbers above
// afterSeq, in order. limit <= 0 defaults to 10000.
func (db *DB) GetEventsByRun(ctx context.Context, runID string, afterSeq int64, limit int) ([]model.RunEvent, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, thread_id, event_type, sequence_num, payload, occurred_at
		 FROM run_events WHERE run_id = $1 AND sequence_num > $2
		 ORDER BY sequence_num ASC
		 LIMIT $3`, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: get events by run: %w", err)
	}
	defer rows.Close()

	var events []model.RunEvent
	for rows.Next() {
		var e model.RunEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.ThreadID, &e.EventType, &e.SequenceNum, &e.Payload, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
