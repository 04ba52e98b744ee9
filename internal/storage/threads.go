package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsumugi/internal/checkpoint"
)

// CheckpointStore adapts DB to checkpoint.Store over the thread_checkpoints
// and thread_writes tables.
type CheckpointStore struct {
	db *DB
}

var _ checkpoint.Store = (*CheckpointStore)(nil)

// Checkpoints returns the DB's checkpoint store.
func (db *DB) Checkpoints() *CheckpointStore {
	return &CheckpointStore{db: db}
}

func (s *CheckpointStore) Load(ctx context.Context, threadID string) (checkpoint.Checkpoint, error) {
	var raw []byte
	err := s.db.pool.QueryRow(ctx,
		`SELECT checkpoint FROM thread_checkpoints WHERE thread_id = $1`, threadID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("storage: load checkpoint %s: %w", threadID, err)
	}
	var cp checkpoint.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("storage: decode checkpoint %s: %w", threadID, err)
	}
	return cp, nil
}

// Save upserts the checkpoint, bumping its version. Serialization failures
// and deadlocks between concurrent writers are retried.
func (s *CheckpointStore) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	return WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		return pgx.BeginFunc(ctx, s.db.pool, func(tx pgx.Tx) error {
			var version int64
			err := tx.QueryRow(ctx,
				`SELECT version FROM thread_checkpoints WHERE thread_id = $1 FOR UPDATE`, cp.ThreadID,
			).Scan(&version)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("storage: lock checkpoint %s: %w", cp.ThreadID, err)
			}
			cp.Version = version + 1
			cp.UpdatedAt = time.Now().UTC()

			raw, err := json.Marshal(cp)
			if err != nil {
				return fmt.Errorf("storage: encode checkpoint %s: %w", cp.ThreadID, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO thread_checkpoints (thread_id, version, checkpoint, updated_at)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (thread_id) DO UPDATE
				 SET version = EXCLUDED.version, checkpoint = EXCLUDED.checkpoint, updated_at = EXCLUDED.updated_at`,
				cp.ThreadID, cp.Version, raw, cp.UpdatedAt,
			); err != nil {
				return fmt.Errorf("storage: save checkpoint %s: %w", cp.ThreadID, err)
			}
			return nil
		})
	})
}

func (s *CheckpointStore) AppendWrite(ctx context.Context, w checkpoint.Write) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(w.Update)
	if err != nil {
		return fmt.Errorf("storage: encode thread write: %w", err)
	}
	if _, err := s.db.pool.Exec(ctx,
		`INSERT INTO thread_writes (thread_id, as_node, payload, created_at) VALUES ($1, $2, $3, $4)`,
		w.ThreadID, w.AsNode, payload, w.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: append thread write: %w", err)
	}
	return nil
}

// Writes returns a thread's write journal, oldest first.
func (s *CheckpointStore) Writes(ctx context.Context, threadID string) ([]checkpoint.Write, error) {
	rows, err := s.db.pool.Query(ctx,
		`SELECT as_node, payload, created_at FROM thread_writes WHERE thread_id = $1 ORDER BY id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("storage: query thread writes: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Write
	for rows.Next() {
		var (
			w   checkpoint.Write
			raw []byte
		)
		if err := rows.Scan(&w.AsNode, &raw, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan thread write: %w", err)
		}
		if err := json.Unmarshal(raw, &w.Update); err != nil {
			return nil, fmt.Errorf("storage: decode thread write: %w", err)
		}
		w.ThreadID = threadID
		out = append(out, w)
	}
	return out, rows.Err()
}
