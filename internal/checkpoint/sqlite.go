package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS thread_checkpoints (
	thread_id  TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	checkpoint TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS thread_writes (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id  TEXT NOT NULL,
	as_node    TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_thread_writes_thread ON thread_writes (thread_id, id);
`

// SQLiteStore keeps checkpoints in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema exists.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open sqlite %s: %w", path, err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint: create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context, threadID string) (Checkpoint, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT checkpoint FROM thread_checkpoints WHERE thread_id = ?`, threadID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: load %s: %w", threadID, err)
	}
	return decode([]byte(raw))
}

func (s *SQLiteStore) Save(ctx context.Context, cp Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM thread_checkpoints WHERE thread_id = ?`, cp.ThreadID,
	).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checkpoint: read version %s: %w", cp.ThreadID, err)
	}
	cp.Version = version + 1
	cp.UpdatedAt = time.Now().UTC()

	b, err := encode(cp)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO thread_checkpoints (thread_id, version, checkpoint, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (thread_id) DO UPDATE
		SET version = excluded.version, checkpoint = excluded.checkpoint, updated_at = excluded.updated_at`,
		cp.ThreadID, cp.Version, string(b), cp.UpdatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("checkpoint: save %s: %w", cp.ThreadID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("checkpoint: commit save %s: %w", cp.ThreadID, err)
	}
	return nil
}

func (s *SQLiteStore) AppendWrite(ctx context.Context, w Write) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(w.Update)
	if err != nil {
		return fmt.Errorf("checkpoint: encode write: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_writes (thread_id, as_node, payload, created_at) VALUES (?, ?, ?, ?)`,
		w.ThreadID, w.AsNode, string(payload), w.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("checkpoint: append write %s: %w", w.ThreadID, err)
	}
	return nil
}

// Writes returns the journal of a thread, oldest first.
func (s *SQLiteStore) Writes(ctx context.Context, threadID string) ([]Write, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT as_node, payload, created_at FROM thread_writes WHERE thread_id = ? ORDER BY id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: query writes %s: %w", threadID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Write
	for rows.Next() {
		var (
			w                Write
			payload, created string
		)
		if err := rows.Scan(&w.AsNode, &payload, &created); err != nil {
			return nil, fmt.Errorf("checkpoint: scan write: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &w.Update); err != nil {
			return nil, fmt.Errorf("checkpoint: decode write: %w", err)
		}
		w.ThreadID = threadID
		w.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, w)
	}
	return out, rows.Err()
}
