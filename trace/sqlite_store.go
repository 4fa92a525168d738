package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists traces in a single-file SQLite database, adapted
// from the underlying execution core's SQLiteStore for zero-setup local
// and single-process deployments.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed trace store
// at path, which may be ":memory:" for ephemeral use.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("trace: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("trace: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS traces (
			stream_id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (stream_id, execution_id)
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("trace: create traces table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_traces_stream ON traces(stream_id)"); err != nil {
		return fmt.Errorf("trace: create idx_traces_stream: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, t Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("trace: marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO traces (stream_id, execution_id, status, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT(stream_id, execution_id) DO UPDATE SET status=excluded.status, payload=excluded.payload`,
		t.StreamID, t.ExecutionID, t.Status, string(raw))
	if err != nil {
		return fmt.Errorf("trace: insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, streamID, executionID string) (Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM traces WHERE stream_id = ? AND execution_id = ?`,
		streamID, executionID).Scan(&payload)
	if err != nil {
		return Trace{}, fmt.Errorf("trace: load: %w", err)
	}
	var t Trace
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return Trace{}, fmt.Errorf("trace: unmarshal: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
