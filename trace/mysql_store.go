package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore persists traces in a relational database, adapted from the
// underlying execution core's MySQLStore for production deployments with
// multiple worker processes.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens a connection pool against dsn and ensures the
// traces table exists. dsn follows the go-sql-driver/mysql DSN format,
// e.g. "user:password@tcp(127.0.0.1:3306)/agentrt?parseTime=true".
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("trace: open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &MySQLStore{db: db}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS traces (
			stream_id VARCHAR(255) NOT NULL,
			execution_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			payload JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (stream_id, execution_id),
			INDEX idx_traces_stream (stream_id)
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("trace: create traces table: %w", err)
	}
	return nil
}

func (s *MySQLStore) Save(ctx context.Context, t Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("trace: marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO traces (stream_id, execution_id, status, payload) VALUES (?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE status = VALUES(status), payload = VALUES(payload)`,
		t.StreamID, t.ExecutionID, t.Status, string(raw))
	if err != nil {
		return fmt.Errorf("trace: insert: %w", err)
	}
	return nil
}

func (s *MySQLStore) Load(ctx context.Context, streamID, executionID string) (Trace, error) {
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

func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
