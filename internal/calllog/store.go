// Package calllog provides persistent tool call history. Records are
// append-only and indexed by timestamp and tool name so the API can
// answer "what ran recently" queries cheaply.
package calllog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Entry is one executed tool call.
type Entry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Tool      string          `json:"tool"`
	Origin    string          `json:"origin"` // "remote", "local", "none"
	Args      json.RawMessage `json:"args,omitempty"`
	Outcome   string          `json:"outcome"`
	ElapsedMS int64           `json:"elapsed_ms"`
}

// Store is an append-only SQLite store for tool call records. All
// public methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates a call log store at the given database path. The
// schema is created automatically on first use.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open call log database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate call log schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id         TEXT PRIMARY KEY,
		timestamp  TEXT NOT NULL,
		tool       TEXT NOT NULL,
		origin     TEXT NOT NULL,
		args       TEXT,
		outcome    TEXT NOT NULL,
		elapsed_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_calls_timestamp ON tool_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_calls_tool ON tool_calls(tool);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists one tool call. Implements the broker's Recorder
// interface; failures are logged rather than surfaced since the call
// itself already succeeded or failed on its own terms.
func (s *Store) Record(ctx context.Context, tool, origin string, args map[string]any, outcome string, elapsed time.Duration) {
	id, err := uuid.NewV7()
	if err != nil {
		s.logger.Error("generate call record ID", "error", err)
		return
	}

	var argsJSON []byte
	if args != nil {
		argsJSON, _ = json.Marshal(args)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, timestamp, tool, origin, args, outcome, elapsed_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id.String(),
		time.Now().UTC().Format(time.RFC3339),
		tool,
		origin,
		string(argsJSON),
		outcome,
		elapsed.Milliseconds(),
	)
	if err != nil {
		s.logger.Error("persist tool call record", "tool", tool, "error", err)
	}
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, tool, origin, args, outcome, elapsed_ms
		 FROM tool_calls ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts, args string
		if err := rows.Scan(&e.ID, &ts, &e.Tool, &e.Origin, &args, &e.Outcome, &e.ElapsedMS); err != nil {
			return nil, fmt.Errorf("scan tool call row: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		if args != "" {
			e.Args = json.RawMessage(args)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountSince returns how many calls ran after the cutoff.
func (s *Store) CountSince(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tool_calls WHERE timestamp >= ?`,
		cutoff.UTC().Format(time.RFC3339)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tool calls: %w", err)
	}
	return n, nil
}
