// Package audit records every tool invocation the agent makes.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// LogEntry is one tool call.
type LogEntry struct {
	ID       string         `json:"id"`
	When     time.Time      `json:"when"`
	ThreadID string         `json:"thread_id"`
	Tool     string         `json:"tool"`
	Args     map[string]any `json:"args"`
	OK       bool           `json:"ok"`
}

// Recorder receives tool call records.
type Recorder interface {
	Record(ctx context.Context, e LogEntry) error
}

// DefaultListLimit bounds List when the caller passes no limit.
const DefaultListLimit = 100

// Store is the SQLite audit log.
type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tool_audit (
		seq       INTEGER PRIMARY KEY AUTOINCREMENT,
		id        TEXT NOT NULL UNIQUE,
		at        TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		tool      TEXT NOT NULL,
		args      TEXT NOT NULL,
		ok        INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_audit_thread ON tool_audit(thread_id, seq);
	`)
	return err
}

// Record appends e. A missing ID or timestamp is filled in.
func (s *Store) Record(ctx context.Context, e LogEntry) error {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate audit ID: %w", err)
		}
		e.ID = id.String()
	}
	if e.When.IsZero() {
		e.When = time.Now()
	}
	if e.Args == nil {
		e.Args = map[string]any{}
	}
	args, err := json.Marshal(e.Args)
	if err != nil {
		return fmt.Errorf("encode audit args: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_audit (id, at, thread_id, tool, args, ok) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.When.UTC().Format(time.RFC3339Nano), e.ThreadID, e.Tool, string(args), e.OK,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns the most recent limit entries for threadID in the order
// they were recorded.
func (s *Store) List(ctx context.Context, threadID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, thread_id, tool, args, ok FROM tool_audit
		 WHERE thread_id = ? ORDER BY seq DESC LIMIT ?`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e    LogEntry
			at   string
			args string
		)
		if err := rows.Scan(&e.ID, &at, &e.ThreadID, &e.Tool, &args, &e.OK); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.When, _ = time.Parse(time.RFC3339Nano, at)
		if err := json.Unmarshal([]byte(args), &e.Args); err != nil {
			return nil, fmt.Errorf("decode audit args: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}
