// Package usage keeps an append-only record of the tokens each model
// request consumed, as reported by Ollama in the final stream frame.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Purposes of a model request.
const (
	PurposeChat    = "chat"
	PurposeSummary = "summary"
)

// timeFormat is fixed width so timestamps compare as strings.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Record is one model request.
type Record struct {
	ID           string        `json:"id"`
	When         time.Time     `json:"when"`
	ThreadID     string        `json:"thread_id"`
	Model        string        `json:"model"`
	Purpose      string        `json:"purpose"`
	PromptTokens int           `json:"prompt_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Duration     time.Duration `json:"duration"`
}

// Recorder receives usage records.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Summary aggregates records.
type Summary struct {
	Requests     int   `json:"requests"`
	PromptTokens int64 `json:"prompt_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Filter narrows a summary. An empty ThreadID matches every thread.
type Filter struct {
	Since    time.Time
	Until    time.Time
	ThreadID string
}

// Store is the SQLite usage log.
type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS model_usage (
		id            TEXT PRIMARY KEY,
		at            TEXT NOT NULL,
		thread_id     TEXT NOT NULL,
		model         TEXT NOT NULL,
		purpose       TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		duration_ms   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_model_usage_at ON model_usage(at);
	CREATE INDEX IF NOT EXISTS idx_model_usage_thread ON model_usage(thread_id, at);
	`)
	return err
}

// Record appends rec, filling in a missing ID or timestamp.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.When.IsZero() {
		rec.When = time.Now()
	}
	if rec.Purpose == "" {
		rec.Purpose = PurposeChat
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_usage (id, at, thread_id, model, purpose, prompt_tokens, output_tokens, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.When.UTC().Format(timeFormat), rec.ThreadID, rec.Model, rec.Purpose,
		rec.PromptTokens, rec.OutputTokens, rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary totals the records matching f.
func (s *Store) Summary(ctx context.Context, f Filter) (Summary, error) {
	where, args := f.clause()
	var sum Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM model_usage`+where, args...,
	).Scan(&sum.Requests, &sum.PromptTokens, &sum.OutputTokens)
	if err != nil {
		return Summary{}, fmt.Errorf("query usage summary: %w", err)
	}
	return sum, nil
}

// ByModel totals the records matching f per model.
func (s *Store) ByModel(ctx context.Context, f Filter) (map[string]Summary, error) {
	where, args := f.clause()
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, COUNT(*), SUM(prompt_tokens), SUM(output_tokens)
		 FROM model_usage`+where+` GROUP BY model`, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage by model: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Summary)
	for rows.Next() {
		var (
			model string
			sum   Summary
		)
		if err := rows.Scan(&model, &sum.Requests, &sum.PromptTokens, &sum.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by model: %w", err)
		}
		out[model] = sum
	}
	return out, rows.Err()
}

func (f Filter) clause() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if !f.Since.IsZero() {
		conds = append(conds, "at >= ?")
		args = append(args, f.Since.UTC().Format(timeFormat))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "at < ?")
		args = append(args, f.Until.UTC().Format(timeFormat))
	}
	if f.ThreadID != "" {
		conds = append(conds, "thread_id = ?")
		args = append(args, f.ThreadID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	where := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}
	return where, args
}
