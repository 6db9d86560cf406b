// Package threads persists per-thread retrieval settings and the index of
// conversation vectors written for each thread.
package threads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	DefaultTopK      = 4
	DefaultCtxTokens = 1024
)

// ErrInvalidSettings is returned by Set for out-of-range values.
var ErrInvalidSettings = errors.New("invalid thread settings")

// Settings control retrieval for one thread.
type Settings struct {
	TopK      int `json:"top_k"`
	CtxTokens int `json:"ctx_tokens"`
}

// DefaultSettings is what a thread uses until it is configured.
func DefaultSettings() Settings {
	return Settings{TopK: DefaultTopK, CtxTokens: DefaultCtxTokens}
}

// Validate rejects a top_k below one and a negative token budget.
func (s Settings) Validate() error {
	if s.TopK < 1 {
		return fmt.Errorf("%w: top_k must be at least 1, got %d", ErrInvalidSettings, s.TopK)
	}
	if s.CtxTokens < 0 {
		return fmt.Errorf("%w: ctx_tokens must not be negative, got %d", ErrInvalidSettings, s.CtxTokens)
	}
	return nil
}

// Vector is one conversation point written to the vector store.
type Vector struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Weight    float64   `json:"weight"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a SQLite-backed settings and vector index. It is safe for
// concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open threads database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate threads schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS thread_settings (
		thread_id  TEXT PRIMARY KEY,
		top_k      INTEGER NOT NULL,
		ctx_tokens INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS message_vectors (
		id         TEXT PRIMARY KEY,
		thread_id  TEXT NOT NULL,
		weight     REAL NOT NULL DEFAULT 1.0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_message_vectors_thread ON message_vectors(thread_id);
	`)
	return err
}

// Get returns the settings for threadID, or DefaultSettings when the
// thread has none stored.
func (s *Store) Get(ctx context.Context, threadID string) (Settings, error) {
	var st Settings
	err := s.db.QueryRowContext(ctx,
		`SELECT top_k, ctx_tokens FROM thread_settings WHERE thread_id = ?`, threadID,
	).Scan(&st.TopK, &st.CtxTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("get thread settings: %w", err)
	}
	return st, nil
}

// Set validates and stores the settings for threadID.
func (s *Store) Set(ctx context.Context, threadID string, st Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_settings (thread_id, top_k, ctx_tokens) VALUES (?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET top_k = excluded.top_k, ctx_tokens = excluded.ctx_tokens`,
		threadID, st.TopK, st.CtxTokens,
	)
	if err != nil {
		return fmt.Errorf("set thread settings: %w", err)
	}
	return nil
}

// RecordVector notes that point id belongs to threadID. Recording the same
// id twice keeps the first row and its weight.
func (s *Store) RecordVector(ctx context.Context, id, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_vectors (id, thread_id, weight, created_at) VALUES (?, ?, 1.0, ?)`,
		id, threadID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record vector: %w", err)
	}
	return nil
}

// SetVectorWeight updates the stored weight of a point. Unknown ids are
// ignored; document chunks are never recorded here.
func (s *Store) SetVectorWeight(ctx context.Context, id string, weight float64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE message_vectors SET weight = ? WHERE id = ?`, weight, id); err != nil {
		return fmt.Errorf("update vector weight: %w", err)
	}
	return nil
}

// Vectors lists the recorded points of a thread, oldest first.
func (s *Store) Vectors(ctx context.Context, threadID string) ([]Vector, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, weight, created_at FROM message_vectors
		 WHERE thread_id = ? ORDER BY created_at, id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list vectors: %w", err)
	}
	defer rows.Close()

	var out []Vector
	for rows.Next() {
		var v Vector
		var created string
		if err := rows.Scan(&v.ID, &v.ThreadID, &v.Weight, &created); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		v.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, v)
	}
	return out, rows.Err()
}
