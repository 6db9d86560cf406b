// Package ingest imports workspace documents into the documents
// collection: text is extracted by file type, split into chunks, embedded
// and upserted with the owning thread.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/Cstannahill/ollama-desktop/internal/vectorstore"
)

// Embedder produces embedding vectors.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Store is the part of the vector store client ingest writes through.
type Store interface {
	EnsureCollection(ctx context.Context, name string, size int) error
	Upsert(ctx context.Context, collection string, points []vectorstore.Point) error
}

// Gate starts the vector store on demand.
type Gate interface {
	EnsureRunning(ctx context.Context) error
}

// ErrEmpty means a file had no text to index.
var ErrEmpty = errors.New("no text to ingest")

type Config struct {
	Collection  string
	VectorSize  int
	ChunkTokens int
}

// Result summarizes one ingested file.
type Result struct {
	File   string   `json:"file"`
	MIME   string   `json:"mime"`
	Chunks int      `json:"chunks"`
	IDs    []string `json:"ids"`
}

type Option func(*Ingester)

func WithGate(g Gate) Option { return func(i *Ingester) { i.gate = g } }

func WithLogger(l *slog.Logger) Option { return func(i *Ingester) { i.logger = l } }

// WithExtractors replaces the default extractor table.
func WithExtractors(ex Extractors) Option { return func(i *Ingester) { i.extractors = ex } }

// Ingester writes document chunks to the vector store.
type Ingester struct {
	cfg        Config
	embed      Embedder
	store      Store
	gate       Gate
	extractors Extractors
	logger     *slog.Logger
}

func NewIngester(cfg Config, embed Embedder, store Store, opts ...Option) *Ingester {
	if cfg.Collection == "" {
		cfg.Collection = "chat"
	}
	if cfg.VectorSize <= 0 {
		cfg.VectorSize = 768
	}
	if cfg.ChunkTokens <= 0 {
		cfg.ChunkTokens = DefaultChunkTokens
	}
	i := &Ingester{
		cfg:        cfg,
		embed:      embed,
		store:      store,
		extractors: DefaultExtractors(),
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// IngestFile extracts, chunks and indexes the file at path for threadID.
func (i *Ingester) IngestFile(ctx context.Context, threadID, path string) (*Result, error) {
	ex, err := i.extractors.For(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	text, err := ex.Extract(raw)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", filepath.Base(path), err)
	}

	chunks := Chunk(text, i.cfg.ChunkTokens)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, filepath.Base(path))
	}

	res := &Result{File: filepath.Base(path), MIME: ex.MIME(), Chunks: len(chunks)}
	points := make([]vectorstore.Point, 0, len(chunks))
	for n, chunk := range chunks {
		vec, err := i.embed.Generate(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("embed chunk %d of %s: %w", n, res.File, err)
		}
		id := uuid.NewString()
		res.IDs = append(res.IDs, id)
		points = append(points, vectorstore.Point{
			ID:     id,
			Vector: vec,
			Payload: map[string]any{
				"text":         chunk,
				"file_name":    res.File,
				"mime":         res.MIME,
				"chunk_index":  n,
				"total_chunks": len(chunks),
				"thread_id":    threadID,
				"weight":       1.0,
			},
		})
	}

	if i.gate != nil {
		if err := i.gate.EnsureRunning(ctx); err != nil {
			return nil, fmt.Errorf("vector store unavailable: %w", err)
		}
	}
	if err := i.store.EnsureCollection(ctx, i.cfg.Collection, i.cfg.VectorSize); err != nil {
		return nil, err
	}
	if err := i.store.Upsert(ctx, i.cfg.Collection, points); err != nil {
		return nil, fmt.Errorf("upsert %s: %w", res.File, err)
	}

	i.logger.Info("document ingested", "thread", threadID, "file", res.File, "mime", res.MIME, "chunks", res.Chunks)
	return res, nil
}
