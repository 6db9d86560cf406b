// Package rag retrieves prior text relevant to a query: chunks of
// ingested documents and turns from earlier conversations. Hits are
// re-ranked by a curated per-point weight and packed into a context
// block that fits a token budget.
//
// Retrieval is best-effort. Any failure, from the vector store being
// down to the embedding service answering garbage, yields an empty
// context and a warning, never an error for the turn.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/Cstannahill/ollama-desktop/internal/llm"
	"github.com/Cstannahill/ollama-desktop/internal/metrics"
	"github.com/Cstannahill/ollama-desktop/internal/vectorstore"
)

// Embedder turns text into a vector.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Store is the vector store surface the engine uses.
type Store interface {
	EnsureCollection(ctx context.Context, name string, size int) error
	Upsert(ctx context.Context, collection string, points []vectorstore.Point) error
	Search(ctx context.Context, collection string, req vectorstore.SearchRequest) ([]vectorstore.ScoredPoint, error)
	SetPayload(ctx context.Context, collection string, payload map[string]any, ids ...string) error
}

// Gate makes sure the vector store is reachable before it is used.
type Gate interface {
	EnsureRunning(ctx context.Context) error
}

// VectorIndex mirrors point bookkeeping into local storage.
type VectorIndex interface {
	RecordVector(ctx context.Context, id, threadID string) error
	SetVectorWeight(ctx context.Context, id string, weight float64) error
}

// ErrNegativeWeight rejects a weight below zero.
var ErrNegativeWeight = errors.New("weight must be a non-negative number")

// Config names the collections and their vector size.
type Config struct {
	DocumentCollection     string
	ConversationCollection string
	VectorSize             int
	// CrossThread enables retrieval of turns from other threads of the
	// same project.
	CrossThread bool
}

// Scope is where a query is asked from.
type Scope struct {
	ThreadID  string
	ProjectID string
}

// Option configures an Engine.
type Option func(*Engine)

// WithGate sets the reachability gate called before store operations.
func WithGate(g Gate) Option { return func(e *Engine) { e.gate = g } }

// WithVectorIndex sets where point ids and weights are mirrored.
func WithVectorIndex(ix VectorIndex) Option { return func(e *Engine) { e.index = ix } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// Engine is the retrieval engine.
type Engine struct {
	cfg     Config
	embed   Embedder
	store   Store
	gate    Gate
	index   VectorIndex
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEngine returns an engine reading from store with vectors from embed.
func NewEngine(cfg Config, embed Embedder, store Store, opts ...Option) *Engine {
	if cfg.DocumentCollection == "" {
		cfg.DocumentCollection = "chat"
	}
	if cfg.ConversationCollection == "" {
		cfg.ConversationCollection = "conversations"
	}
	if cfg.VectorSize <= 0 {
		cfg.VectorSize = 768
	}
	e := &Engine{cfg: cfg, embed: embed, store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Embed returns the vector for text. Failures and malformed answers yield
// an empty vector, never an error.
func (e *Engine) Embed(ctx context.Context, text string) []float32 {
	vec, err := e.embed.Generate(ctx, text)
	if err != nil {
		e.logger.Warn("embedding failed", "error", err)
		return nil
	}
	return vec
}

// Chunk is one retrieved piece of text.
type Chunk struct {
	Text     string
	Score    float64
	Weight   float64
	SourceID string
	Label    string
	ThreadID string
	Project  string
}

// Effective is the similarity score scaled by the curated weight.
func (c Chunk) Effective() float64 { return c.Score * c.Weight }

// Retrieve returns a context block for query, or "" when nothing relevant
// is found or retrieval fails.
func (e *Engine) Retrieve(ctx context.Context, query string, scope Scope, topK, budget int) string {
	chunks, err := e.Search(ctx, query, scope, topK)
	if err != nil {
		reason := "store"
		if errors.Is(err, errNoVector) {
			reason = "embed"
		}
		e.metrics.RetrievalFailed(reason)
		e.logger.Warn("retrieval degraded to no context", "thread", scope.ThreadID, "reason", reason, "error", err)
		return ""
	}

	blocks := Assemble(chunks, budget)
	e.metrics.Retrieved(len(blocks))
	e.logger.Debug("retrieved context", "thread", scope.ThreadID, "hits", len(chunks), "used", len(blocks))
	return strings.Join(blocks, Separator)
}

var errNoVector = errors.New("query embedding is empty")

// Search embeds query and returns the topK best chunks for scope, ranked
// by effective score. Documents are matched on the thread; other threads
// of the same project are searched only when CrossThread is enabled.
func (e *Engine) Search(ctx context.Context, query string, scope Scope, topK int) ([]Chunk, error) {
	if topK <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vec := e.Embed(ctx, query)
	if len(vec) == 0 {
		return nil, errNoVector
	}
	if err := e.ensureRunning(ctx); err != nil {
		return nil, err
	}

	docs, err := e.search(ctx, e.cfg.DocumentCollection, vectorstore.SearchRequest{
		Vector: vec,
		Limit:  topK,
		Filter: &vectorstore.Filter{Must: []vectorstore.Condition{
			vectorstore.FieldEquals("thread_id", scope.ThreadID),
		}},
	})
	if err != nil {
		return nil, err
	}
	chunks := make([]Chunk, 0, len(docs))
	for _, p := range docs {
		chunks = append(chunks, documentChunk(p))
	}

	if e.cfg.CrossThread && scope.ProjectID != "" {
		convs, err := e.search(ctx, e.cfg.ConversationCollection, vectorstore.SearchRequest{
			Vector: vec,
			Limit:  topK,
			Filter: &vectorstore.Filter{
				Must:    []vectorstore.Condition{vectorstore.FieldEquals("project_id", scope.ProjectID)},
				MustNot: []vectorstore.Condition{vectorstore.FieldEquals("thread_id", scope.ThreadID)},
			},
		})
		if err != nil {
			return nil, err
		}
		for _, p := range convs {
			c := conversationChunk(p)
			c.Label = fmt.Sprintf("[Previous conversation %s]", short(c.ThreadID))
			chunks = append(chunks, c)
		}
	}

	return Rank(chunks, topK), nil
}

// SearchGlobal searches conversations outside the current thread and,
// when scope names one, outside the current project.
func (e *Engine) SearchGlobal(ctx context.Context, query string, scope Scope, limit int) ([]Chunk, error) {
	if limit <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vec := e.Embed(ctx, query)
	if len(vec) == 0 {
		return nil, errNoVector
	}
	if err := e.ensureRunning(ctx); err != nil {
		return nil, err
	}

	filter := &vectorstore.Filter{MustNot: []vectorstore.Condition{
		vectorstore.FieldEquals("thread_id", scope.ThreadID),
	}}
	if scope.ProjectID != "" {
		filter.MustNot = append(filter.MustNot, vectorstore.FieldEquals("project_id", scope.ProjectID))
	}

	hits, err := e.search(ctx, e.cfg.ConversationCollection, vectorstore.SearchRequest{Vector: vec, Limit: limit, Filter: filter})
	if err != nil {
		return nil, err
	}
	chunks := make([]Chunk, 0, len(hits))
	for _, p := range hits {
		c := conversationChunk(p)
		c.Label = "[Related conversation]"
		if c.Project != "" {
			c.Label = fmt.Sprintf("[Related conversation in project %s]", short(c.Project))
		}
		chunks = append(chunks, c)
	}
	return Rank(chunks, limit), nil
}

// ConversationRef points at a related turn in another conversation.
type ConversationRef struct {
	ID        string  `json:"id"`
	ThreadID  string  `json:"thread_id"`
	ProjectID string  `json:"project_id,omitempty"`
	Snippet   string  `json:"snippet"`
	Score     float64 `json:"score"`
}

// relatedWindow is how many trailing messages form the related-search query.
const relatedWindow = 3

// FindRelated finds turns in other conversations similar to the end of
// msgs. Tool messages are ignored; with nothing left to ask, no search is
// made.
func (e *Engine) FindRelated(ctx context.Context, msgs []llm.Message, scope Scope, limit int) ([]ConversationRef, error) {
	var parts []string
	for _, m := range msgs[max(len(msgs)-relatedWindow, 0):] {
		if m.Role == llm.RoleTool || strings.TrimSpace(m.Content) == "" {
			continue
		}
		parts = append(parts, m.Content)
	}
	query := strings.Join(parts, " ")
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	chunks, err := e.SearchGlobal(ctx, query, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("find related: %w", err)
	}
	refs := make([]ConversationRef, len(chunks))
	for i, c := range chunks {
		refs[i] = ConversationRef{
			ID:        c.SourceID,
			ThreadID:  c.ThreadID,
			ProjectID: c.Project,
			Snippet:   c.Text,
			Score:     c.Effective(),
		}
	}
	return refs, nil
}

// SetWeight overwrites the curated weight of one point and mirrors it into
// the local vector index.
func (e *Engine) SetWeight(ctx context.Context, collection, id string, weight float64) error {
	if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return fmt.Errorf("%w: %v", ErrNegativeWeight, weight)
	}
	if collection == "" {
		collection = e.cfg.ConversationCollection
	}
	if err := e.ensureRunning(ctx); err != nil {
		return err
	}
	if err := e.store.SetPayload(ctx, collection, map[string]any{"weight": weight}, id); err != nil {
		return fmt.Errorf("set weight: %w", err)
	}
	if e.index != nil {
		if err := e.index.SetVectorWeight(ctx, id, weight); err != nil {
			return fmt.Errorf("record weight: %w", err)
		}
	}
	return nil
}

func (e *Engine) ensureRunning(ctx context.Context) error {
	if e.gate == nil {
		return nil
	}
	if err := e.gate.EnsureRunning(ctx); err != nil {
		return fmt.Errorf("vector store unavailable: %w", err)
	}
	return nil
}

// search treats a missing collection as an empty one.
func (e *Engine) search(ctx context.Context, collection string, req vectorstore.SearchRequest) ([]vectorstore.ScoredPoint, error) {
	hits, err := e.store.Search(ctx, collection, req)
	var se *vectorstore.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		e.logger.Debug("collection not found, no hits", "collection", collection)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	return hits, nil
}

func documentChunk(p vectorstore.ScoredPoint) Chunk {
	return Chunk{
		Text:     payloadString(p.Payload, "text"),
		Score:    p.Score,
		Weight:   Weight(p.Payload),
		SourceID: p.ID,
		Label:    "[Document]",
		ThreadID: payloadString(p.Payload, "thread_id"),
	}
}

func conversationChunk(p vectorstore.ScoredPoint) Chunk {
	text := payloadString(p.Payload, "text")
	if role := payloadString(p.Payload, "role"); role != "" {
		text = role + ": " + text
	}
	return Chunk{
		Text:     text,
		Score:    p.Score,
		Weight:   Weight(p.Payload),
		SourceID: p.ID,
		ThreadID: payloadString(p.Payload, "thread_id"),
		Project:  payloadString(p.Payload, "project_id"),
	}
}

// Weight reads the curated weight from a payload. Missing or non-numeric
// weights count as 1.0 and negative ones as 0.
func Weight(payload map[string]any) float64 {
	var w float64
	switch v := payload["weight"].(type) {
	case float64:
		w = v
	case float32:
		w = float64(v)
	case int:
		w = float64(v)
	default:
		return 1.0
	}
	if math.IsNaN(w) {
		return 1.0
	}
	return max(w, 0)
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// short abbreviates an id to its first eight characters.
func short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
