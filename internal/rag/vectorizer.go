package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Cstannahill/ollama-desktop/internal/llm"
	"github.com/Cstannahill/ollama-desktop/internal/metrics"
	"github.com/Cstannahill/ollama-desktop/internal/vectorstore"
)

// IndexMessage embeds one conversation message and writes it to the
// conversations collection. It returns the point id, which is the message
// id when that is a UUID and otherwise derived from the thread and the
// message id, or its content when it has none, so saving the same chat
// again overwrites its points. Tool messages and empty ones are skipped
// with an empty id.
func (e *Engine) IndexMessage(ctx context.Context, threadID, projectID string, msg llm.Message) (string, error) {
	if msg.Role == llm.RoleTool || strings.TrimSpace(msg.Content) == "" {
		return "", nil
	}

	vec, err := e.embed.Generate(ctx, msg.Content)
	if err != nil {
		return "", fmt.Errorf("embed message: %w", err)
	}
	if err := e.ensureRunning(ctx); err != nil {
		return "", err
	}
	if err := e.store.EnsureCollection(ctx, e.cfg.ConversationCollection, e.cfg.VectorSize); err != nil {
		return "", err
	}

	id := pointID(threadID, msg)
	point := vectorstore.Point{
		ID:     id,
		Vector: vec,
		Payload: map[string]any{
			"text":       msg.Content,
			"role":       msg.Role,
			"thread_id":  threadID,
			"project_id": projectID,
			"message_id": msg.ID,
			"weight":     1.0,
		},
	}
	if err := e.store.Upsert(ctx, e.cfg.ConversationCollection, []vectorstore.Point{point}); err != nil {
		return "", fmt.Errorf("upsert message: %w", err)
	}
	if e.index != nil {
		if err := e.index.RecordVector(ctx, id, threadID); err != nil {
			return id, fmt.Errorf("record vector: %w", err)
		}
	}
	return id, nil
}

var messageSpace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("ollama-desktop/messages"))

func pointID(threadID string, msg llm.Message) string {
	if _, err := uuid.Parse(msg.ID); err == nil {
		return msg.ID
	}
	key := threadID + "/id/" + msg.ID
	if msg.ID == "" {
		key = threadID + "/" + msg.Role + "/" + msg.Content
	}
	return uuid.NewSHA1(messageSpace, []byte(key)).String()
}

// Job is one saved chat to vectorize.
type Job struct {
	ThreadID  string
	ProjectID string
	Messages  []llm.Message
}

// ErrQueueFull is returned by Enqueue when the backlog is at capacity.
var ErrQueueFull = errors.New("vectorize queue full")

// VectorizerConfig tunes the background worker.
type VectorizerConfig struct {
	// QueueSize bounds the number of pending jobs.
	QueueSize int
	// PerSecond limits embedding calls; zero or less means unlimited.
	PerSecond float64
}

// Vectorizer indexes saved conversations in the background so saving a
// chat never waits on the embedding service or the vector store.
type Vectorizer struct {
	engine  *Engine
	queue   chan Job
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger

	wg        sync.WaitGroup
	startOnce sync.Once
}

// NewVectorizer returns a stopped Vectorizer; call Start.
func NewVectorizer(engine *Engine, cfg VectorizerConfig) *Vectorizer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	limit := rate.Inf
	burst := 1
	if cfg.PerSecond > 0 {
		limit = rate.Limit(cfg.PerSecond)
		burst = max(int(cfg.PerSecond), 1)
	}
	return &Vectorizer{
		engine:  engine,
		queue:   make(chan Job, cfg.QueueSize),
		limiter: rate.NewLimiter(limit, burst),
		metrics: engine.metrics,
		logger:  engine.logger,
	}
}

// Start runs the worker until ctx is cancelled. Calling it again has no
// effect.
func (v *Vectorizer) Start(ctx context.Context) {
	v.startOnce.Do(func() {
		v.wg.Add(1)
		go v.run(ctx)
	})
}

// Wait blocks until the worker has exited.
func (v *Vectorizer) Wait() { v.wg.Wait() }

// Enqueue hands a job to the worker without blocking. A full queue drops
// the job.
func (v *Vectorizer) Enqueue(job Job) error {
	select {
	case v.queue <- job:
		return nil
	default:
		v.metrics.VectorizeDrop()
		v.logger.Warn("vectorize queue full, dropping job", "thread", job.ThreadID, "messages", len(job.Messages))
		return ErrQueueFull
	}
}

// Pending returns the number of queued jobs.
func (v *Vectorizer) Pending() int { return len(v.queue) }

func (v *Vectorizer) run(ctx context.Context) {
	defer v.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-v.queue:
			v.process(ctx, job)
		}
	}
}

func (v *Vectorizer) process(ctx context.Context, job Job) {
	indexed := 0
	for _, msg := range job.Messages {
		if msg.Role == llm.RoleTool || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		if err := v.limiter.Wait(ctx); err != nil {
			return
		}
		if _, err := v.engine.IndexMessage(ctx, job.ThreadID, job.ProjectID, msg); err != nil {
			v.logger.Warn("vectorize message failed", "thread", job.ThreadID, "message", msg.ID, "error", err)
			continue
		}
		indexed++
	}
	v.logger.Debug("vectorized chat", "thread", job.ThreadID, "indexed", indexed)
}
