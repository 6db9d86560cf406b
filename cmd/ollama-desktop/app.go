package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Cstannahill/ollama-desktop/internal/agent"
	"github.com/Cstannahill/ollama-desktop/internal/api"
	"github.com/Cstannahill/ollama-desktop/internal/audit"
	"github.com/Cstannahill/ollama-desktop/internal/config"
	"github.com/Cstannahill/ollama-desktop/internal/connwatch"
	"github.com/Cstannahill/ollama-desktop/internal/embeddings"
	"github.com/Cstannahill/ollama-desktop/internal/events"
	"github.com/Cstannahill/ollama-desktop/internal/ingest"
	"github.com/Cstannahill/ollama-desktop/internal/llm"
	"github.com/Cstannahill/ollama-desktop/internal/metrics"
	"github.com/Cstannahill/ollama-desktop/internal/rag"
	"github.com/Cstannahill/ollama-desktop/internal/search"
	"github.com/Cstannahill/ollama-desktop/internal/threads"
	"github.com/Cstannahill/ollama-desktop/internal/tools"
	"github.com/Cstannahill/ollama-desktop/internal/usage"
	"github.com/Cstannahill/ollama-desktop/internal/vectorstore"
	"github.com/Cstannahill/ollama-desktop/internal/window"
)

// vectorizeQueue bounds saved chats waiting to be indexed.
const vectorizeQueue = 128

// app holds every long-lived component. All subcommands build the same
// graph so that "ask" behaves exactly like a turn served over HTTP.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics    *metrics.Metrics
	health     *connwatch.Set
	bus        *events.Bus
	ollama     *llm.OllamaClient
	store      *vectorstore.Client
	supervisor *vectorstore.Supervisor
	threads    *threads.Store
	audit      *audit.Store
	usage      *usage.Store
	workspace  *tools.Workspace
	registry   *tools.Registry
	search     *search.Manager
	engine     *rag.Engine
	vectorizer *rag.Vectorizer
	ingester   *ingest.Ingester
	loop       *agent.Loop
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics.New(), bus: events.New()}
	a.health = connwatch.NewSet(logger.With("component", "connwatch"), a.metrics)

	var err error
	a.threads, err = threads.NewStore(filepath.Join(cfg.DataDir, "threads.db"))
	if err != nil {
		return nil, fmt.Errorf("open thread store: %w", err)
	}
	a.audit, err = audit.NewStore(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		a.threads.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	a.usage, err = usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		a.audit.Close()
		a.threads.Close()
		return nil, fmt.Errorf("open usage log: %w", err)
	}

	a.ollama = llm.NewOllamaClient(llm.Config{
		BaseURL: cfg.Ollama.URL,
		Token:   cfg.Ollama.Token,
		Logger:  logger,
	})
	embedder := embeddings.New(embeddings.Config{
		BaseURL:   cfg.Ollama.URL,
		Model:     cfg.Ollama.EmbedModel,
		Token:     cfg.Ollama.Token,
		Dimension: cfg.RAG.VectorSize,
	})

	// --- Vector store ---
	a.store = vectorstore.NewClient(vectorstore.ClientConfig{BaseURL: cfg.QdrantURL(), Logger: logger})
	a.supervisor = vectorstore.NewSupervisor(supervisorConfig(cfg.Qdrant),
		vectorstore.WithLogger(logger),
		vectorstore.WithHealthObserver(a.metrics),
	)

	// --- Tools ---
	a.workspace, err = tools.NewWorkspace(cfg.Workspace.Path)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.search = newSearchManager(cfg.Tools)
	a.registry = tools.NewRegistry()
	for _, t := range []tools.Tool{
		tools.NewFileRead(a.workspace, cfg.Tools.FileReadLimit),
		tools.NewFileWrite(a.workspace),
		tools.NewShellExec(tools.ShellExecConfig{
			Workspace:      a.workspace,
			Timeout:        cfg.Tools.ShellTimeout,
			MaxOutputBytes: cfg.Tools.ShellMaxOutput,
		}),
		tools.NewWebSearch(a.search),
	} {
		if err := a.registry.Register(t); err != nil {
			a.Close()
			return nil, fmt.Errorf("register tool %s: %w", t.Name(), err)
		}
	}

	// --- Retrieval ---
	a.engine = rag.NewEngine(rag.Config{
		DocumentCollection:     cfg.RAG.DocumentCollection,
		ConversationCollection: cfg.RAG.ConversationCollection,
		VectorSize:             cfg.RAG.VectorSize,
		CrossThread:            cfg.RAG.CrossThread,
	}, embedder, a.store,
		rag.WithGate(a.supervisor),
		rag.WithVectorIndex(a.threads),
		rag.WithMetrics(a.metrics),
		rag.WithLogger(logger),
	)
	a.vectorizer = rag.NewVectorizer(a.engine, rag.VectorizerConfig{
		QueueSize: vectorizeQueue,
		PerSecond: cfg.RAG.VectorizeRate,
	})
	a.ingester = ingest.NewIngester(ingest.Config{
		Collection:  cfg.RAG.DocumentCollection,
		VectorSize:  cfg.RAG.VectorSize,
		ChunkTokens: cfg.RAG.ChunkTokens,
	}, embedder, a.store,
		ingest.WithGate(a.supervisor),
		ingest.WithLogger(logger),
	)

	// --- Agent loop ---
	summarizer := window.FallbackSummarizer{
		Primary:  window.NewModelSummarizer(a.ollama, cfg.Ollama.SummaryModel),
		Fallback: window.ExtractiveSummarizer{MaxChars: window.ExtractiveBudget},
		Logger:   logger,
	}
	a.loop = agent.NewLoop(agent.Config{
		DefaultModel:  cfg.Ollama.ChatModel,
		MaxToolRounds: cfg.Agent.MaxToolRounds,
	}, a.ollama, a.registry,
		agent.WithWindow(window.NewManager(window.ForModel(cfg.Ollama.ChatModel), summarizer, logger)),
		agent.WithRetriever(a.engine),
		agent.WithSettings(a.threads),
		agent.WithAudit(a.audit),
		agent.WithUsage(a.usage),
		agent.WithEvents(a.bus),
		agent.WithMetrics(a.metrics),
		agent.WithLogger(logger),
	)

	return a, nil
}

// Close releases the databases. It does not stop the vector store.
func (a *app) Close() {
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			a.logger.Warn("close usage log", "error", err)
		}
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("close audit log", "error", err)
		}
	}
	if a.threads != nil {
		if err := a.threads.Close(); err != nil {
			a.logger.Warn("close thread store", "error", err)
		}
	}
}

// deps exposes the graph to the HTTP API.
func (a *app) deps() api.Deps {
	return api.Deps{
		Runner:        a.loop,
		Settings:      a.threads,
		Audit:         a.audit,
		Usage:         a.usage,
		Retrieval:     a.engine,
		Vectorizer:    a.vectorizer,
		Ingester:      a.ingester,
		Models:        a.ollama,
		VectorStore:   a.supervisor,
		Workspace:     a.workspace,
		Tools:         a.registry,
		Events:        a.bus,
		Metrics:       a.metrics,
		Health:        a.health,
		OnReconfigure: a.followVectorStore,
	}
}

// watchServices starts the reachability probes behind /health and the
// service_up gauge. They stop when ctx is cancelled.
func (a *app) watchServices(ctx context.Context) {
	a.health.Watch(ctx, "ollama", a.ollama.Ping, connwatch.DefaultSchedule())
	a.health.Watch(ctx, "qdrant", a.store.Health, connwatch.DefaultSchedule())
}

// followVectorStore points the store client at a reconfigured supervisor.
func (a *app) followVectorStore(cfg vectorstore.Config) {
	a.store.SetBaseURL(cfg.URL())
}

// applyConfig takes the parts of a reloaded config file that can change
// without a restart.
func (a *app) applyConfig(next *config.Config) {
	vcfg := supervisorConfig(next.Qdrant)
	a.supervisor.Reconfigure(vcfg)
	a.followVectorStore(vcfg)
	a.logger.Info("config reloaded", "qdrant_port", vcfg.Port, "qdrant_auto_start", vcfg.AutoStart)
}

func supervisorConfig(q config.QdrantConfig) vectorstore.Config {
	return vectorstore.Config{
		AutoStart:     q.AutoStart,
		Port:          q.Port,
		UseDocker:     q.UseDocker,
		DataPath:      q.DataPath,
		ContainerName: q.ContainerName,
		Image:         q.Image,
		BinaryPath:    q.BinaryPath,
		HealthTTL:     q.HealthTTL,
		ReadyAttempts: q.ReadyAttempts,
		ReadyInterval: q.ReadyInterval,
	}
}

// newSearchManager prefers a configured SearXNG instance. DuckDuckGo's
// instant answer API is always registered as the fallback.
func newSearchManager(tc config.ToolsConfig) *search.Manager {
	primary := "duckduckgo"
	if tc.SearXNGURL != "" {
		primary = "searxng"
	}
	m := search.NewManager(primary)
	m.Register(search.NewDuckDuckGo(tc.SearchURL))
	if tc.SearXNGURL != "" {
		m.Register(search.NewSearXNG(tc.SearXNGURL))
	}
	return m
}
