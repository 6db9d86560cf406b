// Package api implements the HTTP API served by "ollama-desktop serve".
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Cstannahill/ollama-desktop/internal/agent"
	"github.com/Cstannahill/ollama-desktop/internal/audit"
	"github.com/Cstannahill/ollama-desktop/internal/buildinfo"
	"github.com/Cstannahill/ollama-desktop/internal/connwatch"
	"github.com/Cstannahill/ollama-desktop/internal/events"
	"github.com/Cstannahill/ollama-desktop/internal/ingest"
	"github.com/Cstannahill/ollama-desktop/internal/llm"
	"github.com/Cstannahill/ollama-desktop/internal/metrics"
	"github.com/Cstannahill/ollama-desktop/internal/rag"
	"github.com/Cstannahill/ollama-desktop/internal/threads"
	"github.com/Cstannahill/ollama-desktop/internal/tools"
	"github.com/Cstannahill/ollama-desktop/internal/vectorstore"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Runner runs one chat turn. *agent.Loop implements it.
type Runner interface {
	Run(ctx context.Context, req *agent.Request) (*agent.Response, error)
}

// SettingsStore reads and writes per-thread retrieval settings.
type SettingsStore interface {
	Get(ctx context.Context, threadID string) (threads.Settings, error)
	Set(ctx context.Context, threadID string, st threads.Settings) error
}

// AuditLog lists recorded tool executions.
type AuditLog interface {
	List(ctx context.Context, threadID string, limit int) ([]audit.LogEntry, error)
}

// Retrieval is the part of the RAG engine the API exposes.
type Retrieval interface {
	FindRelated(ctx context.Context, msgs []llm.Message, scope rag.Scope, limit int) ([]rag.ConversationRef, error)
	SetWeight(ctx context.Context, collection, id string, weight float64) error
}

// Vectorizer accepts saved chats for background indexing.
type Vectorizer interface {
	Enqueue(job rag.Job) error
}

// Ingester indexes a document into a thread.
type Ingester interface {
	IngestFile(ctx context.Context, threadID, path string) (*ingest.Result, error)
}

// ModelLister lists the models installed on the model service.
type ModelLister interface {
	ListModels(ctx context.Context) ([]llm.ModelInfo, error)
}

// VectorStore controls the supervised vector store process.
type VectorStore interface {
	Status(ctx context.Context) vectorstore.Status
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Config() vectorstore.Config
	Reconfigure(cfg vectorstore.Config)
}

// HealthReporter reports the reachability of upstream services.
// *connwatch.Set implements it.
type HealthReporter interface {
	Status() map[string]connwatch.Status
}

// Deps are the collaborators behind the endpoints. Endpoints whose
// collaborator is nil answer 503.
type Deps struct {
	Runner      Runner
	Settings    SettingsStore
	Audit       AuditLog
	Retrieval   Retrieval
	Vectorizer  Vectorizer
	Ingester    Ingester
	Models      ModelLister
	VectorStore VectorStore
	Workspace   *tools.Workspace
	Tools       *tools.Registry
	Events      *events.Bus
	Metrics     *metrics.Metrics
	Health      HealthReporter
	Usage       UsageReport

	// OnReconfigure is called after the vector store settings change so
	// clients pointed at the old port can follow.
	OnReconfigure func(cfg vectorstore.Config)
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates an API server listening on address:port.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		logger:  logger,
	}
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)

	// Threads
	mux.HandleFunc("POST /v1/threads/{id}/messages", s.handleSaveMessages)
	mux.HandleFunc("GET /v1/threads/{id}/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/threads/{id}/settings", s.handlePutSettings)
	mux.HandleFunc("GET /v1/threads/{id}/related", s.handleRelated)
	mux.HandleFunc("GET /v1/threads/{id}/audit", s.handleAudit)
	mux.HandleFunc("POST /v1/threads/{id}/documents", s.handleIngest)

	mux.HandleFunc("PUT /v1/vectors/{collection}/{id}/weight", s.handleSetWeight)

	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	// Vector store process
	mux.HandleFunc("GET /v1/vectorstore/status", s.handleVectorStoreStatus)
	mux.HandleFunc("POST /v1/vectorstore/start", s.handleVectorStoreStart)
	mux.HandleFunc("POST /v1/vectorstore/stop", s.handleVectorStoreStop)
	mux.HandleFunc("PUT /v1/vectorstore/config", s.handleVectorStoreConfig)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start serves until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         net.JoinHostPort(s.address, strconv.Itoa(s.port)),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for streaming responses
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting API server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "ollama-desktop",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.deps.Health == nil {
		writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
		return
	}
	services := s.deps.Health.Status()
	status := "healthy"
	for _, st := range services {
		if !st.Ready {
			status = "degraded"
			break
		}
	}
	writeJSON(w, map[string]any{"status": status, "services": services}, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil {
		s.unavailable(w, "tools")
		return
	}
	specs := s.deps.Tools.Specs(s.deps.Tools.Names()...)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": specs}, s.logger)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.deps.Models == nil {
		s.unavailable(w, "model service")
		return
	}
	models, err := s.deps.Models.ListModels(r.Context())
	if err != nil {
		s.logger.Warn("list models failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	if models == nil {
		models = []llm.ModelInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"models": models}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(code),
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) unavailable(w http.ResponseWriter, what string) {
	s.errorResponse(w, http.StatusServiceUnavailable, what+" not configured")
}

func errorType(code int) string {
	switch {
	case code == http.StatusForbidden:
		return "permission_error"
	case code >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
