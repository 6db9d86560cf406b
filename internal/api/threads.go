package api

import (
	"errors"
	"io/fs"
	"net/http"
	"strings"

	"github.com/Cstannahill/ollama-desktop/internal/audit"
	"github.com/Cstannahill/ollama-desktop/internal/ingest"
	"github.com/Cstannahill/ollama-desktop/internal/llm"
	"github.com/Cstannahill/ollama-desktop/internal/rag"
	"github.com/Cstannahill/ollama-desktop/internal/threads"
	"github.com/Cstannahill/ollama-desktop/internal/tools"
)

// DefaultRelatedLimit bounds related-conversation results when the
// request sets no limit.
const DefaultRelatedLimit = 5

// SaveMessagesRequest is the body of POST /v1/threads/{id}/messages.
type SaveMessagesRequest struct {
	ProjectID string        `json:"project_id,omitempty"`
	Messages  []llm.Message `json:"messages"`
}

// handleSaveMessages accepts a saved chat and queues it for indexing.
// The response never waits on the embedding service.
func (s *Server) handleSaveMessages(w http.ResponseWriter, r *http.Request) {
	if s.deps.Vectorizer == nil {
		s.unavailable(w, "vectorizer")
		return
	}
	threadID := r.PathValue("id")

	var req SaveMessagesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	queued := true
	if len(req.Messages) > 0 {
		err := s.deps.Vectorizer.Enqueue(rag.Job{ThreadID: threadID, ProjectID: req.ProjectID, Messages: req.Messages})
		if err != nil {
			queued = false
			s.logger.Warn("chat not queued for indexing", "thread", threadID, "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{
		"thread_id": threadID,
		"messages":  len(req.Messages),
		"queued":    queued && len(req.Messages) > 0,
	}, s.logger)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settings == nil {
		s.unavailable(w, "settings")
		return
	}
	st, err := s.deps.Settings.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("get thread settings failed", "thread", r.PathValue("id"), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read settings")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settings == nil {
		s.unavailable(w, "settings")
		return
	}
	threadID := r.PathValue("id")

	// Fields left out of the body keep their current value.
	st, err := s.deps.Settings.Get(r.Context(), threadID)
	if err != nil {
		s.logger.Error("get thread settings failed", "thread", threadID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read settings")
		return
	}
	if err := decodeJSON(w, r, &st); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.deps.Settings.Set(r.Context(), threadID, st); err != nil {
		if errors.Is(err, threads.ErrInvalidSettings) {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("set thread settings failed", "thread", threadID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

// handleRelated lists turns from other conversations similar to q.
func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	if s.deps.Retrieval == nil {
		s.unavailable(w, "retrieval")
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		s.errorResponse(w, http.StatusBadRequest, "q is required")
		return
	}
	scope := rag.Scope{ThreadID: r.PathValue("id"), ProjectID: r.URL.Query().Get("project_id")}
	limit := parseIntParam(r, "limit", DefaultRelatedLimit)
	if limit == 0 {
		limit = DefaultRelatedLimit
	}

	refs, err := s.deps.Retrieval.FindRelated(r.Context(), []llm.Message{{Role: llm.RoleUser, Content: q}}, scope, limit)
	if err != nil {
		s.logger.Warn("find related failed", "thread", scope.ThreadID, "error", err)
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if refs == nil {
		refs = []rag.ConversationRef{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"related": refs}, s.logger)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		s.unavailable(w, "audit log")
		return
	}
	threadID := r.PathValue("id")
	entries, err := s.deps.Audit.List(r.Context(), threadID, parseIntParam(r, "limit", audit.DefaultListLimit))
	if err != nil {
		s.logger.Error("list audit failed", "thread", threadID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	if entries == nil {
		entries = []audit.LogEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"thread_id": threadID, "entries": entries}, s.logger)
}

// IngestRequest is the body of POST /v1/threads/{id}/documents. Path is
// relative to the workspace.
type IngestRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingester == nil || s.deps.Workspace == nil {
		s.unavailable(w, "ingestion")
		return
	}
	threadID := r.PathValue("id")

	var req IngestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	path, err := s.deps.Workspace.Resolve(req.Path)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.deps.Ingester.IngestFile(r.Context(), threadID, path)
	if err != nil {
		s.errorResponse(w, ingestStatus(err), err.Error())
		if ingestStatus(err) >= 500 {
			s.logger.Error("ingest failed", "thread", threadID, "path", req.Path, "error", err)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, res, s.logger)
}

func ingestStatus(err error) int {
	switch {
	case errors.Is(err, ingest.ErrUnsupported):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ingest.ErrEmpty):
		return http.StatusUnprocessableEntity
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, tools.ErrPathEscape):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
