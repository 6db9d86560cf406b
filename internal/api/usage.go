package api

import (
	"context"
	"net/http"
	"time"

	"github.com/Cstannahill/ollama-desktop/internal/usage"
)

// UsageReport aggregates recorded token usage. *usage.Store implements it.
type UsageReport interface {
	Summary(ctx context.Context, f usage.Filter) (usage.Summary, error)
	ByModel(ctx context.Context, f usage.Filter) (map[string]usage.Summary, error)
}

// defaultUsageWindow applies when ?since is absent.
const defaultUsageWindow = 24 * time.Hour

// handleUsage serves GET /v1/usage?since=24h&thread=id.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		s.unavailable(w, "usage log")
		return
	}
	window := defaultUsageWindow
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "since must be a positive duration such as 24h")
			return
		}
		window = d
	}
	now := time.Now()
	f := usage.Filter{Since: now.Add(-window), ThreadID: r.URL.Query().Get("thread")}

	total, err := s.deps.Usage.Summary(r.Context(), f)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read usage")
		return
	}
	byModel, err := s.deps.Usage.ByModel(r.Context(), f)
	if err != nil {
		s.logger.Error("usage by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read usage")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"since":    f.Since.UTC(),
		"thread":   f.ThreadID,
		"total":    total,
		"by_model": byModel,
	}, s.logger)
}
