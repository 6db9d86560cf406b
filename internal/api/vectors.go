package api

import (
	"errors"
	"math"
	"net/http"

	"github.com/Cstannahill/ollama-desktop/internal/rag"
)

// WeightRequest is the body of PUT /v1/vectors/{collection}/{id}/weight.
type WeightRequest struct {
	Weight *float64 `json:"weight"`
}

func (s *Server) handleSetWeight(w http.ResponseWriter, r *http.Request) {
	if s.deps.Retrieval == nil {
		s.unavailable(w, "retrieval")
		return
	}
	var req WeightRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Weight == nil {
		s.errorResponse(w, http.StatusBadRequest, "weight is required")
		return
	}

	collection, id := r.PathValue("collection"), r.PathValue("id")
	if err := s.deps.Retrieval.SetWeight(r.Context(), collection, id, *req.Weight); err != nil {
		if errors.Is(err, rag.ErrNegativeWeight) {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Warn("set weight failed", "collection", collection, "id", id, "error", err)
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.logger.Info("vector weight updated", "collection", collection, "id", id, "weight", *req.Weight)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVectorStoreStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.VectorStore == nil {
		s.unavailable(w, "vector store")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.deps.VectorStore.Status(r.Context()), s.logger)
}

func (s *Server) handleVectorStoreStart(w http.ResponseWriter, r *http.Request) {
	if s.deps.VectorStore == nil {
		s.unavailable(w, "vector store")
		return
	}
	if err := s.deps.VectorStore.Start(r.Context()); err != nil {
		s.logger.Error("vector store start failed", "error", err)
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.deps.VectorStore.Status(r.Context()), s.logger)
}

func (s *Server) handleVectorStoreStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.VectorStore == nil {
		s.unavailable(w, "vector store")
		return
	}
	if err := s.deps.VectorStore.Stop(r.Context()); err != nil {
		s.logger.Error("vector store stop failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.deps.VectorStore.Status(r.Context()), s.logger)
}

// VectorStoreSettings is the body of PUT /v1/vectorstore/config. Absent
// fields keep their current value.
type VectorStoreSettings struct {
	AutoStart *bool   `json:"auto_start"`
	Port      *int    `json:"port"`
	UseDocker *bool   `json:"use_docker"`
	DataPath  *string `json:"data_path"`
}

func (s *Server) handleVectorStoreConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.VectorStore == nil {
		s.unavailable(w, "vector store")
		return
	}
	var req VectorStoreSettings
	if err := decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	cfg := s.deps.VectorStore.Config()
	if req.AutoStart != nil {
		cfg.AutoStart = *req.AutoStart
	}
	if req.Port != nil {
		if *req.Port <= 0 || *req.Port > math.MaxUint16 {
			s.errorResponse(w, http.StatusBadRequest, "port out of range")
			return
		}
		cfg.Port = *req.Port
	}
	if req.UseDocker != nil {
		cfg.UseDocker = *req.UseDocker
	}
	if req.DataPath != nil {
		cfg.DataPath = *req.DataPath
	}

	s.deps.VectorStore.Reconfigure(cfg)
	if s.deps.OnReconfigure != nil {
		s.deps.OnReconfigure(cfg)
	}
	s.logger.Info("vector store reconfigured", "port", cfg.Port, "auto_start", cfg.AutoStart, "use_docker", cfg.UseDocker)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.deps.VectorStore.Status(r.Context()), s.logger)
}
