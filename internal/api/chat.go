package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Cstannahill/ollama-desktop/internal/agent"
	"github.com/Cstannahill/ollama-desktop/internal/events"
	"github.com/Cstannahill/ollama-desktop/internal/httpkit"
	"github.com/Cstannahill/ollama-desktop/internal/llm"
)

// streamBuffer is the event backlog of one streaming chat request.
const streamBuffer = 256

// sseWriteWait is how long a streamed response may go without a write.
const sseWriteWait = 120 * time.Second

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	agent.Request
	Stream bool `json:"stream"`
}

// ChatResponse is returned by non-streaming chat requests and as the final
// "result" event of streaming ones.
type ChatResponse struct {
	ThreadID string        `json:"thread_id"`
	Content  string        `json:"content"`
	Model    string        `json:"model"`
	Rounds   int           `json:"rounds"`
	Messages []llm.Message `json:"messages"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		s.unavailable(w, "chat")
		return
	}

	var req ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.errorResponse(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.ThreadID == "" {
		req.ThreadID = "default"
	}

	if req.Stream && s.deps.Events != nil {
		s.streamChat(w, r, &req.Request)
		return
	}

	resp, err := s.deps.Runner.Run(r.Context(), &req.Request)
	if err != nil {
		s.chatError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, chatResponse(req.ThreadID, resp), s.logger)
}

// streamChat relays the turn's events as server-sent events. Headers are
// only committed once the first event arrives, so a turn refused before
// it starts (missing permission) still gets a proper status code.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req *agent.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := s.deps.Events.Subscribe(streamBuffer)
	defer s.deps.Events.Unsubscribe(sub)

	type outcome struct {
		resp *agent.Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := s.deps.Runner.Run(r.Context(), req)
		done <- outcome{resp, err}
	}()

	rc := http.NewResponseController(w)
	started := false
	forward := func(e events.Event) {
		if e.ThreadID != req.ThreadID {
			return
		}
		if !started {
			startSSE(w)
			started = true
		}
		s.writeSSE(w, e.Kind, e)
		flusher.Flush()
		if err := rc.SetWriteDeadline(time.Now().Add(sseWriteWait)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	for {
		select {
		case e := <-sub:
			forward(e)
		case res := <-done:
			// Events published before Run returned are still buffered.
			for drained := false; !drained; {
				select {
				case e := <-sub:
					forward(e)
				default:
					drained = true
				}
			}
			if res.err != nil {
				if !started {
					s.chatError(w, res.err)
				}
				// Otherwise the chat-error event already reported it.
				return
			}
			if !started {
				startSSE(w)
			}
			s.writeSSE(w, "result", chatResponse(req.ThreadID, res.resp))
			flusher.Flush()
			return
		}
	}
}

func startSSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
	}
}

// chatError maps a failed turn onto an HTTP status.
func (s *Server) chatError(w http.ResponseWriter, err error) {
	var (
		perm   *agent.NeedPermissionError
		status *llm.StatusError
	)
	switch {
	case errors.As(err, &perm):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		writeJSON(w, map[string]any{
			"error": map[string]any{
				"message": err.Error(),
				"type":    errorType(http.StatusForbidden),
				"code":    perm.Code(),
				"tool":    perm.Tool,
			},
		}, s.logger)
	case errors.Is(err, agent.ErrToolLoopExceeded):
		s.errorResponse(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &status), httpkit.IsConnectError(err):
		s.errorResponse(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.Canceled):
		s.logger.Debug("chat cancelled by client")
	default:
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

func chatResponse(threadID string, resp *agent.Response) ChatResponse {
	return ChatResponse{
		ThreadID: threadID,
		Content:  resp.Content,
		Model:    resp.Model,
		Rounds:   resp.Rounds,
		Messages: resp.Messages,
	}
}
