package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Cstannahill/ollama-desktop/internal/agent"
	"github.com/Cstannahill/ollama-desktop/internal/audit"
	"github.com/Cstannahill/ollama-desktop/internal/connwatch"
	"github.com/Cstannahill/ollama-desktop/internal/events"
	"github.com/Cstannahill/ollama-desktop/internal/ingest"
	"github.com/Cstannahill/ollama-desktop/internal/llm"
	"github.com/Cstannahill/ollama-desktop/internal/metrics"
	"github.com/Cstannahill/ollama-desktop/internal/rag"
	"github.com/Cstannahill/ollama-desktop/internal/threads"
	"github.com/Cstannahill/ollama-desktop/internal/tools"
	"github.com/Cstannahill/ollama-desktop/internal/usage"
	"github.com/Cstannahill/ollama-desktop/internal/vectorstore"
)

type runnerFunc func(ctx context.Context, req *agent.Request) (*agent.Response, error)

func (f runnerFunc) Run(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	return f(ctx, req)
}

type memSettings struct {
	mu sync.Mutex
	m  map[string]threads.Settings
}

func (s *memSettings) Get(_ context.Context, id string) (threads.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.m[id]; ok {
		return st, nil
	}
	return threads.DefaultSettings(), nil
}

func (s *memSettings) Set(_ context.Context, id string, st threads.Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = map[string]threads.Settings{}
	}
	s.m[id] = st
	return nil
}

type fakeAudit struct {
	entries []audit.LogEntry
	limit   int
}

func (f *fakeAudit) List(_ context.Context, threadID string, limit int) ([]audit.LogEntry, error) {
	f.limit = limit
	var out []audit.LogEntry
	for _, e := range f.entries {
		if e.ThreadID == threadID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeRetrieval struct {
	refs    []rag.ConversationRef
	err     error
	query   string
	scope   rag.Scope
	limit   int
	weights map[string]float64
}

func (f *fakeRetrieval) FindRelated(_ context.Context, msgs []llm.Message, scope rag.Scope, limit int) ([]rag.ConversationRef, error) {
	f.query = msgs[len(msgs)-1].Content
	f.scope = scope
	f.limit = limit
	return f.refs, f.err
}

func (f *fakeRetrieval) SetWeight(_ context.Context, collection, id string, weight float64) error {
	if weight < 0 {
		return fmt.Errorf("%w: %v", rag.ErrNegativeWeight, weight)
	}
	if f.weights == nil {
		f.weights = map[string]float64{}
	}
	f.weights[collection+"/"+id] = weight
	return nil
}

type fakeVectorizer struct {
	jobs []rag.Job
	err  error
}

func (f *fakeVectorizer) Enqueue(job rag.Job) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeIngester struct {
	path string
	err  error
}

func (f *fakeIngester) IngestFile(_ context.Context, threadID, path string) (*ingest.Result, error) {
	f.path = path
	if f.err != nil {
		return nil, f.err
	}
	return &ingest.Result{File: filepath.Base(path), MIME: "text/plain", Chunks: 1, IDs: []string{"p1"}}, nil
}

type fakeModels struct{ err error }

func (f fakeModels) ListModels(context.Context) ([]llm.ModelInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []llm.ModelInfo{{Name: "llama3.1:8b", Size: 42}}, nil
}

type fakeVectorStore struct {
	cfg      vectorstore.Config
	running  bool
	startErr error
	stops    int
}

func (f *fakeVectorStore) Status(context.Context) vectorstore.Status {
	return vectorstore.Status{Running: f.running, Port: f.cfg.Port, Method: vectorstore.MethodDocker, AutoStart: f.cfg.AutoStart}
}

func (f *fakeVectorStore) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeVectorStore) Stop(context.Context) error {
	f.stops++
	f.running = false
	return nil
}

func (f *fakeVectorStore) Config() vectorstore.Config        { return f.cfg }
func (f *fakeVectorStore) Reconfigure(cfg vectorstore.Config) { f.cfg = cfg }

func newTestServer(t *testing.T, deps Deps) (*Server, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer("127.0.0.1", 0, deps, logger)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func decode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func TestHealthAndRoot(t *testing.T) {
	_, srv := newTestServer(t, Deps{})

	resp, body := do(t, http.MethodGet, srv.URL+"/health", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "healthy") {
		t.Errorf("health = %d %s", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodGet, srv.URL+"/", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ollama-desktop") {
		t.Errorf("root = %d %s", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/nope", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path = %d, want 404", resp.StatusCode)
	}
}

type fakeHealth map[string]connwatch.Status

func (f fakeHealth) Status() map[string]connwatch.Status { return f }

func TestHealth_ReportsServices(t *testing.T) {
	tests := []struct {
		name     string
		services fakeHealth
		want     string
	}{
		{"all ready", fakeHealth{"ollama": {Ready: true}, "qdrant": {Ready: true}}, "healthy"},
		{"one down", fakeHealth{"ollama": {Ready: true}, "qdrant": {LastError: "refused", Failures: 2}}, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, srv := newTestServer(t, Deps{Health: tt.services})
			resp, body := do(t, http.MethodGet, srv.URL+"/health", "")
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			var got struct {
				Status   string                      `json:"status"`
				Services map[string]connwatch.Status `json:"services"`
			}
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatal(err)
			}
			if got.Status != tt.want {
				t.Errorf("status = %q, want %q", got.Status, tt.want)
			}
			if len(got.Services) != len(tt.services) {
				t.Errorf("services = %v", got.Services)
			}
		})
	}
}

func TestMissingDependencyIs503(t *testing.T) {
	_, srv := newTestServer(t, Deps{})

	tests := []struct{ method, path, body string }{
		{http.MethodPost, "/v1/chat", `{"prompt":"hi"}`},
		{http.MethodGet, "/v1/threads/t1/settings", ""},
		{http.MethodGet, "/v1/tools", ""},
		{http.MethodGet, "/v1/usage", ""},
		{http.MethodGet, "/v1/vectorstore/status", ""},
		{http.MethodGet, "/v1/events", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, _ := do(t, tt.method, srv.URL+tt.path, tt.body)
			if resp.StatusCode != http.StatusServiceUnavailable {
				t.Errorf("status = %d, want 503", resp.StatusCode)
			}
		})
	}
}

func TestChat_NonStreaming(t *testing.T) {
	var got *agent.Request
	runner := runnerFunc(func(_ context.Context, req *agent.Request) (*agent.Response, error) {
		got = req
		return &agent.Response{Content: "hello back", Model: "m", Rounds: 1}, nil
	})
	_, srv := newTestServer(t, Deps{Runner: runner})

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/chat",
		`{"prompt":"hello","model":"m","rag_enabled":true,"enabled_tools":["file_read"],"allowed_tools":["file_read"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out ChatResponse
	decode(t, body, &out)
	if out.Content != "hello back" || out.ThreadID != "default" || out.Rounds != 1 {
		t.Errorf("response = %+v", out)
	}
	if got.ThreadID != "default" || !got.RAGEnabled || len(got.EnabledTools) != 1 || got.AllowedTools[0] != "file_read" {
		t.Errorf("request = %+v", got)
	}
}

func TestChat_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		want     int
		wantBody string
	}{
		{"bad json", `{`, nil, http.StatusBadRequest, "invalid JSON"},
		{"empty prompt", `{"prompt":"  "}`, nil, http.StatusBadRequest, "prompt is required"},
		{"permission", `{"prompt":"x"}`, &agent.NeedPermissionError{Tool: "shell_exec"}, http.StatusForbidden, `"code":"NeedPermission"`},
		{"loop", `{"prompt":"x"}`, fmt.Errorf("%w: again", agent.ErrToolLoopExceeded), http.StatusUnprocessableEntity, "tool loop exceeded"},
		{"upstream", `{"prompt":"x"}`, &llm.StatusError{StatusCode: 404, Body: "model not found"}, http.StatusBadGateway, "model not found"},
		{"other", `{"prompt":"x"}`, errors.New("boom"), http.StatusInternalServerError, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := runnerFunc(func(context.Context, *agent.Request) (*agent.Response, error) {
				return nil, tt.err
			})
			_, srv := newTestServer(t, Deps{Runner: runner})
			resp, body := do(t, http.MethodPost, srv.URL+"/v1/chat", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if !strings.Contains(string(body), tt.wantBody) {
				t.Errorf("body = %s, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestChat_PermissionCarriesTool(t *testing.T) {
	runner := runnerFunc(func(context.Context, *agent.Request) (*agent.Response, error) {
		return nil, &agent.NeedPermissionError{Tool: "shell_exec"}
	})
	_, srv := newTestServer(t, Deps{Runner: runner, Events: events.New()})

	// Streaming requests refused up front still get a JSON status.
	resp, body := do(t, http.MethodPost, srv.URL+"/v1/chat", `{"prompt":"x","stream":true}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	var out struct {
		Error struct {
			Code string `json:"code"`
			Tool string `json:"tool"`
		} `json:"error"`
	}
	decode(t, body, &out)
	if out.Error.Code != "NeedPermission" || out.Error.Tool != "shell_exec" {
		t.Errorf("error = %+v", out.Error)
	}
}

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var (
		out []sseEvent
		cur sseEvent
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.name != "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
	return out
}

func TestChat_Streaming(t *testing.T) {
	bus := events.New()
	runner := runnerFunc(func(_ context.Context, req *agent.Request) (*agent.Response, error) {
		events.Emit(bus, "other", events.KindToken, map[string]any{"text": "not mine"})
		events.Emit(bus, req.ThreadID, events.KindToken, map[string]any{"text": "Hel"})
		events.Emit(bus, req.ThreadID, events.KindToken, map[string]any{"text": "lo"})
		events.Emit(bus, req.ThreadID, events.KindEnd, map[string]any{"rounds": 0})
		return &agent.Response{Content: "Hello", Model: "m"}, nil
	})
	_, srv := newTestServer(t, Deps{Runner: runner, Events: bus})

	resp, err := http.Post(srv.URL+"/v1/chat", "application/json", strings.NewReader(`{"thread_id":"t1","prompt":"hi","stream":true}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	evs := readSSE(t, resp.Body)
	var names []string
	for _, e := range evs {
		names = append(names, e.name)
	}
	want := []string{events.KindToken, events.KindToken, events.KindEnd, "result"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", names, want)
	}
	var tok events.Event
	decode(t, []byte(evs[0].data), &tok)
	if tok.ThreadID != "t1" || tok.Data["text"] != "Hel" {
		t.Errorf("first token = %+v", tok)
	}
	var result ChatResponse
	decode(t, []byte(evs[3].data), &result)
	if result.Content != "Hello" || result.ThreadID != "t1" {
		t.Errorf("result = %+v", result)
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("subscribers = %d, want 0 after the request", bus.SubscriberCount())
	}
}

func TestChat_StreamingFailureEndsWithChatError(t *testing.T) {
	bus := events.New()
	runner := runnerFunc(func(_ context.Context, req *agent.Request) (*agent.Response, error) {
		events.Emit(bus, req.ThreadID, events.KindToken, map[string]any{"text": "partial"})
		events.Emit(bus, req.ThreadID, events.KindError, map[string]any{"error": "stream broke"})
		return nil, errors.New("stream broke")
	})
	_, srv := newTestServer(t, Deps{Runner: runner, Events: bus})

	resp, err := http.Post(srv.URL+"/v1/chat", "application/json", strings.NewReader(`{"prompt":"hi","stream":true}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 once streaming started", resp.StatusCode)
	}
	evs := readSSE(t, resp.Body)
	if len(evs) != 2 || evs[1].name != events.KindError {
		t.Errorf("events = %+v", evs)
	}
}

func TestSaveMessages(t *testing.T) {
	vz := &fakeVectorizer{}
	_, srv := newTestServer(t, Deps{Vectorizer: vz})

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/threads/t1/messages",
		`{"project_id":"p1","messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if len(vz.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(vz.jobs))
	}
	job := vz.jobs[0]
	if job.ThreadID != "t1" || job.ProjectID != "p1" || len(job.Messages) != 2 || job.Messages[1].Content != "hello" {
		t.Errorf("job = %+v", job)
	}

	// A full queue does not fail the save.
	vz.err = rag.ErrQueueFull
	resp, body = do(t, http.MethodPost, srv.URL+"/v1/threads/t1/messages", `{"messages":[{"role":"user","content":"x"}]}`)
	if resp.StatusCode != http.StatusAccepted || !strings.Contains(string(body), `"queued":false`) {
		t.Errorf("full queue = %d %s", resp.StatusCode, body)
	}
}

func TestSettings(t *testing.T) {
	st := &memSettings{}
	_, srv := newTestServer(t, Deps{Settings: st})

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/threads/t1/settings", "")
	var got threads.Settings
	decode(t, body, &got)
	if resp.StatusCode != http.StatusOK || got != threads.DefaultSettings() {
		t.Errorf("defaults = %d %+v", resp.StatusCode, got)
	}

	resp, body = do(t, http.MethodPut, srv.URL+"/v1/threads/t1/settings", `{"top_k":8}`)
	decode(t, body, &got)
	if resp.StatusCode != http.StatusOK || got.TopK != 8 || got.CtxTokens != threads.DefaultCtxTokens {
		t.Errorf("partial update = %d %+v", resp.StatusCode, got)
	}

	resp, _ = do(t, http.MethodPut, srv.URL+"/v1/threads/t1/settings", `{"top_k":0}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid settings = %d, want 400", resp.StatusCode)
	}
	if saved, _ := st.Get(context.Background(), "t1"); saved.TopK != 8 {
		t.Errorf("invalid update was saved: %+v", saved)
	}
}

func TestRelated(t *testing.T) {
	rt := &fakeRetrieval{refs: []rag.ConversationRef{{ID: "c1", ThreadID: "t2", Snippet: "earlier", Score: 0.9}}}
	_, srv := newTestServer(t, Deps{Retrieval: rt})

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/threads/t1/related?q=deploy+plan&project_id=p1&limit=3", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Related []rag.ConversationRef `json:"related"`
	}
	decode(t, body, &out)
	if len(out.Related) != 1 || out.Related[0].ThreadID != "t2" {
		t.Errorf("related = %+v", out.Related)
	}
	if rt.query != "deploy plan" || rt.scope != (rag.Scope{ThreadID: "t1", ProjectID: "p1"}) || rt.limit != 3 {
		t.Errorf("call = %q %+v %d", rt.query, rt.scope, rt.limit)
	}

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/threads/t1/related", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing q = %d, want 400", resp.StatusCode)
	}

	rt.refs = nil
	_, body = do(t, http.MethodGet, srv.URL+"/v1/threads/t1/related?q=x", "")
	if !strings.Contains(string(body), `"related":[]`) || rt.limit != DefaultRelatedLimit {
		t.Errorf("empty = %s, limit %d", body, rt.limit)
	}
}

func TestAudit(t *testing.T) {
	al := &fakeAudit{entries: []audit.LogEntry{
		{ID: "1", ThreadID: "t1", Tool: "file_read", OK: true},
		{ID: "2", ThreadID: "t2", Tool: "shell_exec"},
	}}
	_, srv := newTestServer(t, Deps{Audit: al})

	_, body := do(t, http.MethodGet, srv.URL+"/v1/threads/t1/audit", "")
	var out struct {
		Entries []audit.LogEntry `json:"entries"`
	}
	decode(t, body, &out)
	if len(out.Entries) != 1 || out.Entries[0].Tool != "file_read" {
		t.Errorf("entries = %+v", out.Entries)
	}
	if al.limit != audit.DefaultListLimit {
		t.Errorf("limit = %d, want default", al.limit)
	}

	do(t, http.MethodGet, srv.URL+"/v1/threads/t3/audit?limit=7", "")
	if al.limit != 7 {
		t.Errorf("limit = %d, want 7", al.limit)
	}
}

func TestIngest(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "notes.md"), []byte("# Notes"), 0o644); err != nil {
		t.Fatal(err)
	}
	ws, err := tools.NewWorkspace(root)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		err  error
		want int
	}{
		{"ok", "notes.md", nil, http.StatusCreated},
		{"escape", "../outside.md", nil, http.StatusBadRequest},
		{"unsupported", "notes.md", fmt.Errorf("%w: %q", ingest.ErrUnsupported, ".exe"), http.StatusUnsupportedMediaType},
		{"empty", "notes.md", fmt.Errorf("%w: notes.md", ingest.ErrEmpty), http.StatusUnprocessableEntity},
		{"missing", "gone.md", fmt.Errorf("read gone.md: %w", os.ErrNotExist), http.StatusNotFound},
		{"store down", "notes.md", errors.New("vector store unavailable"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing := &fakeIngester{err: tt.err}
			_, srv := newTestServer(t, Deps{Ingester: ing, Workspace: ws})
			resp, body := do(t, http.MethodPost, srv.URL+"/v1/threads/t1/documents", fmt.Sprintf(`{"path":%q}`, tt.path))
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, tt.want, body)
			}
			if tt.want == http.StatusCreated {
				if ing.path != filepath.Join(ws.Root(), "notes.md") {
					t.Errorf("ingested %q", ing.path)
				}
				var res ingest.Result
				decode(t, body, &res)
				if res.File != "notes.md" || res.Chunks != 1 {
					t.Errorf("result = %+v", res)
				}
			}
		})
	}
}

func TestSetWeight(t *testing.T) {
	rt := &fakeRetrieval{}
	_, srv := newTestServer(t, Deps{Retrieval: rt})

	resp, _ := do(t, http.MethodPut, srv.URL+"/v1/vectors/conversations/abc/weight", `{"weight":2.5}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if rt.weights["conversations/abc"] != 2.5 {
		t.Errorf("weights = %v", rt.weights)
	}

	for _, body := range []string{`{"weight":-1}`, `{}`} {
		resp, _ = do(t, http.MethodPut, srv.URL+"/v1/vectors/conversations/abc/weight", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestUsage(t *testing.T) {
	store, err := usage.NewStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	now := time.Now()
	for _, rec := range []usage.Record{
		{When: now.Add(-time.Minute), ThreadID: "t1", Model: "llama3", PromptTokens: 10, OutputTokens: 2},
		{When: now.Add(-time.Minute), ThreadID: "t2", Model: "llama3", PromptTokens: 5, OutputTokens: 1},
		{When: now.Add(-48 * time.Hour), ThreadID: "t1", Model: "old", PromptTokens: 99, OutputTokens: 99},
	} {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	_, srv := newTestServer(t, Deps{Usage: store})

	tests := []struct {
		name  string
		query string
		want  usage.Summary
	}{
		{"default window", "", usage.Summary{Requests: 2, PromptTokens: 15, OutputTokens: 3}},
		{"one thread", "?thread=t1", usage.Summary{Requests: 1, PromptTokens: 10, OutputTokens: 2}},
		{"wide window", "?since=72h", usage.Summary{Requests: 3, PromptTokens: 114, OutputTokens: 102}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodGet, srv.URL+"/v1/usage"+tt.query, "")
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d %s", resp.StatusCode, body)
			}
			var got struct {
				Total   usage.Summary            `json:"total"`
				ByModel map[string]usage.Summary `json:"by_model"`
			}
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatal(err)
			}
			if got.Total != tt.want {
				t.Errorf("total = %+v, want %+v", got.Total, tt.want)
			}
			if got.ByModel["llama3"].Requests == 0 {
				t.Errorf("by_model = %v", got.ByModel)
			}
		})
	}

	resp, _ := do(t, http.MethodGet, srv.URL+"/v1/usage?since=yesterday", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad since = %d, want 400", resp.StatusCode)
	}
}

func TestToolsAndModels(t *testing.T) {
	ws, err := tools.NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := tools.NewRegistry()
	if err := reg.Register(tools.NewFileRead(ws, 100)); err != nil {
		t.Fatal(err)
	}
	_, srv := newTestServer(t, Deps{Tools: reg, Models: fakeModels{}})

	_, body := do(t, http.MethodGet, srv.URL+"/v1/tools", "")
	var ts struct {
		Tools []tools.Spec `json:"tools"`
	}
	decode(t, body, &ts)
	if len(ts.Tools) != 1 || ts.Tools[0].Name != "file_read" || ts.Tools[0].Parameters == nil {
		t.Errorf("tools = %+v", ts.Tools)
	}

	_, body = do(t, http.MethodGet, srv.URL+"/v1/models", "")
	if !strings.Contains(string(body), "llama3.1:8b") {
		t.Errorf("models = %s", body)
	}

	_, srv = newTestServer(t, Deps{Models: fakeModels{err: errors.New("connection refused")}})
	resp, _ := do(t, http.MethodGet, srv.URL+"/v1/models", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("model service down = %d, want 502", resp.StatusCode)
	}
}

func TestVectorStoreControl(t *testing.T) {
	vs := &fakeVectorStore{cfg: vectorstore.DefaultConfig()}
	var reconfigured []vectorstore.Config
	_, srv := newTestServer(t, Deps{
		VectorStore:   vs,
		OnReconfigure: func(cfg vectorstore.Config) { reconfigured = append(reconfigured, cfg) },
	})

	_, body := do(t, http.MethodGet, srv.URL+"/v1/vectorstore/status", "")
	var st vectorstore.Status
	decode(t, body, &st)
	if st.Running || st.Port != 6333 || st.Method != vectorstore.MethodDocker {
		t.Errorf("status = %+v", st)
	}

	_, body = do(t, http.MethodPost, srv.URL+"/v1/vectorstore/start", "")
	decode(t, body, &st)
	if !st.Running {
		t.Errorf("after start = %+v", st)
	}

	_, body = do(t, http.MethodPost, srv.URL+"/v1/vectorstore/stop", "")
	decode(t, body, &st)
	if st.Running || vs.stops != 1 {
		t.Errorf("after stop = %+v, stops %d", st, vs.stops)
	}

	resp, body := do(t, http.MethodPut, srv.URL+"/v1/vectorstore/config", `{"port":6400,"auto_start":false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("config = %d: %s", resp.StatusCode, body)
	}
	if vs.cfg.Port != 6400 || vs.cfg.AutoStart || !vs.cfg.UseDocker || vs.cfg.ContainerName != "ollama-qdrant" {
		t.Errorf("config = %+v", vs.cfg)
	}
	if len(reconfigured) != 1 || reconfigured[0].Port != 6400 {
		t.Errorf("OnReconfigure calls = %+v", reconfigured)
	}

	resp, _ = do(t, http.MethodPut, srv.URL+"/v1/vectorstore/config", `{"port":70000}`)
	if resp.StatusCode != http.StatusBadRequest || vs.cfg.Port != 6400 {
		t.Errorf("bad port = %d, config %+v", resp.StatusCode, vs.cfg)
	}

	vs.startErr = vectorstore.ErrNoLauncher
	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/vectorstore/start", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("start failure = %d, want 503", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.TurnFinished("ok")
	_, srv := newTestServer(t, Deps{Metrics: m})

	_, body := do(t, http.MethodGet, srv.URL+"/metrics", "")
	if !strings.Contains(string(body), "ollama_desktop_turns_total") {
		t.Errorf("metrics output missing turns counter:\n%s", body)
	}
}

func TestEventsWebsocket(t *testing.T) {
	bus := events.New()
	_, srv := newTestServer(t, Deps{Events: bus})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events?thread=t1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	events.Emit(bus, "t2", events.KindToken, map[string]any{"text": "skip"})
	events.Emit(bus, "t1", events.KindToolStream, map[string]any{"tool": "shell_exec", "chunk": "a.txt\n"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var e events.Event
	decode(t, data, &e)
	if e.ThreadID != "t1" || e.Kind != events.KindToolStream || e.Data["chunk"] != "a.txt\n" {
		t.Errorf("event = %+v", e)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
