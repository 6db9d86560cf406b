package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Cstannahill/ollama-desktop/internal/ingest"
	"github.com/Cstannahill/ollama-desktop/internal/tools"
	"github.com/Cstannahill/ollama-desktop/internal/usage"
	"github.com/Cstannahill/ollama-desktop/internal/vectorstore"
	"github.com/Cstannahill/ollama-desktop/internal/vectorstore/vectorstoretest"
)

// fakeOllama answers chat with a fixed two-frame stream and embeddings
// with a fixed two-dimensional vector.
func fakeOllama(t *testing.T, answer string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			w.Header().Set("Content-Type", "application/x-ndjson")
			fmt.Fprintf(w, `{"model":"m","message":{"role":"assistant","content":%q},"done":false}`+"\n", answer)
			fmt.Fprint(w, `{"model":"m","message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":7,"eval_count":2}`+"\n")
		case "/api/embeddings":
			fmt.Fprint(w, `{"embedding":[0.6,0.8]}`)
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"name":"llama3.1:8b","size":4920000000}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeConfig writes a config that keeps all state under a temp dir and
// never launches a vector store.
func writeConfig(t *testing.T, ollamaURL, qdrantURL string) string {
	t.Helper()
	dir := t.TempDir()
	port := "1"
	if qdrantURL != "" {
		u, err := url.Parse(qdrantURL)
		if err != nil {
			t.Fatal(err)
		}
		port = u.Port()
	}
	cfg := fmt.Sprintf(`data_dir: %s
workspace:
  path: %s
ollama:
  url: %s
qdrant:
  auto_start: false
  use_docker: false
  port: %s
  binary_path: %s
rag:
  vector_size: 2
logging:
  level: error
`, filepath.Join(dir, "data"), filepath.Join(dir, "ws"), ollamaURL, port, filepath.Join(dir, "no-qdrant"))

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), err
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		out, err := runCmd(t, args...)
		if err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		if !strings.Contains(out, "Usage: ollama-desktop") {
			t.Errorf("%v: usage missing:\n%s", args, out)
		}
	}
}

func TestRun_Version(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "ollama-desktop ") || !strings.Contains(out, "go_version:") {
		t.Errorf("text version:\n%s", out)
	}

	out, err = runCmd(t, "-o", "json", "version")
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("json version %q: %v", out, err)
	}
	if info["version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRun_Errors(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1", "")
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x"}, "unknown flag"},
		{"bad output", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "tools"}, "config file not found"},
		{"ask without question", []string{"-config", cfg, "ask", "-rag"}, "usage: ollama-desktop ask"},
		{"ingest without file", []string{"-config", cfg, "ingest"}, "usage: ollama-desktop ingest"},
		{"qdrant without subcommand", []string{"-config", cfg, "qdrant"}, "usage: ollama-desktop qdrant"},
		{"qdrant unknown", []string{"-config", cfg, "qdrant", "restart"}, "unknown qdrant command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCmd(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestParseAskArgs(t *testing.T) {
	opts, err := parseAskArgs([]string{"-thread", "t9", "-rag", "what", "is", "-tools", "file_read, shell_exec", "this?"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.threadID != "t9" || !opts.rag || opts.question != "what is this?" {
		t.Errorf("opts = %+v", opts)
	}
	if strings.Join(opts.tools, ",") != "file_read,shell_exec" {
		t.Errorf("tools = %v", opts.tools)
	}

	opts, _ = parseAskArgs([]string{"hi"})
	if opts.threadID != "cli" || opts.rag || opts.tools != nil {
		t.Errorf("defaults = %+v", opts)
	}
}

func TestRun_Tools(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1", "")

	out, err := runCmd(t, "-config", cfg, "-o", "json", "tools")
	if err != nil {
		t.Fatal(err)
	}
	var specs []tools.Spec
	if err := json.Unmarshal([]byte(out), &specs); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	var names []string
	for _, s := range specs {
		names = append(names, s.Name)
	}
	if got := strings.Join(names, ","); got != "file_read,file_write,shell_exec,web_search" {
		t.Errorf("tools = %s", got)
	}
}

func TestRun_Ask(t *testing.T) {
	ollama := fakeOllama(t, "Paris.")
	cfg := writeConfig(t, ollama.URL, "")

	out, err := runCmd(t, "-config", cfg, "ask", "capital", "of", "France?")
	if err != nil {
		t.Fatal(err)
	}
	if out != "Paris.\n" {
		t.Errorf("stdout = %q, want only the answer", out)
	}
}

func TestRun_TokenUsage(t *testing.T) {
	ollama := fakeOllama(t, "Paris.")
	cfg := writeConfig(t, ollama.URL, "")

	if _, err := runCmd(t, "-config", cfg, "ask", "-thread", "geo", "capital?"); err != nil {
		t.Fatal(err)
	}
	out, err := runCmd(t, "-config", cfg, "-o", "json", "usage", "-thread", "geo")
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Total usage.Summary `json:"total"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.Total != (usage.Summary{Requests: 1, PromptTokens: 7, OutputTokens: 2}) {
		t.Errorf("total = %+v", got.Total)
	}

	out, err = runCmd(t, "-config", cfg, "usage")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "MODEL") || !strings.Contains(out, "total") {
		t.Errorf("text usage:\n%s", out)
	}
	if _, err := runCmd(t, "-config", cfg, "usage", "-since", "soon"); err == nil {
		t.Error("expected an error for a bad -since")
	}
}

func TestRun_AskNeedsModelService(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1", "")
	if _, err := runCmd(t, "-config", cfg, "ask", "hello"); err == nil {
		t.Fatal("expected an error with the model service unreachable")
	}
}

func TestRun_Models(t *testing.T) {
	ollama := fakeOllama(t, "")
	cfg := writeConfig(t, ollama.URL, "")

	out, err := runCmd(t, "-config", cfg, "models")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "llama3.1:8b") {
		t.Errorf("models:\n%s", out)
	}
}

func TestRun_Ingest(t *testing.T) {
	ollama := fakeOllama(t, "")
	qdrant := vectorstoretest.New(t)
	cfg := writeConfig(t, ollama.URL, qdrant.URL)

	doc := filepath.Join(t.TempDir(), "notes.md")
	if err := os.WriteFile(doc, []byte("# Release\n\nShip on Friday after the smoke tests pass.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, "-config", cfg, "-o", "json", "ingest", "-thread", "t1", doc)
	if err != nil {
		t.Fatal(err)
	}
	var res ingest.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res.File != "notes.md" || res.MIME != "text/markdown" || res.Chunks != 1 {
		t.Errorf("result = %+v", res)
	}

	points := qdrant.Points("chat")
	if len(points) != 1 {
		t.Fatalf("points = %d, want 1", len(points))
	}
	if points[0].Payload["thread_id"] != "t1" || !strings.Contains(fmt.Sprint(points[0].Payload["text"]), "Ship on Friday") {
		t.Errorf("payload = %v", points[0].Payload)
	}
}

func TestRun_QdrantStatus(t *testing.T) {
	qdrant := vectorstoretest.New(t)
	cfg := writeConfig(t, "http://127.0.0.1:1", qdrant.URL)

	out, err := runCmd(t, "-config", cfg, "-o", "json", "qdrant", "status")
	if err != nil {
		t.Fatal(err)
	}
	var st vectorstore.Status
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !st.Running || st.AutoStart || st.Method != vectorstore.MethodBinary+" (unavailable)" {
		t.Errorf("status = %+v", st)
	}

	// Start on a store that already answers launches nothing.
	out, err = runCmd(t, "-config", cfg, "qdrant", "start")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "qdrant running") {
		t.Errorf("start output = %q", out)
	}

	// A binary-launched store belongs to the serve process.
	if _, err := runCmd(t, "-config", cfg, "qdrant", "stop"); !errors.Is(err, vectorstore.ErrNotContainer) {
		t.Errorf("stop err = %v, want ErrNotContainer", err)
	}
}
