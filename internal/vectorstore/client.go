// Package vectorstore talks to a local Qdrant instance over its REST API
// and supervises the Qdrant process itself.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Cstannahill/ollama-desktop/internal/httpkit"
)

const levelTrace = slog.Level(-8)

// StatusError is a non-success answer from Qdrant.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("qdrant %s: status %d: %s", e.Op, e.StatusCode, strings.TrimSpace(e.Body))
}

// Point is a vector with its payload, as written by Upsert.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ScoredPoint is one search hit.
type ScoredPoint struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Filter restricts a search by payload fields.
type Filter struct {
	Must    []Condition `json:"must,omitempty"`
	MustNot []Condition `json:"must_not,omitempty"`
}

// Condition matches a payload key against an exact value.
type Condition struct {
	Key   string `json:"key"`
	Match Match  `json:"match"`
}

type Match struct {
	Value any `json:"value"`
}

// FieldEquals builds a Condition matching key == value.
func FieldEquals(key string, value any) Condition {
	return Condition{Key: key, Match: Match{Value: value}}
}

// SearchRequest is a similarity query against one collection.
type SearchRequest struct {
	Vector []float32
	Limit  int
	Filter *Filter
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client is a typed Qdrant REST client. It is safe for concurrent use.
type Client struct {
	baseURL atomic.Pointer[string]
	http    *http.Client
	logger  *slog.Logger
}

// NewClient returns a client for the Qdrant instance at cfg.BaseURL.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Client{
		http:   httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout)),
		logger: cfg.Logger,
	}
	c.SetBaseURL(cfg.BaseURL)
	return c
}

// SetBaseURL points the client at a different instance, for example after
// the supervisor is reconfigured onto another port.
func (c *Client) SetBaseURL(u string) {
	u = strings.TrimRight(u, "/")
	c.baseURL.Store(&u)
}

// BaseURL returns the instance the client currently talks to.
func (c *Client) BaseURL() string {
	return *c.baseURL.Load()
}

// envelope is Qdrant's response wrapper.
type envelope struct {
	Result json.RawMessage `json:"result"`
	Status any             `json:"status"`
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("qdrant %s: marshal: %w", op, err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL()+path, rdr)
	if err != nil {
		return fmt.Errorf("qdrant %s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s: %w", op, err)
	}
	defer resp.Body.Close()

	c.logger.Log(ctx, levelTrace, "qdrant request", "op", op, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 1024)}
	}
	if out == nil {
		httpkit.DrainAndClose(resp.Body, 64<<10)
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("qdrant %s: decode: %w", op, err)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("qdrant %s: decode result: %w", op, err)
	}
	return nil
}

func collectionPath(name string, rest string) string {
	return "/collections/" + url.PathEscape(name) + rest
}

// Health reports whether the instance answers its root endpoint with a
// success status.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/", nil, nil)
}

// CollectionExists reports whether the named collection exists.
func (c *Client) CollectionExists(ctx context.Context, name string) (bool, error) {
	err := c.do(ctx, "get collection", http.MethodGet, collectionPath(name, ""), nil, nil)
	if err == nil {
		return true, nil
	}
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// CreateCollection creates a cosine-distance collection of the given
// vector size.
func (c *Client) CreateCollection(ctx context.Context, name string, size int) error {
	body := map[string]any{
		"vectors": map[string]any{"size": size, "distance": "Cosine"},
	}
	return c.do(ctx, "create collection", http.MethodPut, collectionPath(name, ""), body, nil)
}

// EnsureCollection creates the collection if it does not exist yet.
func (c *Client) EnsureCollection(ctx context.Context, name string, size int) error {
	ok, err := c.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	c.logger.Info("creating qdrant collection", "collection", name, "size", size)
	return c.CreateCollection(ctx, name, size)
}

// Upsert writes points into a collection and waits for them to be indexed.
func (c *Client) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	body := map[string]any{"points": points}
	return c.do(ctx, "upsert", http.MethodPut, collectionPath(collection, "/points?wait=true"), body, nil)
}

// Search runs a similarity query and returns hits with their payloads,
// highest score first.
func (c *Client) Search(ctx context.Context, collection string, req SearchRequest) ([]ScoredPoint, error) {
	body := map[string]any{
		"vector":       req.Vector,
		"limit":        req.Limit,
		"with_payload": true,
	}
	if req.Filter != nil && (len(req.Filter.Must) > 0 || len(req.Filter.MustNot) > 0) {
		body["filter"] = req.Filter
	}

	var raw []struct {
		ID      json.RawMessage `json:"id"`
		Score   float64         `json:"score"`
		Payload map[string]any  `json:"payload"`
	}
	if err := c.do(ctx, "search", http.MethodPost, collectionPath(collection, "/points/search"), body, &raw); err != nil {
		return nil, err
	}

	hits := make([]ScoredPoint, len(raw))
	for i, r := range raw {
		hits[i] = ScoredPoint{ID: pointID(r.ID), Score: r.Score, Payload: r.Payload}
	}
	return hits, nil
}

// SetPayload merges payload into the given points, overwriting the keys
// it names and leaving the rest untouched.
func (c *Client) SetPayload(ctx context.Context, collection string, payload map[string]any, ids ...string) error {
	body := map[string]any{"payload": payload, "points": ids}
	return c.do(ctx, "set payload", http.MethodPost, collectionPath(collection, "/points/payload?wait=true"), body, nil)
}

// pointID renders a Qdrant point id, which is either a UUID string or an
// unsigned integer.
func pointID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
