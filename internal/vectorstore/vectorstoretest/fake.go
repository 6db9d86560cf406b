// Package vectorstoretest provides an in-memory Qdrant stand-in served
// over HTTP for tests.
package vectorstoretest

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
)

// Point is a stored point.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Server is a fake Qdrant. It implements the subset of the REST API the
// vectorstore client uses: root health, collection get/create, upsert,
// filtered search and set payload.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	collections map[string]map[string]*Point
	searches    []map[string]any
	down        bool
}

// New starts a fake server. It is closed when the test ends.
func New(t interface{ Cleanup(func()) }) *Server {
	s := &Server{collections: map[string]map[string]*Point{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// SetDown makes every endpoint answer 503.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// Put stores a point directly, creating the collection if needed.
func (s *Server) Put(collection string, p Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collections[collection] == nil {
		s.collections[collection] = map[string]*Point{}
	}
	cp := p
	s.collections[collection][p.ID] = &cp
}

// Points returns a copy of the points in a collection.
func (s *Server) Points(collection string) []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Point
	for _, p := range s.collections[collection] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasCollection reports whether a collection was created.
func (s *Server) HasCollection(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.collections[name]
	return ok
}

// Searches returns the raw bodies of every search request received.
func (s *Server) Searches() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.searches...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		http.Error(w, `{"status":{"error":"unavailable"}}`, http.StatusServiceUnavailable)
		return
	}

	if r.URL.Path == "/" {
		reply(w, map[string]any{"title": "qdrant - vector search engine", "version": "fake"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "collections" {
		http.NotFound(w, r)
		return
	}
	name := parts[1]
	rest := strings.Join(parts[2:], "/")

	switch {
	case rest == "" && r.Method == http.MethodGet:
		s.mu.Lock()
		_, ok := s.collections[name]
		s.mu.Unlock()
		if !ok {
			http.Error(w, `{"status":{"error":"Not found"}}`, http.StatusNotFound)
			return
		}
		reply(w, map[string]any{"status": "green"})

	case rest == "" && r.Method == http.MethodPut:
		s.mu.Lock()
		if s.collections[name] == nil {
			s.collections[name] = map[string]*Point{}
		}
		s.mu.Unlock()
		reply(w, true)

	case rest == "points" && r.Method == http.MethodPut:
		var body struct {
			Points []struct {
				ID      any            `json:"id"`
				Vector  []float32      `json:"vector"`
				Payload map[string]any `json:"payload"`
			} `json:"points"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !s.exists(name) {
			http.Error(w, `{"status":{"error":"Not found: Collection"}}`, http.StatusNotFound)
			return
		}
		for _, p := range body.Points {
			s.Put(name, Point{ID: fmt.Sprint(p.ID), Vector: p.Vector, Payload: p.Payload})
		}
		reply(w, map[string]any{"status": "completed"})

	case rest == "points/search" && r.Method == http.MethodPost:
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.searches = append(s.searches, raw)
		s.mu.Unlock()
		if !s.exists(name) {
			http.Error(w, `{"status":{"error":"Not found: Collection"}}`, http.StatusNotFound)
			return
		}
		reply(w, s.search(name, raw))

	case rest == "points/payload" && r.Method == http.MethodPost:
		var body struct {
			Payload map[string]any `json:"payload"`
			Points  []any          `json:"points"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		for _, id := range body.Points {
			if p, ok := s.collections[name][fmt.Sprint(id)]; ok {
				if p.Payload == nil {
					p.Payload = map[string]any{}
				}
				for k, v := range body.Payload {
					p.Payload[k] = v
				}
			}
		}
		s.mu.Unlock()
		reply(w, map[string]any{"status": "completed"})

	default:
		http.NotFound(w, r)
	}
}

func (s *Server) exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.collections[name]
	return ok
}

type condition struct {
	Key   string `json:"key"`
	Match struct {
		Value any `json:"value"`
	} `json:"match"`
}

func (s *Server) search(name string, raw map[string]any) []map[string]any {
	data, _ := json.Marshal(raw)
	var req struct {
		Vector []float32 `json:"vector"`
		Limit  int       `json:"limit"`
		Filter struct {
			Must    []condition `json:"must"`
			MustNot []condition `json:"must_not"`
		} `json:"filter"`
	}
	_ = json.Unmarshal(data, &req)

	s.mu.Lock()
	defer s.mu.Unlock()

	var hits []map[string]any
	for _, p := range s.collections[name] {
		if !matches(p.Payload, req.Filter.Must, true) || !matches(p.Payload, req.Filter.MustNot, false) {
			continue
		}
		hits = append(hits, map[string]any{
			"id":      p.ID,
			"version": 0,
			"score":   cosine(req.Vector, p.Vector),
			"payload": p.Payload,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i]["score"].(float64) > hits[j]["score"].(float64)
	})
	if req.Limit > 0 && len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}
	if hits == nil {
		hits = []map[string]any{}
	}
	return hits
}

// matches with want=true requires every condition to hold; with
// want=false it requires none to hold.
func matches(payload map[string]any, conds []condition, want bool) bool {
	for _, c := range conds {
		v, ok := payload[c.Key]
		eq := ok && fmt.Sprint(v) == fmt.Sprint(c.Match.Value)
		if eq != want {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func reply(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"result": result, "status": "ok", "time": 0.001})
}
