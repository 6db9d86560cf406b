package threads

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "threads.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGet_Defaults(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get(context.Background(), "unknown")
	if err != nil {
		t.Fatal(err)
	}
	if got != (Settings{TopK: 4, CtxTokens: 1024}) {
		t.Errorf("Get = %+v, want defaults", got)
	}
}

func TestSet_Upserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, want := range []Settings{{TopK: 8, CtxTokens: 2048}, {TopK: 1, CtxTokens: 0}} {
		if err := s.Set(ctx, "t1", want); err != nil {
			t.Fatalf("Set(%+v): %v", want, err)
		}
		got, err := s.Get(ctx, "t1")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("Get = %+v, want %+v", got, want)
		}
	}

	if got, _ := s.Get(ctx, "t2"); got != DefaultSettings() {
		t.Errorf("other thread = %+v, want defaults", got)
	}
}

func TestSet_Validates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []Settings{
		{TopK: 0, CtxTokens: 100},
		{TopK: -1, CtxTokens: 100},
		{TopK: 4, CtxTokens: -1},
	}
	for _, st := range tests {
		if err := s.Set(ctx, "t1", st); !errors.Is(err, ErrInvalidSettings) {
			t.Errorf("Set(%+v) = %v, want ErrInvalidSettings", st, err)
		}
	}
	if got, _ := s.Get(ctx, "t1"); got != DefaultSettings() {
		t.Errorf("invalid settings were stored: %+v", got)
	}
}

func TestVectors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := s.RecordVector(ctx, id, "t1"); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RecordVector(ctx, "c", "t2"); err != nil {
		t.Fatal(err)
	}

	if err := s.SetVectorWeight(ctx, "b", 2.5); err != nil {
		t.Fatal(err)
	}
	// Re-recording keeps the curated weight.
	if err := s.RecordVector(ctx, "b", "t1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetVectorWeight(ctx, "missing", 3); err != nil {
		t.Errorf("unknown id: %v", err)
	}

	got, err := s.Vectors(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("vectors = %+v", got)
	}
	weights := map[string]float64{}
	for _, v := range got {
		weights[v.ID] = v.Weight
		if v.CreatedAt.IsZero() {
			t.Errorf("vector %s has no timestamp", v.ID)
		}
	}
	if weights["a"] != 1.0 || weights["b"] != 2.5 {
		t.Errorf("weights = %v", weights)
	}
}
