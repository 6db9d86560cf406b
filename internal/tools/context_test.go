package tools

import (
	"context"
	"testing"
)

func TestThreadIDFromContext(t *testing.T) {
	if got := ThreadIDFromContext(context.Background()); got != "default" {
		t.Errorf("empty context = %q, want default", got)
	}
	ctx := WithThreadID(context.Background(), "t-1")
	if got := ThreadIDFromContext(ctx); got != "t-1" {
		t.Errorf("got %q, want t-1", got)
	}
}

func TestOutputStreamFromContext(t *testing.T) {
	// The no-op stream must be callable.
	OutputStreamFromContext(context.Background())("ignored")

	if ctx := WithOutputStream(context.Background(), nil); ctx != context.Background() {
		t.Error("nil stream should leave the context unchanged")
	}

	var got []string
	ctx := WithOutputStream(context.Background(), func(chunk string) { got = append(got, chunk) })
	OutputStreamFromContext(ctx)("a")
	OutputStreamFromContext(ctx)("b")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("chunks = %v", got)
	}
}
