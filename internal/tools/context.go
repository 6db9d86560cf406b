package tools

import "context"

type contextKey string

const threadIDKey contextKey = "thread_id"
const outputStreamKey contextKey = "output_stream"

// WithThreadID adds the conversation thread ID to the context.
func WithThreadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, threadIDKey, id)
}

// ThreadIDFromContext extracts the thread ID from the context.
// Returns "default" if not set.
func ThreadIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(threadIDKey).(string); ok && id != "" {
		return id
	}
	return "default"
}

// OutputStream receives incremental tool output as it is produced.
type OutputStream func(chunk string)

// WithOutputStream attaches fn to the context. Nil is ignored.
func WithOutputStream(ctx context.Context, fn OutputStream) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, outputStreamKey, fn)
}

// OutputStreamFromContext returns the attached stream, or a no-op.
func OutputStreamFromContext(ctx context.Context) OutputStream {
	if fn, ok := ctx.Value(outputStreamKey).(OutputStream); ok {
		return fn
	}
	return func(string) {}
}
