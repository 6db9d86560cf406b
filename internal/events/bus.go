// Package events carries the notifications a turn emits while it runs:
// streamed tokens, tool output and the terminal end-of-turn signal. They
// are fire-and-forget. Publishing never blocks, a subscriber that falls
// behind misses events, and publishing to a nil *Bus does nothing.
package events

import (
	"sync"
	"time"
)

// Event kinds. Data keys are listed per kind.
const (
	// KindToken is an incremental content fragment. Data: text.
	KindToken = "chat-token"
	// KindToolMessage is a finished tool result. Data: name, content, ok.
	KindToolMessage = "tool-message"
	// KindToolStream is live tool output. Data: tool, chunk.
	KindToolStream = "tool-stream"
	// KindEnd marks a completed turn. Data: rounds.
	KindEnd = "chat-end"
	// KindError marks a failed turn. Data: error.
	KindError = "chat-error"
)

// Event is a single notification for one conversation thread.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	ThreadID  string         `json:"thread_id"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sink receives events. *Bus implements it.
type Sink interface {
	Publish(e Event)
}

// Emit publishes an event of the given kind to sink, stamping the time.
// A nil sink is ignored.
func Emit(sink Sink, threadID, kind string, data map[string]any) {
	if sink == nil {
		return
	}
	sink.Publish(Event{Timestamp: time.Now(), ThreadID: threadID, Kind: kind, Data: data})
}

// Bus is a non-blocking broadcast bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving published events. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
