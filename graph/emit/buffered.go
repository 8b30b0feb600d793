package emit

import (
	"context"
	"sync"
	"sync/atomic"
)

// BufferedEmitter decouples the engine from a slow backend: events go into a
// bounded channel drained by a single goroutine that forwards to the wrapped
// emitter. When the buffer is full the event is dropped and counted rather
// than blocking execution.
//
// It also retains events in memory per run for inspection, which makes it the
// emitter of choice in tests.
type BufferedEmitter struct {
	inner   Emitter
	ch      chan Event
	dropped atomic.Int64

	mu      sync.RWMutex
	history map[string][]Event

	closeOnce sync.Once
	done      chan struct{}
}

// NewBufferedEmitter creates a buffered emitter with the given capacity,
// forwarding to inner (nil means retain-only). Call Close on shutdown.
func NewBufferedEmitter(inner Emitter, capacity int) *BufferedEmitter {
	if capacity <= 0 {
		capacity = 1024
	}
	b := &BufferedEmitter{
		inner:   inner,
		ch:      make(chan Event, capacity),
		history: make(map[string][]Event),
		done:    make(chan struct{}),
	}
	go b.drain()
	return b
}

func (b *BufferedEmitter) drain() {
	defer close(b.done)
	for event := range b.ch {
		b.mu.Lock()
		b.history[event.RunID] = append(b.history[event.RunID], event)
		b.mu.Unlock()
		if b.inner != nil {
			b.inner.Emit(context.Background(), event)
		}
	}
}

// Emit enqueues the event, dropping it if the buffer is full.
func (b *BufferedEmitter) Emit(_ context.Context, event Event) {
	select {
	case b.ch <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded due to a full buffer.
func (b *BufferedEmitter) Dropped() int64 {
	return b.dropped.Load()
}

// History returns a copy of all retained events for a run, in emit order.
func (b *BufferedEmitter) History(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.history[runID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// Clear drops retained events for a run, or everything when runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if runID == "" {
		b.history = make(map[string][]Event)
		return
	}
	delete(b.history, runID)
}

// Close stops accepting events and waits for the drain goroutine to finish
// forwarding what was already enqueued.
func (b *BufferedEmitter) Close() {
	b.closeOnce.Do(func() {
		close(b.ch)
		<-b.done
	})
}
