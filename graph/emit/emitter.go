// Package emit provides pluggable observability for graph execution. The
// engine emits an Event per node step and workflow transition; emitters fan
// them out to logs, traces, or buffers.
//
// Implementations must be safe for concurrent use and must never block the
// engine or panic. A slow or failing backend drops events, it does not stall
// execution.
package emit

import "context"

// Emitter receives observability events from workflow execution.
type Emitter interface {
	// Emit processes one event. The context carries the active trace, if
	// any; implementations must not retain it past the call.
	Emit(ctx context.Context, event Event)
}

// NullEmitter discards all events. Zero overhead, safe for concurrent use.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops everything.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit discards the event.
func (n *NullEmitter) Emit(context.Context, Event) {}

// MultiEmitter fans each event out to all wrapped emitters in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines several emitters into one.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit forwards the event to every wrapped emitter.
func (m *MultiEmitter) Emit(ctx context.Context, event Event) {
	for _, e := range m.emitters {
		e.Emit(ctx, event)
	}
}
