package emit

import "time"

// Event is one observability record from a graph execution: node start and
// completion, retries, routing decisions, and workflow-level transitions.
type Event struct {
	// RunID identifies the execution (the request's query id).
	RunID string

	// Step is the 1-indexed position in the execution path. Zero for
	// workflow-level events.
	Step int

	// NodeID names the node that produced the event; empty for
	// workflow-level events.
	NodeID string

	// Msg is a short human-readable description.
	Msg string

	// Time is when the event was produced.
	Time time.Time

	// Meta carries structured detail. Common keys: "duration_ms", "worker",
	// "error_kind", "attempt", "cost_usd".
	Meta map[string]any
}
