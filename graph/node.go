package graph

import (
	"context"
	"time"
)

// Node is a unit of work in a workflow graph. Run reads the shared state and
// returns a result; it must never mutate the state it is given. Failures are
// reported on NodeResult.Err, not as panics.
type Node interface {
	Run(ctx context.Context, state *ExecutionState) NodeResult
}

// NodeFunc adapts a plain function to the Node interface.
type NodeFunc func(ctx context.Context, state *ExecutionState) NodeResult

// Run implements Node.
func (f NodeFunc) Run(ctx context.Context, state *ExecutionState) NodeResult {
	return f(ctx, state)
}

// NodeResult is the outcome of one node execution. The engine merges it into
// the shared state: Data lands in Intermediate keyed by node name, Cost and
// Confidence are recorded, Err is appended to the state's error list.
type NodeResult struct {
	Success    bool
	Confidence float64
	Data       map[string]any
	Cost       float64
	Duration   time.Duration
	WorkerUsed string
	Err        *Error
	Warnings   []string
	Metadata   map[string]any
}

// Ok returns a successful result carrying data.
func Ok(data map[string]any) NodeResult {
	return NodeResult{Success: true, Data: data}
}

// Fail returns a failed result carrying a structured error.
func Fail(err *Error) NodeResult {
	return NodeResult{Success: false, Err: err}
}
