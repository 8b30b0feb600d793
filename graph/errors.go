// Package graph provides the workflow execution engine for Maestro.
package graph

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures across the orchestrator. Kinds are values
// carried on NodeResult.Err; the engine never treats a node failure as
// control flow out of the node.
type ErrorKind string

const (
	// KindBudgetExceeded indicates a monetary or token budget would underflow.
	KindBudgetExceeded ErrorKind = "budget_exceeded"

	// KindBudgetUnknown indicates the budget ledger could not be consulted
	// atomically. The request is refused rather than risking overspend.
	KindBudgetUnknown ErrorKind = "budget_unknown"

	// KindRateLimited indicates the per-principal rate cap was reached.
	KindRateLimited ErrorKind = "rate_limited"

	// KindDeadlineExceeded indicates the request's wall-clock deadline passed
	// mid-execution.
	KindDeadlineExceeded ErrorKind = "deadline_exceeded"

	// KindWorkerTimeout indicates a per-call timeout against a worker.
	KindWorkerTimeout ErrorKind = "worker_timeout"

	// KindNoEligibleWorker indicates selection could not find a worker
	// satisfying the given constraints.
	KindNoEligibleWorker ErrorKind = "no_eligible_worker"

	// KindNoCapacity indicates the selected worker refused the call due to
	// concurrency limits; the caller should re-select with it excluded.
	KindNoCapacity ErrorKind = "no_capacity"

	// KindResidentSetBusy indicates the admission controller queue was full.
	KindResidentSetBusy ErrorKind = "resident_set_busy"

	// KindLoadFailed indicates a worker could not be made resident.
	KindLoadFailed ErrorKind = "load_failed"

	// KindGraphRouting indicates a predicate returned an unmapped label or the
	// graph configuration is inconsistent. Counts as an internal bug signal.
	KindGraphRouting ErrorKind = "graph_routing_error"

	// KindContentPolicy indicates generation output violated content policy.
	KindContentPolicy ErrorKind = "content_policy_rejected"

	// KindTransientStore indicates the cache backend was unreachable.
	KindTransientStore ErrorKind = "transient_store_error"

	// KindProviderFailed indicates an external provider (search, scrape)
	// failed after its internal fallbacks were exhausted.
	KindProviderFailed ErrorKind = "provider_failed"

	// KindUnknown is the catch-all. Always logged with a state snapshot.
	KindUnknown ErrorKind = "unknown"
)

// Error is the structured error value used throughout the engine and
// workflows. It identifies a kind, the node it surfaced from, and an optional
// underlying cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Node    string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s: node %s: %s", e.Kind, e.Node, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Cause }

// Errf constructs an Error of the given kind with a formatted message.
func Errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind around a cause.
func Wrap(kind ErrorKind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the ErrorKind from an arbitrary error. Non-Error values
// map to KindUnknown; nil maps to the empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// Transient reports whether an error kind is worth retrying against the same
// worker: connection-level trouble, timeouts, and 5xx-equivalents. Budget,
// policy, and routing failures are permanent for the current call.
func Transient(kind ErrorKind) bool {
	switch kind {
	case KindWorkerTimeout, KindTransientStore, KindProviderFailed:
		return true
	default:
		return false
	}
}
