package graph

import (
	"math/rand"
	"time"
)

// RetryPolicy controls automatic retries for a node. Retries apply only to
// error kinds listed in RetryOn; everything else surfaces immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	RetryOn     map[ErrorKind]bool
}

// DefaultRetryPolicy retries transient failures up to three attempts with
// exponential backoff from 500ms.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		RetryOn: map[ErrorKind]bool{
			KindWorkerTimeout:  true,
			KindTransientStore: true,
			KindProviderFailed: true,
			KindNoCapacity:     true,
		},
	}
}

// shouldRetry reports whether the given error kind is retryable under this
// policy.
func (p *RetryPolicy) shouldRetry(kind ErrorKind) bool {
	if p == nil || len(p.RetryOn) == 0 {
		return false
	}
	return p.RetryOn[kind]
}

// computeBackoff returns the delay before the given retry attempt (0-based):
// exponential growth capped at MaxDelay, plus jitter in [0, BaseDelay).
func computeBackoff(policy *RetryPolicy, attempt int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}

	jitter := time.Duration(rand.Int63n(int64(base)))
	return delay + jitter
}

// NodePolicy carries per-node execution settings attached at registration.
type NodePolicy struct {
	// Timeout bounds one attempt of the node. Zero means the engine default.
	Timeout time.Duration

	// Retry, when non-nil, retries the node on matching error kinds.
	Retry *RetryPolicy

	// ErrorsHandled marks a node that consumes upstream errors (an error
	// handler target); a failed result from it still terminates the run but
	// its own execution is not re-routed to the handler.
	ErrorsHandled bool
}
