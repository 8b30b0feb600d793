// Package cache provides the namespaced key-value layer backing response
// caching, routing patterns, conversation logs, and the budget and rate
// ledgers. A Redis backing store carries shared state; an in-process LRU
// serves as a degraded fallback for pure caching namespaces.
package cache

import (
	"context"
	"errors"
	"time"
)

// Namespace partitions keys by purpose. Each namespace has its own default
// TTL and its own degradation rules.
type Namespace string

const (
	// NSRoute caches routing decisions per query fingerprint.
	NSRoute Namespace = "route"

	// NSResponse caches final responses by content-addressed key.
	NSResponse Namespace = "response"

	// NSConversation holds per-session conversation logs.
	NSConversation Namespace = "conversation"

	// NSBudget holds the per-principal monetary ledgers. Never served from
	// the in-process fallback.
	NSBudget Namespace = "budget"

	// NSRate holds per-principal rate-limit counters.
	NSRate Namespace = "rate"

	// NSPattern holds slow-moving learned state: selection fingerprints and
	// bandit checkpoints.
	NSPattern Namespace = "pattern"
)

// DefaultTTL returns the namespace's default entry lifetime. Ledger
// namespaces expire with their window and take explicit TTLs at write time.
func DefaultTTL(ns Namespace) time.Duration {
	switch ns {
	case NSRoute:
		return 5 * time.Minute
	case NSResponse:
		return 30 * time.Minute
	case NSConversation:
		return 24 * time.Hour
	case NSPattern:
		return time.Hour
	default:
		return 0
	}
}

var (
	// ErrTransientStore indicates the backing store could not be reached.
	// Cache reads degrade to a miss on it; ledger operations surface it.
	ErrTransientStore = errors.New("cache: transient store error")

	// ErrBudgetUnknown indicates a bounded decrement could not be performed
	// atomically. Callers must refuse the spend rather than guess.
	ErrBudgetUnknown = errors.New("cache: budget state unknown")
)

// Store is the low-level key-value contract implemented by the Redis backing
// store and the in-process fallback. Keys arriving here are already
// namespaced.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes a value with a TTL. Zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes only if the key does not exist; reports whether it wrote.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Incr atomically adds to an integer counter, applying ttlOnCreate when
	// the counter is created by this call. Returns the new value.
	Incr(ctx context.Context, key string, amount int64, ttlOnCreate time.Duration) (int64, error)

	// IncrFloat atomically adds to a float value, creating it at zero.
	IncrFloat(ctx context.Context, key string, amount float64) (float64, error)

	// DecrBounded atomically subtracts amount if and only if the result
	// would stay at or above floor. Returns the post-operation value and
	// whether the decrement was applied. The existing TTL is preserved.
	DecrBounded(ctx context.Context, key string, amount, floor float64) (float64, bool, error)

	// Delete removes a key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping reports backend liveness.
	Ping(ctx context.Context) error
}
