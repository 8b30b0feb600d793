package cache

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache is the namespaced facade over a backing Store with an in-process
// fallback. Degradation semantics per namespace class:
//
//   - caching namespaces (route, response, conversation, pattern): a failed
//     backing read is a miss, a failed write goes to the fallback only, and
//     the request proceeds;
//   - ledger namespaces (budget, rate): never served from the fallback.
//     DecrBounded on an unreachable backing reports ErrBudgetUnknown.
type Cache struct {
	backing  Store
	fallback *MemoryStore

	mu     sync.Mutex
	hits   int64
	misses int64

	available  bool
	availableM sync.RWMutex

	metrics *cacheMetrics
}

type cacheMetrics struct {
	ops       *prometheus.CounterVec
	backingUp prometheus.Gauge
}

// Options configures a Cache.
type Options struct {
	// Backing is the shared store, normally Redis. Optional; without it the
	// cache runs degraded from the start.
	Backing Store

	// FallbackSize caps the in-process LRU entry count.
	FallbackSize int

	// Registerer receives cache metrics; nil skips registration.
	Registerer prometheus.Registerer
}

// New constructs a Cache.
func New(opts Options) *Cache {
	c := &Cache{
		backing:   opts.Backing,
		fallback:  NewMemoryStore(opts.FallbackSize),
		available: opts.Backing != nil,
	}
	if opts.Registerer != nil {
		factory := promauto.With(opts.Registerer)
		c.metrics = &cacheMetrics{
			ops: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "maestro",
				Subsystem: "cache",
				Name:      "ops_total",
				Help:      "Cache operations by namespace and outcome.",
			}, []string{"namespace", "outcome"}),
			backingUp: factory.NewGauge(prometheus.GaugeOpts{
				Namespace: "maestro",
				Subsystem: "cache",
				Name:      "backing_available",
				Help:      "1 when the backing store answered its last operation.",
			}),
		}
		c.metrics.backingUp.Set(boolGauge(c.available))
	}
	return c
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (c *Cache) markBacking(ok bool) {
	c.availableM.Lock()
	changed := c.available != ok
	c.available = ok
	c.availableM.Unlock()
	if changed && c.metrics != nil {
		c.metrics.backingUp.Set(boolGauge(ok))
	}
}

func (c *Cache) countOp(ns Namespace, outcome string) {
	if c.metrics != nil {
		c.metrics.ops.WithLabelValues(string(ns), outcome).Inc()
	}
}

func (c *Cache) recordHit(ns Namespace, hit bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
	if hit {
		c.countOp(ns, "hit")
	} else {
		c.countOp(ns, "miss")
	}
}

func ledgerNamespace(ns Namespace) bool {
	return ns == NSBudget || ns == NSRate
}

// Get looks a key up, falling back to the in-process store when the backing
// store misses or fails. Ledger namespaces never consult the fallback.
func (c *Cache) Get(ctx context.Context, ns Namespace, key string) ([]byte, bool) {
	full := Key(ns, key)
	if c.backing != nil {
		val, found, err := c.backing.Get(ctx, full)
		if err == nil {
			c.markBacking(true)
			if found {
				c.recordHit(ns, true)
				return val, true
			}
			if ledgerNamespace(ns) {
				c.recordHit(ns, false)
				return nil, false
			}
		} else {
			c.markBacking(false)
			if ledgerNamespace(ns) {
				c.recordHit(ns, false)
				return nil, false
			}
		}
	}
	if ledgerNamespace(ns) {
		c.recordHit(ns, false)
		return nil, false
	}
	val, found, _ := c.fallback.Get(ctx, full)
	c.recordHit(ns, found)
	if !found {
		return nil, false
	}
	return val, true
}

// Set writes with the namespace's default TTL.
func (c *Cache) Set(ctx context.Context, ns Namespace, key string, value []byte) {
	c.SetTTL(ctx, ns, key, value, DefaultTTL(ns))
}

// SetTTL writes with an explicit TTL. Backing failures degrade to a
// fallback-only write for caching namespaces and are dropped for ledgers.
func (c *Cache) SetTTL(ctx context.Context, ns Namespace, key string, value []byte, ttl time.Duration) {
	full := Key(ns, key)
	if c.backing != nil {
		if err := c.backing.Set(ctx, full, value, ttl); err == nil {
			c.markBacking(true)
			c.countOp(ns, "write")
			if !ledgerNamespace(ns) {
				_ = c.fallback.Set(ctx, full, value, ttl)
			}
			return
		}
		c.markBacking(false)
	}
	if ledgerNamespace(ns) {
		c.countOp(ns, "write_dropped")
		return
	}
	_ = c.fallback.Set(ctx, full, value, ttl)
	c.countOp(ns, "write_degraded")
}

// SetNX initializes a key only if absent, used to seed budget ledgers. On a
// degraded backing it reports ErrTransientStore for ledger namespaces.
func (c *Cache) SetNX(ctx context.Context, ns Namespace, key string, value []byte, ttl time.Duration) (bool, error) {
	full := Key(ns, key)
	if c.backing != nil {
		ok, err := c.backing.SetNX(ctx, full, value, ttl)
		if err == nil {
			c.markBacking(true)
			return ok, nil
		}
		c.markBacking(false)
	}
	if ledgerNamespace(ns) {
		return false, ErrTransientStore
	}
	return c.fallback.SetNX(ctx, full, value, ttl)
}

// Incr bumps a counter, used by rate limiting. Counters live only in the
// backing store; a degraded backing returns ErrTransientStore and the caller
// decides whether to fail open.
func (c *Cache) Incr(ctx context.Context, ns Namespace, key string, amount int64, ttlOnCreate time.Duration) (int64, error) {
	if c.backing == nil {
		return 0, ErrTransientStore
	}
	v, err := c.backing.Incr(ctx, Key(ns, key), amount, ttlOnCreate)
	c.markBacking(err == nil)
	return v, err
}

// IncrFloat adds to a float ledger value (budget refunds and settlements).
func (c *Cache) IncrFloat(ctx context.Context, ns Namespace, key string, amount float64) (float64, error) {
	if c.backing == nil {
		return 0, ErrTransientStore
	}
	v, err := c.backing.IncrFloat(ctx, Key(ns, key), amount)
	c.markBacking(err == nil)
	return v, err
}

// DecrBounded atomically spends from a ledger. This operation never degrades:
// an unreachable backing yields ErrBudgetUnknown and the caller must refuse
// the spend.
func (c *Cache) DecrBounded(ctx context.Context, ns Namespace, key string, amount, floor float64) (float64, bool, error) {
	if c.backing == nil {
		return 0, false, ErrBudgetUnknown
	}
	v, ok, err := c.backing.DecrBounded(ctx, Key(ns, key), amount, floor)
	if err != nil {
		c.markBacking(false)
		return 0, false, ErrBudgetUnknown
	}
	c.markBacking(true)
	return v, ok, nil
}

// Delete removes a key from both tiers.
func (c *Cache) Delete(ctx context.Context, ns Namespace, key string) {
	full := Key(ns, key)
	if c.backing != nil {
		if err := c.backing.Delete(ctx, full); err != nil {
			c.markBacking(false)
		} else {
			c.markBacking(true)
		}
	}
	_ = c.fallback.Delete(ctx, full)
}

// Metrics is a point-in-time view of cache effectiveness.
type MetricsView struct {
	Hits             int64
	Misses           int64
	HitRate          float64
	BackingAvailable bool
}

// Metrics returns hit/miss counts and backing availability.
func (c *Cache) Metrics() MetricsView {
	c.mu.Lock()
	hits, misses := c.hits, c.misses
	c.mu.Unlock()
	c.availableM.RLock()
	avail := c.available
	c.availableM.RUnlock()
	view := MetricsView{Hits: hits, Misses: misses, BackingAvailable: avail}
	if total := hits + misses; total > 0 {
		view.HitRate = float64(hits) / float64(total)
	}
	return view
}
