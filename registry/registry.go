// Package registry tracks the workers available to the orchestrator: their
// capabilities, resource footprint, warmth, health, and rolling performance
// statistics.
package registry

import (
	"sort"
	"sync"
	"time"
)

// Kind classifies a worker by how it is invoked.
type Kind string

const (
	KindLocalInference  Kind = "local-inference"
	KindRemoteInference Kind = "remote-inference"
	KindWebSearch       Kind = "web-search"
	KindScraper         Kind = "scraper"
)

// Warmth describes a local worker's residency tier.
type Warmth string

const (
	// WarmthPinned (T0) workers are always resident and never evicted.
	WarmthPinned Warmth = "T0"

	// WarmthWarm (T1) workers stay resident while used, evicted under
	// pressure after an idle threshold.
	WarmthWarm Warmth = "T1"

	// WarmthOnDemand (T2) workers load per request and unload shortly after.
	WarmthOnDemand Warmth = "T2"

	// WarmthCold (T3) workers load only on explicit demand.
	WarmthCold Warmth = "T3"
)

// warmthRank orders warmth tiers hottest first for selection.
func warmthRank(w Warmth) int {
	switch w {
	case WarmthPinned:
		return 0
	case WarmthWarm:
		return 1
	case WarmthOnDemand:
		return 2
	case WarmthCold:
		return 3
	default:
		return 4
	}
}

// Health is the prober's verdict on a worker.
type Health string

const (
	HealthReady       Health = "ready"
	HealthLoading     Health = "loading"
	HealthDegraded    Health = "degraded"
	HealthUnavailable Health = "unavailable"
	HealthUnknown     Health = "unknown"
)

// Stats carries a worker's rolling performance profile. Latency and success
// use an exponential moving average; the success window backs the prober's
// degraded transition.
type Stats struct {
	EMALatency time.Duration
	EMASuccess float64
	TotalCalls int64
}

// Descriptor describes one worker.
type Descriptor struct {
	ID             string
	Kind           Kind
	Capabilities   []string
	FootprintBytes int64
	CostPerUnit    float64
	Warmth         Warmth
	Health         Health
	Fallback       string
	Stats          Stats
	LastUsed       time.Time
}

// HasCapability reports whether the descriptor lists the capability.
func (d *Descriptor) HasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// statsAlpha is the EMA smoothing factor.
const statsAlpha = 0.2

// windowSize is the number of recent outcomes retained per worker for the
// prober's degraded check.
const windowSize = 20

type entry struct {
	desc   Descriptor
	recent []bool // ring of last windowSize call outcomes
	next   int
	filled bool
}

// Registry is the authoritative worker table. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*entry
	order   []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{workers: make(map[string]*entry)}
}

// Register adds or replaces a worker. Unset health defaults to unknown.
func (r *Registry) Register(d Descriptor) {
	if d.Health == "" {
		d.Health = HealthUnknown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[d.ID]; !exists {
		r.order = append(r.order, d.ID)
	}
	r.workers[d.ID] = &entry{desc: d, recent: make([]bool, windowSize)}
}

// Get returns a copy of the descriptor.
func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[id]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

// List returns workers of a kind holding a capability, in registration
// order. Empty capability matches all.
func (r *Registry) List(kind Kind, capability string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Descriptor
	for _, id := range r.order {
		e := r.workers[id]
		if e.desc.Kind != kind {
			continue
		}
		if capability != "" && !e.desc.HasCapability(capability) {
			continue
		}
		out = append(out, e.desc)
	}
	return out
}

// All returns every descriptor in registration order.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.workers[id].desc)
	}
	return out
}

// MarkHealth sets a worker's health state.
func (r *Registry) MarkHealth(id string, h Health) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.workers[id]; ok {
		e.desc.Health = h
	}
}

// MarkWarmth sets a worker's warmth tier.
func (r *Registry) MarkWarmth(id string, w Warmth) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.workers[id]; ok {
		e.desc.Warmth = w
	}
}

// Touch records a use for idle-based eviction decisions.
func (r *Registry) Touch(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.workers[id]; ok {
		e.desc.LastUsed = at
	}
}

// RecordCall folds one call outcome into the worker's EMA stats and the
// recent-outcome window.
func (r *Registry) RecordCall(id string, latency time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[id]
	if !ok {
		return
	}
	s := &e.desc.Stats
	succ := 0.0
	if success {
		succ = 1.0
	}
	if s.TotalCalls == 0 {
		s.EMALatency = latency
		s.EMASuccess = succ
	} else {
		s.EMALatency = time.Duration(statsAlpha*float64(latency) + (1-statsAlpha)*float64(s.EMALatency))
		s.EMASuccess = statsAlpha*succ + (1-statsAlpha)*s.EMASuccess
	}
	s.TotalCalls++

	e.recent[e.next] = success
	e.next = (e.next + 1) % windowSize
	if e.next == 0 {
		e.filled = true
	}
}

// windowSuccessRate returns the success rate over the recent window and
// whether the window holds enough samples to be meaningful.
func (r *Registry) windowSuccessRate(id string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[id]
	if !ok {
		return 0, false
	}
	n := windowSize
	if !e.filled {
		n = e.next
	}
	if n == 0 {
		return 0, false
	}
	var succ int
	for i := 0; i < n; i++ {
		if e.recent[i] {
			succ++
		}
	}
	return float64(succ) / float64(n), e.filled
}

// SortForSelection orders candidate descriptors by warmth (hottest first),
// then EMA success descending, then EMA latency ascending, with ID as the
// deterministic tiebreak.
func SortForSelection(candidates []Descriptor) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if wa, wb := warmthRank(a.Warmth), warmthRank(b.Warmth); wa != wb {
			return wa < wb
		}
		if a.Stats.EMASuccess != b.Stats.EMASuccess {
			return a.Stats.EMASuccess > b.Stats.EMASuccess
		}
		if a.Stats.EMALatency != b.Stats.EMALatency {
			return a.Stats.EMALatency < b.Stats.EMALatency
		}
		return a.ID < b.ID
	})
}
