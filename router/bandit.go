// Package router implements adaptive strategy selection: a Thompson-sampling
// bandit over routing arms, reward computation, quarantine rails for
// collapsing arms, and checkpointing of learned state through the cache.
package router

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// outcomeWindow is how many recent production outcomes feed the quarantine
// decision.
const outcomeWindow = 100

// quarantineBelow is the windowed success rate that quarantines an arm.
const quarantineBelow = 0.3

// recoverAbove is the shadow success rate over a full window that releases a
// quarantined arm.
const recoverAbove = 0.5

// Arm is one routing strategy under the bandit. Posterior state follows
// Beta(Alpha, Beta) with a uniform prior; Alpha+Beta-2 always equals N.
type Arm struct {
	ID       string
	Strategy string

	mu          sync.Mutex
	alpha       float64
	beta        float64
	totalReward float64
	n           int64
	lastUpdated time.Time
	quarantined bool

	production *window
	shadow     *window
}

// window is a fixed-size ring of call outcomes.
type window struct {
	outcomes []bool
	next     int
	filled   bool
}

func newWindow(size int) *window {
	return &window{outcomes: make([]bool, size)}
}

func (w *window) add(success bool) {
	w.outcomes[w.next] = success
	w.next = (w.next + 1) % len(w.outcomes)
	if w.next == 0 {
		w.filled = true
	}
}

func (w *window) size() int {
	if w.filled {
		return len(w.outcomes)
	}
	return w.next
}

func (w *window) successRate() float64 {
	n := w.size()
	if n == 0 {
		return 0
	}
	var succ int
	for i := 0; i < n; i++ {
		if w.outcomes[i] {
			succ++
		}
	}
	return float64(succ) / float64(n)
}

func (w *window) reset() {
	w.next = 0
	w.filled = false
}

// ArmSnapshot is a read-only view of an arm's state.
type ArmSnapshot struct {
	ID          string
	Strategy    string
	Alpha       float64
	Beta        float64
	TotalReward float64
	N           int64
	LastUpdated time.Time
	Quarantined bool
	MeanReward  float64
}

// Bandit selects among arms by Thompson sampling and folds observed rewards
// into their posteriors.
type Bandit struct {
	mu   sync.RWMutex
	arms map[string]*Arm
	ids  []string

	quarantineBelow float64
	windowSize      int

	rngMu sync.Mutex
	rng   *rand.Rand

	metrics *banditMetrics
}

type banditMetrics struct {
	selections  *prometheus.CounterVec
	rewards     *prometheus.HistogramVec
	quarantines prometheus.Counter
}

// BanditOption configures a Bandit.
type BanditOption func(*Bandit)

// WithRandSource fixes the sampler's randomness, for deterministic tests.
func WithRandSource(src rand.Source) BanditOption {
	return func(b *Bandit) { b.rng = rand.New(src) }
}

// WithQuarantineRails overrides the windowed success rate below which an arm
// is quarantined and the number of outcomes that window holds.
func WithQuarantineRails(minSuccess float64, window int) BanditOption {
	return func(b *Bandit) {
		if minSuccess > 0 {
			b.quarantineBelow = minSuccess
		}
		if window > 0 {
			b.windowSize = window
		}
	}
}

// WithBanditMetrics registers selection and reward metrics.
func WithBanditMetrics(reg prometheus.Registerer) BanditOption {
	return func(b *Bandit) {
		factory := promauto.With(reg)
		b.metrics = &banditMetrics{
			selections: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "maestro",
				Subsystem: "bandit",
				Name:      "selections_total",
				Help:      "Arm selections by arm and traffic class.",
			}, []string{"arm", "class"}),
			rewards: factory.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "maestro",
				Subsystem: "bandit",
				Name:      "reward",
				Help:      "Observed rewards by arm.",
				Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
			}, []string{"arm"}),
			quarantines: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "maestro",
				Subsystem: "bandit",
				Name:      "quarantines_total",
				Help:      "Arms moved into quarantine.",
			}),
		}
	}
}

// NewBandit creates a bandit over the named arms (id -> strategy label).
func NewBandit(arms map[string]string, opts ...BanditOption) *Bandit {
	b := &Bandit{
		arms:            make(map[string]*Arm, len(arms)),
		quarantineBelow: quarantineBelow,
		windowSize:      outcomeWindow,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(b)
	}
	for id, strategy := range arms {
		b.arms[id] = &Arm{
			ID:         id,
			Strategy:   strategy,
			alpha:      1,
			beta:       1,
			production: newWindow(b.windowSize),
			shadow:     newWindow(b.windowSize),
		}
		b.ids = append(b.ids, id)
	}
	sort.Strings(b.ids)
	return b
}

// Select draws one Thompson sample per non-quarantined arm and returns the
// argmax. Ties break toward the arm with fewer observations, then by ID.
// When every arm is quarantined the bandit fails open and samples over all
// of them.
func (b *Bandit) Select() string {
	id := b.pick(false)
	if b.metrics != nil {
		b.metrics.selections.WithLabelValues(id, "production").Inc()
	}
	return id
}

// SelectShadow picks an arm for a shadow execution. Quarantined arms take
// priority so they can earn their way back; otherwise sampling is uniform
// Thompson over all arms.
func (b *Bandit) SelectShadow() string {
	id := b.pick(true)
	if b.metrics != nil {
		b.metrics.selections.WithLabelValues(id, "shadow").Inc()
	}
	return id
}

func (b *Bandit) pick(shadow bool) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pool := make([]*Arm, 0, len(b.ids))
	if shadow {
		for _, id := range b.ids {
			if a := b.arms[id]; a.isQuarantined() {
				pool = append(pool, a)
			}
		}
	}
	if len(pool) == 0 {
		for _, id := range b.ids {
			a := b.arms[id]
			if !shadow && a.isQuarantined() {
				continue
			}
			pool = append(pool, a)
		}
	}
	if len(pool) == 0 {
		// Everything quarantined: fail open.
		for _, id := range b.ids {
			pool = append(pool, b.arms[id])
		}
	}
	if len(pool) == 0 {
		return ""
	}

	b.rngMu.Lock()
	defer b.rngMu.Unlock()

	var best *Arm
	var bestSample float64
	for _, a := range pool {
		alpha, beta, n := a.posterior()
		sample := sampleBeta(b.rng, alpha, beta)
		if best == nil || sample > bestSample {
			best, bestSample = a, sample
			continue
		}
		if sample == bestSample {
			_, _, bestN := best.posterior()
			if n < bestN || (n == bestN && a.ID < best.ID) {
				best = a
			}
		}
	}
	return best.ID
}

func (a *Arm) posterior() (alpha, beta float64, n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alpha, a.beta, a.n
}

func (a *Arm) isQuarantined() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.quarantined
}

// Observe folds one outcome into an arm. Production and shadow observations
// both update the posterior; production outcomes feed the quarantine window
// while shadow outcomes feed the recovery window.
func (b *Bandit) Observe(armID string, reward float64, success, shadow bool) {
	b.mu.RLock()
	a, ok := b.arms[armID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	if reward < 0 {
		reward = 0
	} else if reward > 1 {
		reward = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastUpdated = time.Now()

	a.alpha += reward
	a.beta += 1 - reward
	a.totalReward += reward
	a.n++

	if shadow {
		a.shadow.add(success)
		if a.quarantined && a.shadow.filled &&
			a.shadow.successRate() >= recoverAbove {
			a.quarantined = false
			a.production.reset()
			a.shadow.reset()
		}
	} else {
		a.production.add(success)
		if !a.quarantined && a.production.filled &&
			a.production.successRate() < b.quarantineBelow {
			a.quarantined = true
			a.shadow.reset()
			if b.metrics != nil {
				b.metrics.quarantines.Inc()
			}
		}
	}
	if b.metrics != nil {
		b.metrics.rewards.WithLabelValues(armID).Observe(reward)
	}
}

// Snapshot returns the state of every arm, sorted by ID.
func (b *Bandit) Snapshot() []ArmSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ArmSnapshot, 0, len(b.ids))
	for _, id := range b.ids {
		a := b.arms[id]
		a.mu.Lock()
		snap := ArmSnapshot{
			ID:          a.ID,
			Strategy:    a.Strategy,
			Alpha:       a.alpha,
			Beta:        a.beta,
			TotalReward: a.totalReward,
			N:           a.n,
			LastUpdated: a.lastUpdated,
			Quarantined: a.quarantined,
		}
		if a.n > 0 {
			snap.MeanReward = a.totalReward / float64(a.n)
		}
		a.mu.Unlock()
		out = append(out, snap)
	}
	return out
}
