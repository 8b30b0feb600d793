package manager

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kettleworks/maestro/graph"
	"github.com/kettleworks/maestro/registry"
)

// loader makes a worker's model resident or releases it.
type loader interface {
	load(ctx context.Context, workerID string) error
	unload(ctx context.Context, workerID string) error
}

type admitRequest struct {
	workerID string
	// explicit marks a deliberate EnsureResident call, which may load cold
	// (T3) workers. Loads on the generation path are implicit and may not.
	explicit bool
	reply    chan error
}

type residentEntry struct {
	workerID string
	bytes    int64
	warmth   registry.Warmth
	lastUsed time.Time
}

// admissionController serializes all residency decisions for local workers
// through a single goroutine, so concurrent loads can never overshoot the
// memory budget. Requests queue on a bounded channel; a full queue is
// reported as resident_set_busy.
type admissionController struct {
	budget  int64
	loader  loader
	reg     *registry.Registry
	log     zerolog.Logger
	timeout time.Duration

	// idle eviction thresholds by warmth tier.
	warmIdle     time.Duration
	onDemandIdle time.Duration

	requests chan admitRequest
	touches  chan string
	stop     chan struct{}
	done     chan struct{}

	// resident is owned by the run goroutine; no lock.
	resident map[string]*residentEntry
	used     int64
}

type admissionOptions struct {
	budgetBytes  int64
	queueLen     int
	loadTimeout  time.Duration
	warmIdle     time.Duration
	onDemandIdle time.Duration
	janitorTick  time.Duration
}

func newAdmissionController(opts admissionOptions, l loader, reg *registry.Registry, log zerolog.Logger) *admissionController {
	if opts.queueLen <= 0 {
		opts.queueLen = 32
	}
	if opts.loadTimeout <= 0 {
		opts.loadTimeout = 2 * time.Minute
	}
	if opts.warmIdle <= 0 {
		opts.warmIdle = 10 * time.Minute
	}
	if opts.onDemandIdle <= 0 {
		opts.onDemandIdle = time.Minute
	}
	if opts.janitorTick <= 0 {
		opts.janitorTick = 30 * time.Second
	}
	a := &admissionController{
		budget:       opts.budgetBytes,
		loader:       l,
		reg:          reg,
		log:          log,
		timeout:      opts.loadTimeout,
		warmIdle:     opts.warmIdle,
		onDemandIdle: opts.onDemandIdle,
		requests:     make(chan admitRequest, opts.queueLen),
		touches:      make(chan string, 256),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		resident:     make(map[string]*residentEntry),
	}
	go a.run(opts.janitorTick)
	return a
}

// EnsureResident queues a residency request for the worker and waits for the
// controller's verdict.
func (a *admissionController) EnsureResident(ctx context.Context, workerID string) error {
	return a.ensure(ctx, workerID, true)
}

// ensureForCall is the generation-path variant: it admits anything already
// resident but refuses to load cold workers.
func (a *admissionController) ensureForCall(ctx context.Context, workerID string) error {
	return a.ensure(ctx, workerID, false)
}

func (a *admissionController) ensure(ctx context.Context, workerID string, explicit bool) error {
	req := admitRequest{workerID: workerID, explicit: explicit, reply: make(chan error, 1)}
	select {
	case a.requests <- req:
	default:
		return graph.Errf(graph.KindResidentSetBusy, "admission queue full for %s", workerID)
	}
	select {
	case err := <-req.reply:
		return err
	case <-a.done:
		return graph.Errf(graph.KindResidentSetBusy, "admission controller stopped")
	case <-ctx.Done():
		return graph.Wrap(graph.KindDeadlineExceeded, ctx.Err(), "waiting for admission")
	}
}

// Touch records recent use so the janitor keeps busy workers resident.
func (a *admissionController) Touch(workerID string) {
	select {
	case a.touches <- workerID:
	default:
	}
}

// Close stops the controller goroutine.
func (a *admissionController) Close() {
	close(a.stop)
	<-a.done
}

func (a *admissionController) run(janitorTick time.Duration) {
	defer close(a.done)
	ticker := time.NewTicker(janitorTick)
	defer ticker.Stop()
	for {
		select {
		case req := <-a.requests:
			req.reply <- a.admit(req.workerID, req.explicit)
		case id := <-a.touches:
			if e, ok := a.resident[id]; ok {
				e.lastUsed = time.Now()
			}
		case <-ticker.C:
			a.sweepIdle()
		case <-a.stop:
			return
		}
	}
}

func (a *admissionController) admit(workerID string, explicit bool) error {
	if e, ok := a.resident[workerID]; ok {
		e.lastUsed = time.Now()
		return nil
	}

	desc, ok := a.reg.Get(workerID)
	if !ok {
		return graph.Errf(graph.KindLoadFailed, "worker %s not registered", workerID)
	}
	if desc.Warmth == registry.WarmthCold && !explicit {
		return graph.Errf(graph.KindLoadFailed, "cold worker %s requires explicit residency", workerID)
	}

	if a.budget > 0 && a.used+desc.FootprintBytes > a.budget {
		if !a.evictFor(desc.FootprintBytes) {
			return graph.Errf(graph.KindLoadFailed,
				"worker %s needs %d bytes, resident set cannot free enough", workerID, desc.FootprintBytes)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	a.reg.MarkHealth(workerID, registry.HealthLoading)
	if err := a.loader.load(ctx, workerID); err != nil {
		a.reg.MarkHealth(workerID, registry.HealthUnavailable)
		return graph.Wrap(graph.KindLoadFailed, err, "loading "+workerID)
	}
	a.reg.MarkHealth(workerID, registry.HealthReady)

	a.resident[workerID] = &residentEntry{
		workerID: workerID,
		bytes:    desc.FootprintBytes,
		warmth:   desc.Warmth,
		lastUsed: time.Now(),
	}
	a.used += desc.FootprintBytes
	a.log.Info().Str("worker", workerID).Int64("bytes", desc.FootprintBytes).
		Int64("used", a.used).Msg("worker resident")
	return nil
}

// evictFor frees space for `need` bytes. Eviction order: on-demand (T2)
// before warm (T1), least recently used first. Pinned (T0) workers never
// leave, and warm workers are candidates only once idle past their
// threshold.
func (a *admissionController) evictFor(need int64) bool {
	for a.budget > 0 && a.used+need > a.budget {
		victim := a.pickVictim()
		if victim == nil {
			return false
		}
		a.evict(victim)
	}
	return true
}

func (a *admissionController) pickVictim() *residentEntry {
	now := time.Now()
	var victim *residentEntry
	better := func(e *residentEntry) bool {
		if victim == nil {
			return true
		}
		er, vr := warmthEvictRank(e.warmth), warmthEvictRank(victim.warmth)
		if er != vr {
			return er < vr
		}
		return e.lastUsed.Before(victim.lastUsed)
	}
	for _, e := range a.resident {
		if e.warmth == registry.WarmthPinned {
			continue
		}
		if e.warmth == registry.WarmthWarm && now.Sub(e.lastUsed) <= a.warmIdle {
			continue
		}
		if better(e) {
			victim = e
		}
	}
	return victim
}

// warmthEvictRank orders tiers most evictable first.
func warmthEvictRank(w registry.Warmth) int {
	switch w {
	case registry.WarmthCold:
		return 0
	case registry.WarmthOnDemand:
		return 1
	case registry.WarmthWarm:
		return 2
	default:
		return 3
	}
}

func (a *admissionController) evict(e *residentEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.loader.unload(ctx, e.workerID); err != nil {
		a.log.Warn().Err(err).Str("worker", e.workerID).Msg("unload failed, dropping from resident set anyway")
	}
	delete(a.resident, e.workerID)
	a.used -= e.bytes
	a.log.Info().Str("worker", e.workerID).Int64("used", a.used).Msg("worker evicted")
}

// sweepIdle evicts on-demand workers past their short idle threshold. Warm
// (T1) workers leave only under budget pressure, via evictFor.
func (a *admissionController) sweepIdle() {
	now := time.Now()
	for _, e := range a.resident {
		switch e.warmth {
		case registry.WarmthOnDemand, registry.WarmthCold:
		default:
			continue
		}
		if now.Sub(e.lastUsed) > a.onDemandIdle {
			a.evict(e)
		}
	}
}
