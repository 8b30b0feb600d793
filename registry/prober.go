package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ProbeFunc checks one worker's liveness. A nil error means the worker
// answered its health endpoint.
type ProbeFunc func(ctx context.Context, workerID string) error

// Prober periodically probes every registered worker and drives health
// transitions:
//
//   - three consecutive probe failures mark a worker unavailable;
//   - a ready worker whose recent-call success rate falls below 0.5 over a
//     full window is marked degraded;
//   - one successful probe restores unavailable or degraded to ready.
type Prober struct {
	registry *Registry
	probe    ProbeFunc
	interval time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	failures map[string]int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// degradedThreshold is the windowed success rate below which a ready worker
// is marked degraded.
const degradedThreshold = 0.5

// consecutiveFailures is the unavailable trip count.
const consecutiveFailures = 3

// NewProber constructs a prober over the registry.
func NewProber(reg *Registry, probe ProbeFunc, interval time.Duration, log zerolog.Logger) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Prober{
		registry: reg,
		probe:    probe,
		interval: interval,
		log:      log,
		failures: make(map[string]int),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the probe loop. Call Stop on shutdown.
func (p *Prober) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Sweep(ctx)
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

// Sweep probes every worker once. Exposed for tests and for an eager probe
// at startup.
func (p *Prober) Sweep(ctx context.Context) {
	for _, d := range p.registry.All() {
		p.probeOne(ctx, d)
	}
}

func (p *Prober) probeOne(ctx context.Context, d Descriptor) {
	err := p.probe(ctx, d.ID)

	p.mu.Lock()
	if err != nil {
		p.failures[d.ID]++
	} else {
		p.failures[d.ID] = 0
	}
	fails := p.failures[d.ID]
	p.mu.Unlock()

	if err != nil {
		if fails >= consecutiveFailures && d.Health != HealthUnavailable {
			p.log.Warn().Str("worker", d.ID).Int("failures", fails).
				Msg("worker unavailable after consecutive probe failures")
			p.registry.MarkHealth(d.ID, HealthUnavailable)
		}
		return
	}

	rate, full := p.registry.windowSuccessRate(d.ID)
	switch {
	case d.Health == HealthUnavailable || d.Health == HealthUnknown:
		p.log.Info().Str("worker", d.ID).Msg("worker ready")
		p.registry.MarkHealth(d.ID, HealthReady)
	case d.Health == HealthReady && full && rate < degradedThreshold:
		p.log.Warn().Str("worker", d.ID).Float64("window_success", rate).
			Msg("worker degraded on windowed success rate")
		p.registry.MarkHealth(d.ID, HealthDegraded)
	case d.Health == HealthDegraded && (!full || rate >= degradedThreshold):
		p.registry.MarkHealth(d.ID, HealthReady)
	}
}
