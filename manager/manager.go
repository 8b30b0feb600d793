// Package manager selects and invokes inference workers: capability-driven
// selection with quality-tier adjustment, per-worker concurrency gates, and a
// serialized admission controller governing which local models are resident.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kettleworks/maestro/cache"
	"github.com/kettleworks/maestro/graph"
	"github.com/kettleworks/maestro/registry"
	"github.com/kettleworks/maestro/worker"
)

// TaskType names the generation task a workflow node needs done.
type TaskType string

const (
	TaskChat      TaskType = "chat"
	TaskCode      TaskType = "code"
	TaskIntent    TaskType = "intent"
	TaskSummarize TaskType = "summarize"
	TaskSynthesis TaskType = "synthesis"
	TaskEnhance   TaskType = "enhance"
)

// Constraints narrows worker selection for one call.
type Constraints struct {
	// MaxCostPerCall excludes workers whose unit cost exceeds it. Zero means
	// no cap.
	MaxCostPerCall float64

	// ForceLocal restricts selection to local-inference workers.
	ForceLocal bool

	// Deadline excludes workers whose EMA latency would blow the remaining
	// time.
	Deadline time.Time
}

// Binding ties a registered worker to its client and model name.
type Binding struct {
	WorkerID string
	Client   worker.InferenceClient
	Model    string
}

// Options configures a Manager.
type Options struct {
	Registry    *registry.Registry
	Cache       *cache.Cache
	Bindings    []Binding
	Assignments map[TaskType][]string

	// ResidentBudgetBytes caps combined local model footprints. Zero
	// disables the budget (everything fits).
	ResidentBudgetBytes int64

	// PerWorkerConcurrency caps in-flight calls per worker. Defaults to 1,
	// which is right for heavy local models.
	PerWorkerConcurrency map[string]int

	// GateWait bounds how long Generate waits on a busy worker before
	// treating it as out of capacity.
	GateWait time.Duration

	// AdmissionQueueLen bounds pending residency requests.
	AdmissionQueueLen int

	Log zerolog.Logger
}

// Manager implements worker selection and generation.
type Manager struct {
	reg         *registry.Registry
	cache       *cache.Cache
	bindings    map[string]Binding
	assignments map[TaskType][]string
	gates       map[string]chan struct{}
	gateWait    time.Duration
	admission   *admissionController
	log         zerolog.Logger
}

// selectionTTL bounds how long a cached selection fingerprint is trusted.
const selectionTTL = time.Hour

// New constructs a Manager and starts its admission controller.
func New(opts Options) *Manager {
	m := &Manager{
		reg:         opts.Registry,
		cache:       opts.Cache,
		bindings:    make(map[string]Binding, len(opts.Bindings)),
		assignments: opts.Assignments,
		gates:       make(map[string]chan struct{}, len(opts.Bindings)),
		gateWait:    opts.GateWait,
		log:         opts.Log,
	}
	if m.gateWait <= 0 {
		m.gateWait = 500 * time.Millisecond
	}
	for _, b := range opts.Bindings {
		m.bindings[b.WorkerID] = b
		n := opts.PerWorkerConcurrency[b.WorkerID]
		if n <= 0 {
			n = 1
		}
		m.gates[b.WorkerID] = make(chan struct{}, n)
	}
	m.admission = newAdmissionController(admissionOptions{
		budgetBytes: opts.ResidentBudgetBytes,
		queueLen:    opts.AdmissionQueueLen,
	}, m, opts.Registry, opts.Log)
	go m.pinResident()
	return m
}

// pinResident loads every T0 worker at startup. Failures are logged; the
// worker stays loadable on first use.
func (m *Manager) pinResident() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	for id := range m.bindings {
		d, ok := m.reg.Get(id)
		if !ok || !isLocal(d) || d.Warmth != registry.WarmthPinned {
			continue
		}
		if err := m.admission.EnsureResident(ctx, id); err != nil {
			m.log.Warn().Err(err).Str("worker", id).Msg("pinning at startup failed")
		}
	}
}

// EnsureResident loads the worker's model into the resident set, evicting
// lower tiers if the memory budget requires it. This is the only path that
// loads cold (T3) workers.
func (m *Manager) EnsureResident(ctx context.Context, workerID string) error {
	return m.admission.EnsureResident(ctx, workerID)
}

// Close stops background work.
func (m *Manager) Close() { m.admission.Close() }

// load implements loader for the admission controller.
func (m *Manager) load(ctx context.Context, workerID string) error {
	b, ok := m.bindings[workerID]
	if !ok {
		return fmt.Errorf("no binding for %s", workerID)
	}
	return b.Client.EnsureLoaded(ctx, b.Model)
}

// unload implements loader.
func (m *Manager) unload(ctx context.Context, workerID string) error {
	b, ok := m.bindings[workerID]
	if !ok {
		return fmt.Errorf("no binding for %s", workerID)
	}
	return b.Client.Unload(ctx, b.Model)
}

// Select picks the worker for a task under the given tier and constraints.
// Recent identical selections are served from the pattern cache, revalidated
// against current health.
func (m *Manager) Select(ctx context.Context, task TaskType, tier graph.QualityTier, cons Constraints, exclude map[string]bool) (registry.Descriptor, error) {
	fingerprint := m.selectionFingerprint(task, tier, cons)
	if len(exclude) == 0 && m.cache != nil {
		if cached, ok := m.cache.Get(ctx, cache.NSPattern, fingerprint); ok {
			// A cached worker that has since gone degraded forces a fresh
			// selection; healthier candidates may be available.
			if d, found := m.reg.Get(string(cached)); found && selectable(d) && d.Health != registry.HealthDegraded {
				return d, nil
			}
		}
	}

	d, err := m.selectUncached(task, tier, cons, exclude)
	if err != nil {
		return registry.Descriptor{}, err
	}
	if len(exclude) == 0 && m.cache != nil {
		m.cache.SetTTL(ctx, cache.NSPattern, fingerprint, []byte(d.ID), selectionTTL)
	}
	return d, nil
}

func (m *Manager) selectionFingerprint(task TaskType, tier graph.QualityTier, cons Constraints) string {
	return fmt.Sprintf("select:%s:%s:%v:%.4f", task, tier, cons.ForceLocal, cons.MaxCostPerCall)
}

// selectable reports whether a worker may serve at all. Degraded workers
// stay in the pool; selectUncached uses them only when nothing healthy
// remains.
func selectable(d registry.Descriptor) bool {
	return d.Health != registry.HealthUnavailable
}

func isLocal(d registry.Descriptor) bool { return d.Kind == registry.KindLocalInference }

func (m *Manager) selectUncached(task TaskType, tier graph.QualityTier, cons Constraints, exclude map[string]bool) (registry.Descriptor, error) {
	assigned := m.assignments[task]
	if len(assigned) == 0 {
		return registry.Descriptor{}, graph.Errf(graph.KindNoEligibleWorker, "no workers assigned to task %s", task)
	}

	var candidates []registry.Descriptor
	for _, id := range assigned {
		if exclude[id] {
			continue
		}
		d, ok := m.reg.Get(id)
		if !ok || !selectable(d) {
			continue
		}
		candidates = append(candidates, d)
	}

	candidates = adjustForTier(candidates, tier)
	candidates = m.applyConstraints(candidates, cons)

	// Degraded workers only serve when nothing healthy remains.
	healthy := candidates[:0:0]
	for _, d := range candidates {
		if d.Health != registry.HealthDegraded {
			healthy = append(healthy, d)
		}
	}
	if len(healthy) > 0 {
		candidates = healthy
	}

	if len(candidates) > 0 {
		registry.SortForSelection(candidates)
		return candidates[0], nil
	}

	// Last resort: follow the assigned workers' declared fallbacks.
	for _, id := range assigned {
		d, ok := m.reg.Get(id)
		if !ok || d.Fallback == "" || exclude[d.Fallback] {
			continue
		}
		fb, ok := m.reg.Get(d.Fallback)
		if ok && selectable(fb) && len(m.applyConstraints([]registry.Descriptor{fb}, cons)) == 1 {
			return fb, nil
		}
	}
	return registry.Descriptor{}, graph.Errf(graph.KindNoEligibleWorker,
		"no eligible worker for task %s at tier %s", task, tier)
}

// adjustForTier applies the quality tier to the candidate pool: minimal
// keeps it local and cheap, premium promotes to remote workers when any are
// assigned.
func adjustForTier(candidates []registry.Descriptor, tier graph.QualityTier) []registry.Descriptor {
	switch tier {
	case graph.QualityMinimal:
		var local []registry.Descriptor
		for _, d := range candidates {
			if isLocal(d) {
				local = append(local, d)
			}
		}
		if len(local) > 0 {
			return local
		}
	case graph.QualityPremium:
		var remote []registry.Descriptor
		for _, d := range candidates {
			if d.Kind == registry.KindRemoteInference {
				remote = append(remote, d)
			}
		}
		if len(remote) > 0 {
			return remote
		}
	}
	return candidates
}

func (m *Manager) applyConstraints(candidates []registry.Descriptor, cons Constraints) []registry.Descriptor {
	out := candidates[:0:0]
	for _, d := range candidates {
		if cons.ForceLocal && !isLocal(d) {
			continue
		}
		if cons.MaxCostPerCall > 0 && d.CostPerUnit > cons.MaxCostPerCall {
			continue
		}
		if !cons.Deadline.IsZero() && d.Stats.TotalCalls > 0 &&
			d.Stats.EMALatency > time.Until(cons.Deadline) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// generateRetries and generateBaseDelay control transient retry behavior
// against a single worker.
const (
	generateRetries   = 3
	generateBaseDelay = 500 * time.Millisecond
)

// Generate selects a worker for the task and runs the request on it,
// re-selecting with the failed worker excluded when it has no capacity or
// cannot be made resident. Returns the result and the worker that served it.
func (m *Manager) Generate(ctx context.Context, task TaskType, tier graph.QualityTier, cons Constraints, req worker.GenerateRequest) (worker.GenerateResult, string, error) {
	exclude := make(map[string]bool)
	var lastErr error

	for tries := 0; tries < len(m.bindings)+1; tries++ {
		d, err := m.Select(ctx, task, tier, cons, exclude)
		if err != nil {
			if lastErr != nil {
				return worker.GenerateResult{}, "", lastErr
			}
			return worker.GenerateResult{}, "", err
		}

		res, err := m.generateOn(ctx, d, req)
		if err == nil {
			return res, d.ID, nil
		}
		lastErr = err

		switch graph.KindOf(err) {
		case graph.KindNoCapacity, graph.KindResidentSetBusy, graph.KindLoadFailed:
			exclude[d.ID] = true
			continue
		default:
			return worker.GenerateResult{}, d.ID, err
		}
	}
	return worker.GenerateResult{}, "", lastErr
}

func (m *Manager) generateOn(ctx context.Context, d registry.Descriptor, req worker.GenerateRequest) (worker.GenerateResult, error) {
	b, ok := m.bindings[d.ID]
	if !ok {
		return worker.GenerateResult{}, graph.Errf(graph.KindNoEligibleWorker, "worker %s has no binding", d.ID)
	}

	gate := m.gates[d.ID]
	select {
	case gate <- struct{}{}:
		defer func() { <-gate }()
	case <-time.After(m.gateWait):
		return worker.GenerateResult{}, graph.Errf(graph.KindNoCapacity, "worker %s at concurrency limit", d.ID)
	case <-ctx.Done():
		return worker.GenerateResult{}, graph.Wrap(graph.KindDeadlineExceeded, ctx.Err(), "waiting for worker gate")
	}

	if isLocal(d) {
		if err := m.admission.ensureForCall(ctx, d.ID); err != nil {
			return worker.GenerateResult{}, err
		}
	}

	if req.Model == "" {
		req.Model = b.Model
	}

	var lastErr error
	for attempt := 0; attempt < generateRetries; attempt++ {
		if attempt > 0 {
			delay := generateBaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return worker.GenerateResult{}, graph.Wrap(graph.KindDeadlineExceeded, ctx.Err(), "retry wait")
			}
		}

		started := time.Now()
		res, err := b.Client.Generate(ctx, req)
		latency := time.Since(started)
		m.reg.RecordCall(d.ID, latency, err == nil)
		m.persistStats(ctx, d.ID)

		if err == nil {
			now := time.Now()
			m.reg.Touch(d.ID, now)
			m.admission.Touch(d.ID)
			return res, nil
		}
		lastErr = err

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return worker.GenerateResult{}, graph.Wrap(graph.KindWorkerTimeout, err, "worker "+d.ID)
		}
		if !worker.IsTransientProviderError(err) {
			return worker.GenerateResult{}, graph.Wrap(graph.KindUnknown, err, "worker "+d.ID)
		}
		m.log.Warn().Err(err).Str("worker", d.ID).Int("attempt", attempt+1).Msg("transient worker failure")
	}
	return worker.GenerateResult{}, graph.Wrap(graph.KindWorkerTimeout, lastErr,
		fmt.Sprintf("worker %s failed %d attempts", d.ID, generateRetries))
}

// persistStats checkpoints a worker's rolling stats under the pattern
// namespace so learned performance survives restarts. Best effort.
func (m *Manager) persistStats(ctx context.Context, workerID string) {
	if m.cache == nil {
		return
	}
	d, ok := m.reg.Get(workerID)
	if !ok {
		return
	}
	raw, err := json.Marshal(d.Stats)
	if err != nil {
		return
	}
	m.cache.Set(ctx, cache.NSPattern, "stats:"+workerID, raw)
}
