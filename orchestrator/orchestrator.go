// Package orchestrator admits requests and drives them through a workflow:
// rate limit and budget pre-flight, bandit arm selection, graph execution,
// budget settlement, reward observation, and detached shadow executions.
package orchestrator

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/kettleworks/maestro/archive"
	"github.com/kettleworks/maestro/cache"
	"github.com/kettleworks/maestro/graph"
	"github.com/kettleworks/maestro/router"
	"github.com/kettleworks/maestro/workflow"
)

// ArmSpec ties a bandit arm to the workflow variant it runs. An empty
// Quality keeps the tier the caller asked for.
type ArmSpec struct {
	Workflow string
	Quality  graph.QualityTier
}

// Request is one inbound invocation.
type Request struct {
	Workflow      string
	Query         string
	PrincipalID   string
	SessionID     string
	CorrelationID string
	Tier          graph.QualityTier

	// MaxCost caps the spend of this single invocation. Zero applies the
	// tier's default estimate.
	MaxCost float64

	Deadline time.Time
	Sink     graph.StreamSink
}

// Result is the projection handed back to the gateway.
type Result struct {
	QueryID       string
	CorrelationID string
	Response      string
	Meta          map[string]any
	CostUSD       float64
	Duration      time.Duration
	ArmID         string

	// ErrorKind is empty on success. RetryAfter accompanies rate_limited.
	ErrorKind  graph.ErrorKind
	RetryAfter time.Duration
}

// Options configures an Orchestrator.
type Options struct {
	Engine  *graph.Engine
	Cache   *cache.Cache
	Reward  *router.RewardCalculator
	Archive archive.Store
	Locks   *workflow.SessionLocks

	// Bandits holds one bandit per workflow; Arms resolves each arm ID to
	// its variant.
	Bandits map[string]*router.Bandit
	Arms    map[string]ArmSpec

	// ShadowRate is the probability a completed production request spawns a
	// shadow execution.
	ShadowRate float64

	// DefaultDeadline applies when a request carries none.
	DefaultDeadline time.Duration

	// RateLimits is requests per minute per quality tier; zero means the
	// tier is unlimited.
	RateLimits map[graph.QualityTier]int

	// Budgets is the monthly monetary cap seeded into a principal's ledger
	// the first time it is touched in a billing window.
	Budgets map[graph.QualityTier]float64

	// CostEstimates is the per-request pre-flight reservation per tier.
	CostEstimates map[graph.QualityTier]float64

	// ShadowBudget caps total shadow spend per billing window.
	ShadowBudget float64

	Registerer prometheus.Registerer
	Log        zerolog.Logger
}

// Orchestrator coordinates one workflow invocation end to end.
type Orchestrator struct {
	engine  *graph.Engine
	cache   *cache.Cache
	reward  *router.RewardCalculator
	archive archive.Store
	locks   *workflow.SessionLocks
	bandits map[string]*router.Bandit
	arms    map[string]ArmSpec

	shadowRate      float64
	defaultDeadline time.Duration
	rateLimits      map[graph.QualityTier]int
	budgets         map[graph.QualityTier]float64
	estimates       map[graph.QualityTier]float64
	shadowBudget    float64

	// shadowDice decides shadow spawning; swapped in tests.
	shadowDice func() float64

	shadows sync.WaitGroup
	metrics *orchMetrics
	log     zerolog.Logger
}

type orchMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	shadowed prometheus.Counter
}

// New constructs an Orchestrator.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		engine:          opts.Engine,
		cache:           opts.Cache,
		reward:          opts.Reward,
		archive:         opts.Archive,
		locks:           opts.Locks,
		bandits:         opts.Bandits,
		arms:            opts.Arms,
		shadowRate:      opts.ShadowRate,
		defaultDeadline: opts.DefaultDeadline,
		rateLimits:      opts.RateLimits,
		budgets:         opts.Budgets,
		estimates:       opts.CostEstimates,
		shadowBudget:    opts.ShadowBudget,
		shadowDice:      rand.Float64,
		log:             opts.Log,
	}
	if o.reward == nil {
		o.reward = router.NewRewardCalculator()
	}
	if o.locks == nil {
		o.locks = workflow.NewSessionLocks()
	}
	if o.defaultDeadline <= 0 {
		o.defaultDeadline = 30 * time.Second
	}
	if o.estimates == nil {
		o.estimates = map[graph.QualityTier]float64{
			graph.QualityMinimal:  0.001,
			graph.QualityBalanced: 0.005,
			graph.QualityHigh:     0.02,
			graph.QualityPremium:  0.05,
		}
	}
	if opts.Registerer != nil {
		factory := promauto.With(opts.Registerer)
		o.metrics = &orchMetrics{
			requests: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "maestro",
				Subsystem: "orchestrator",
				Name:      "requests_total",
				Help:      "Invocations by workflow and outcome.",
			}, []string{"workflow", "outcome"}),
			duration: factory.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "maestro",
				Subsystem: "orchestrator",
				Name:      "request_duration_seconds",
				Help:      "End-to-end request latency.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"workflow"}),
			shadowed: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "maestro",
				Subsystem: "orchestrator",
				Name:      "shadow_executions_total",
				Help:      "Shadow executions spawned.",
			}),
		}
	}
	return o
}

// Close waits for in-flight shadow executions to finish.
func (o *Orchestrator) Close() { o.shadows.Wait() }

// Invoke runs one request end to end. The returned Result always carries a
// QueryID and CorrelationID; ErrorKind is set when the request was refused
// or the run could not complete.
func (o *Orchestrator) Invoke(ctx context.Context, req Request) Result {
	started := time.Now()
	res := Result{
		QueryID:       uuid.NewString(),
		CorrelationID: req.CorrelationID,
		Meta:          map[string]any{},
	}
	if res.CorrelationID == "" {
		res.CorrelationID = uuid.NewString()
	}
	if req.Tier == "" {
		req.Tier = graph.QualityBalanced
	}

	defer func() {
		if o.metrics != nil {
			outcome := "success"
			if res.ErrorKind != "" {
				outcome = string(res.ErrorKind)
			}
			o.metrics.requests.WithLabelValues(req.Workflow, outcome).Inc()
			o.metrics.duration.WithLabelValues(req.Workflow).Observe(time.Since(started).Seconds())
		}
	}()

	if retryAfter, limited := o.checkRateLimit(ctx, req); limited {
		res.ErrorKind = graph.KindRateLimited
		res.RetryAfter = retryAfter
		return res
	}

	// Identical search queries are answered from the response cache without
	// touching the bandit: cached hits carry no signal about strategies.
	if req.Workflow == workflow.SearchGraphName && req.Sink == nil {
		key := cache.ContentKey(req.Query, req.Workflow)
		if cached, ok := o.cache.Get(ctx, cache.NSResponse, key); ok {
			res.Response = string(cached)
			res.Meta["cached"] = true
			res.Duration = time.Since(started)
			return res
		}
	}

	estimate := o.estimates[req.Tier]
	if req.MaxCost > 0 && req.MaxCost < estimate {
		estimate = req.MaxCost
	}
	budgetKey := cache.BudgetKey(req.PrincipalID, started)
	if kind := o.reserveBudget(ctx, budgetKey, o.budgets[req.Tier], estimate); kind != "" {
		res.ErrorKind = kind
		return res
	}

	armID, spec := o.selectArm(req.Workflow, false)
	if armID == "" {
		o.refundBudget(budgetKey, estimate)
		res.ErrorKind = graph.KindGraphRouting
		return res
	}
	res.ArmID = armID

	// The production time allotment is fixed here, before the run: the
	// shadow's deadline derives from it measured at spawn, not from what is
	// left of req.Deadline after production finishes.
	allotment := o.defaultDeadline
	if !req.Deadline.IsZero() {
		if remaining := time.Until(req.Deadline); remaining > 0 {
			allotment = remaining
		}
	}

	state := o.buildState(req, res.QueryID, res.CorrelationID, spec, estimate, allotment, false)

	if req.Workflow == workflow.ChatGraphName && req.SessionID != "" {
		o.locks.Lock(req.SessionID)
	}
	state, runErr := o.engine.Run(ctx, spec.Workflow, state)
	if req.Workflow == workflow.ChatGraphName && req.SessionID != "" {
		o.locks.Unlock(req.SessionID)
	}

	elapsed := time.Since(started)
	actual := state.TotalCost()
	o.settleBudget(budgetKey, estimate, actual)

	success := runErr == nil && state.FinalResponse != "" && state.ResponseMeta["degraded"] != true
	outcome := router.Outcome{
		Success:  success,
		Duration: elapsed,
		CostUSD:  actual,
		Streamed: req.Sink != nil,
		TTFT:     extractTTFT(state),
	}
	reward := o.reward.Compute(outcome)
	if b := o.bandits[req.Workflow]; b != nil {
		b.Observe(armID, reward, success, false)
	}

	res.Response = state.FinalResponse
	for k, v := range state.ResponseMeta {
		res.Meta[k] = v
	}
	res.CostUSD = actual
	res.Duration = elapsed
	if runErr != nil {
		res.ErrorKind = graph.KindOf(runErr)
	}

	o.recordAsync(archive.ExecutionRecord{
		QueryID:       res.QueryID,
		CorrelationID: res.CorrelationID,
		PrincipalID:   req.PrincipalID,
		SessionID:     req.SessionID,
		Workflow:      req.Workflow,
		ArmID:         armID,
		Quality:       string(state.Quality),
		Path:          state.Path,
		WorkerUsed:    lastWorker(state),
		CostUSD:       actual,
		DurationMS:    elapsed.Milliseconds(),
		Success:       success,
		ErrorKind:     string(res.ErrorKind),
		CreatedAt:     time.Now(),
	}, archive.Observation{
		QueryID:   res.QueryID,
		ArmID:     armID,
		Reward:    reward,
		Success:   success,
		CreatedAt: time.Now(),
	})

	if o.shadowRate > 0 && o.shadowDice() < o.shadowRate {
		o.spawnShadow(req, res.QueryID, estimate, allotment)
	}
	return res
}

// checkRateLimit enforces the per-tier per-minute cap. An unreachable ledger
// fails open: refusing every request because the counter store blinked is
// worse than briefly over-admitting.
func (o *Orchestrator) checkRateLimit(ctx context.Context, req Request) (time.Duration, bool) {
	limit := o.rateLimits[req.Tier]
	if limit <= 0 {
		return 0, false
	}
	now := time.Now()
	count, err := o.cache.Incr(ctx, cache.NSRate, cache.RateKey(req.PrincipalID, req.Workflow, now), 1, 2*time.Minute)
	if err != nil {
		o.log.Warn().Err(err).Str("principal", req.PrincipalID).Msg("rate counter unavailable, failing open")
		return 0, false
	}
	if count > int64(limit) {
		nextMinute := now.Truncate(time.Minute).Add(time.Minute)
		return time.Until(nextMinute), true
	}
	return 0, false
}

// reserveBudget seeds the billing-window ledger on first touch, then
// atomically reserves the estimate. Returns the refusal kind, or empty.
func (o *Orchestrator) reserveBudget(ctx context.Context, key string, initial, estimate float64) graph.ErrorKind {
	if initial <= 0 || estimate <= 0 {
		return ""
	}
	_, err := o.cache.SetNX(ctx, cache.NSBudget, key, []byte(formatFloat(initial)), untilNextMonth(time.Now()))
	if err != nil {
		return graph.KindBudgetUnknown
	}
	_, applied, err := o.cache.DecrBounded(ctx, cache.NSBudget, key, estimate, 0)
	if err != nil {
		return graph.KindBudgetUnknown
	}
	if !applied {
		return graph.KindBudgetExceeded
	}
	return ""
}

// settleBudget reconciles the reservation with the actual spend: refund the
// surplus, or charge the overage best-effort.
func (o *Orchestrator) settleBudget(key string, estimate, actual float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	diff := estimate - actual
	switch {
	case diff > 0:
		if _, err := o.cache.IncrFloat(ctx, cache.NSBudget, key, diff); err != nil {
			o.log.Warn().Err(err).Str("key", key).Msg("budget refund failed")
		}
	case diff < 0:
		if _, _, err := o.cache.DecrBounded(ctx, cache.NSBudget, key, -diff, 0); err != nil {
			o.log.Warn().Err(err).Str("key", key).Msg("budget overage charge failed")
		}
	}
}

func (o *Orchestrator) refundBudget(key string, amount float64) {
	o.settleBudget(key, amount, 0)
}

// selectArm picks the arm for a workflow's traffic class and resolves its
// spec. Unknown arm IDs fall back to running the workflow as-is.
func (o *Orchestrator) selectArm(workflowName string, shadow bool) (string, ArmSpec) {
	b := o.bandits[workflowName]
	if b == nil {
		return workflowName, ArmSpec{Workflow: workflowName}
	}
	var id string
	if shadow {
		id = b.SelectShadow()
	} else {
		id = b.Select()
	}
	if spec, ok := o.arms[id]; ok {
		return id, spec
	}
	return id, ArmSpec{Workflow: workflowName}
}

func (o *Orchestrator) buildState(req Request, queryID, correlationID string, spec ArmSpec, estimate float64, allotment time.Duration, shadow bool) *graph.ExecutionState {
	s := graph.NewExecutionState(queryID, correlationID)
	s.PrincipalID = req.PrincipalID
	s.SessionID = req.SessionID
	s.OriginalQuery = req.Query
	s.BudgetStart = estimate
	s.BudgetRemaining = estimate
	s.Quality = req.Tier
	if spec.Quality != "" {
		s.Quality = spec.Quality
	}
	s.Shadow = shadow
	if !shadow {
		s.Sink = req.Sink
	}

	// Shadows get twice the production allotment from their own start, so an
	// explicit request deadline already consumed by production never leaves
	// the shadow with a deadline in the past.
	if shadow {
		s.Deadline = time.Now().Add(2 * allotment)
		return s
	}
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(allotment)
	}
	s.Deadline = deadline
	return s
}

// spawnShadow runs an independently selected arm over the same request in
// the background. Shadow spend is metered against the shared shadow ledger;
// results feed only the bandit.
func (o *Orchestrator) spawnShadow(req Request, productionQueryID string, estimate float64, allotment time.Duration) {
	if o.metrics != nil {
		o.metrics.shadowed.Inc()
	}
	o.shadows.Add(1)
	go func() {
		defer o.shadows.Done()
		defer func() {
			if r := recover(); r != nil {
				o.log.Error().Interface("panic", r).Msg("shadow execution panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*allotment)
		defer cancel()

		shadowKey := cache.ShadowBudgetKey(time.Now())
		if kind := o.reserveBudget(ctx, shadowKey, o.shadowBudget, estimate); kind != "" {
			o.log.Debug().Str("reason", string(kind)).Msg("shadow execution skipped")
			return
		}

		armID, spec := o.selectArm(req.Workflow, true)
		if armID == "" {
			o.refundBudget(shadowKey, estimate)
			return
		}

		queryID := uuid.NewString()
		state := o.buildState(req, queryID, productionQueryID, spec, estimate, allotment, true)
		started := time.Now()
		state, runErr := o.engine.Run(ctx, spec.Workflow, state)
		elapsed := time.Since(started)
		actual := state.TotalCost()
		o.settleBudget(shadowKey, estimate, actual)

		success := runErr == nil && state.FinalResponse != "" && state.ResponseMeta["degraded"] != true
		reward := o.reward.Compute(router.Outcome{
			Success:  success,
			Duration: elapsed,
			CostUSD:  actual,
		})
		if b := o.bandits[req.Workflow]; b != nil {
			b.Observe(armID, reward, success, true)
		}

		o.recordAsync(archive.ExecutionRecord{
			QueryID:       queryID,
			CorrelationID: productionQueryID,
			PrincipalID:   req.PrincipalID,
			SessionID:     req.SessionID,
			Workflow:      req.Workflow,
			ArmID:         armID,
			Quality:       string(state.Quality),
			Path:          state.Path,
			WorkerUsed:    lastWorker(state),
			CostUSD:       actual,
			DurationMS:    elapsed.Milliseconds(),
			Success:       success,
			ErrorKind:     string(graph.KindOf(runErr)),
			Shadow:        true,
			CreatedAt:     time.Now(),
		}, archive.Observation{
			QueryID:   queryID,
			ArmID:     armID,
			Reward:    reward,
			Success:   success,
			Shadow:    true,
			CreatedAt: time.Now(),
		})
	}()
}

// recordAsync archives off the request path. Failures are logged and
// dropped.
func (o *Orchestrator) recordAsync(rec archive.ExecutionRecord, obs archive.Observation) {
	if o.archive == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.archive.RecordExecution(ctx, rec); err != nil {
			o.log.Warn().Err(err).Str("query", rec.QueryID).Msg("archive execution write failed")
		}
		if err := o.archive.RecordObservation(ctx, obs); err != nil {
			o.log.Warn().Err(err).Str("query", obs.QueryID).Msg("archive observation write failed")
		}
	}()
}

func extractTTFT(s *graph.ExecutionState) time.Duration {
	for _, node := range s.Path {
		if data := s.GetMap(node); data != nil {
			if ms, ok := data["ttft_ms"].(int64); ok && ms > 0 {
				return time.Duration(ms) * time.Millisecond
			}
		}
	}
	return 0
}

// lastWorker reports the worker that served the final generation step.
func lastWorker(s *graph.ExecutionState) string {
	for i := len(s.Path) - 1; i >= 0; i-- {
		if w, ok := s.Workers[s.Path[i]]; ok {
			return w
		}
	}
	return ""
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// untilNextMonth is the TTL that keeps a billing-window ledger alive to the
// end of its calendar month.
func untilNextMonth(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return next.Sub(now)
}
