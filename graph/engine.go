package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kettleworks/maestro/graph/emit"
)

const (
	defaultNodeTimeout = 30 * time.Second
	defaultCancelGrace = 2 * time.Second

	// statsAlpha is the smoothing factor for the per-graph duration EMA.
	statsAlpha = 0.2
)

// Engine executes registered graphs. Safe for concurrent Run calls; each run
// executes its nodes strictly sequentially against its own state.
type Engine struct {
	mu      sync.RWMutex
	graphs  map[string]*Graph
	stats   map[string]*graphStats
	emitter emit.Emitter
	metrics *Metrics

	nodeTimeout time.Duration
	cancelGrace time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter sets the event emitter. Defaults to emit.Null.
func WithEmitter(e emit.Emitter) Option {
	return func(eng *Engine) { eng.emitter = e }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *Metrics) Option {
	return func(eng *Engine) { eng.metrics = m }
}

// WithDefaultNodeTimeout overrides the 30s default per-node timeout.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(eng *Engine) { eng.nodeTimeout = d }
}

// WithCancelGrace sets how long the engine waits for a timed-out node to
// observe cancellation before abandoning it.
func WithCancelGrace(d time.Duration) Option {
	return func(eng *Engine) { eng.cancelGrace = d }
}

// NewEngine constructs an engine with the given options.
func NewEngine(opts ...Option) *Engine {
	eng := &Engine{
		graphs:      make(map[string]*Graph),
		stats:       make(map[string]*graphStats),
		emitter:     emit.NewNullEmitter(),
		nodeTimeout: defaultNodeTimeout,
		cancelGrace: defaultCancelGrace,
	}
	for _, opt := range opts {
		opt(eng)
	}
	return eng
}

// Register validates a graph and makes it runnable. Registration fails fast
// on any topology defect so a malformed graph never reaches traffic.
func (e *Engine) Register(g *Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.graphs[g.name]; dup {
		return fmt.Errorf("graph %s already registered", g.name)
	}
	e.graphs[g.name] = g
	e.stats[g.name] = &graphStats{nodeFailures: make(map[string]int64)}
	return nil
}

// Run executes the named graph to a terminal node. The returned state is
// always non-nil; the error is non-nil only when the run could not complete,
// including when the error handler itself failed.
func (e *Engine) Run(ctx context.Context, graphName string, state *ExecutionState) (*ExecutionState, error) {
	e.mu.RLock()
	g, ok := e.graphs[graphName]
	st := e.stats[graphName]
	e.mu.RUnlock()
	if !ok {
		return state, Errf(KindGraphRouting, "graph %s not registered", graphName)
	}

	done := e.metrics.trackInflight(graphName)
	defer done()
	started := time.Now()

	state, runErr := e.run(ctx, g, state)

	elapsed := time.Since(started)
	st.record(runErr == nil, elapsed, state)
	if runErr == nil {
		e.metrics.incExecution(graphName, "success")
	} else {
		e.metrics.incExecution(graphName, "failure")
	}
	return state, runErr
}

func (e *Engine) run(ctx context.Context, g *Graph, state *ExecutionState) (*ExecutionState, error) {
	current := g.start
	inHandler := false
	step := 0
	// Validated graphs are acyclic; the bound guards against routing bugs.
	maxSteps := 2*len(g.nodes) + 2

	for {
		step++
		if step > maxSteps {
			return state, Errf(KindGraphRouting, "graph %s exceeded %d steps at node %s", g.name, maxSteps, current)
		}

		if !state.Deadline.IsZero() && time.Now().After(state.Deadline) && !inHandler {
			derr := Errf(KindDeadlineExceeded, "request deadline passed before node %s", current)
			derr.Node = current
			state.Errors = append(state.Errors, *derr)
			next, ok := e.routeToHandler(g, inHandler)
			if !ok {
				return state, derr
			}
			current, inHandler = next, true
			continue
		}

		entry := g.nodes[current]
		res := e.execNode(ctx, g, current, entry, state, inHandler)
		state.apply(current, res)

		if !res.Success {
			e.emit(ctx, state, step, current, "node failed", map[string]any{
				"error_kind": string(KindOf(res.Err)),
			})
			if inHandler || entry.policy.ErrorsHandled {
				// The handler itself failed: surface with no partial answer.
				state.FinalResponse = ""
				if res.Err != nil {
					return state, res.Err
				}
				return state, Errf(KindUnknown, "error handler %s failed", current)
			}
			next, ok := e.routeToHandler(g, inHandler)
			if !ok {
				if res.Err != nil {
					return state, res.Err
				}
				return state, Errf(KindUnknown, "node %s failed", current)
			}
			current, inHandler = next, true
			continue
		}

		if g.terminals[current] {
			return state, nil
		}
		if inHandler {
			// Error handlers terminate the run after producing a response.
			return state, nil
		}

		next, hasNext, rerr := g.next(current, state)
		if rerr != nil {
			rerr.Node = current
			state.Errors = append(state.Errors, *rerr)
			e.metrics.incRoutingError(g.name, current)
			handler, ok := e.routeToHandler(g, inHandler)
			if !ok {
				return state, rerr
			}
			current, inHandler = handler, true
			continue
		}
		if !hasNext {
			return state, nil
		}
		current = next
	}
}

func (e *Engine) routeToHandler(g *Graph, inHandler bool) (string, bool) {
	if inHandler || g.errorHandler == "" {
		return "", false
	}
	return g.errorHandler, true
}

// execNode runs one node with per-attempt timeout and the node's retry
// policy. It never lets a node error or panic escape as a Go error; failures
// come back on the NodeResult.
func (e *Engine) execNode(ctx context.Context, g *Graph, name string, entry *nodeEntry, state *ExecutionState, inHandler bool) NodeResult {
	attempts := 1
	if entry.policy.Retry != nil && entry.policy.Retry.MaxAttempts > attempts {
		attempts = entry.policy.Retry.MaxAttempts
	}

	var res NodeResult
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			e.metrics.incRetry(g.name, name)
			e.emit(ctx, state, 0, name, "retrying node", map[string]any{"attempt": attempt + 1})
			select {
			case <-time.After(computeBackoff(entry.policy.Retry, attempt-1)):
			case <-ctx.Done():
				return Fail(Wrap(KindDeadlineExceeded, ctx.Err(), "canceled during retry backoff"))
			}
		}

		res = e.execOnce(ctx, g, name, entry, state, inHandler)
		if res.Success {
			return res
		}
		if !entry.policy.Retry.shouldRetry(KindOf(res.Err)) {
			return res
		}
	}
	return res
}

func (e *Engine) execOnce(ctx context.Context, g *Graph, name string, entry *nodeEntry, state *ExecutionState, inHandler bool) NodeResult {
	timeout := entry.policy.Timeout
	if timeout <= 0 {
		timeout = e.nodeTimeout
	}
	// The request deadline caps every attempt so a slow node cannot overrun
	// it by its full node timeout. Handler nodes stay uncapped; they run
	// after the deadline to compose the degraded answer.
	deadlineBound := false
	if !inHandler && !state.Deadline.IsZero() {
		if remaining := time.Until(state.Deadline); remaining < timeout {
			timeout = remaining
			deadlineBound = true
		}
	}
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	resCh := make(chan NodeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- Fail(Errf(KindUnknown, "panic in node %s: %v", name, r))
			}
		}()
		resCh <- entry.node.Run(nodeCtx, state)
	}()

	var res NodeResult
	select {
	case res = <-resCh:
	case <-nodeCtx.Done():
		cancel()
		// Give the node a grace period to observe cancellation and return a
		// partial accounting (cost already incurred).
		select {
		case res = <-resCh:
		case <-time.After(e.cancelGrace):
			kind := KindWorkerTimeout
			if deadlineBound || ctx.Err() != nil {
				kind = KindDeadlineExceeded
			}
			res = Fail(Errf(kind, "node %s did not return within %s", name, timeout))
		}
		if res.Err == nil && !res.Success {
			kind := KindWorkerTimeout
			if deadlineBound {
				kind = KindDeadlineExceeded
			}
			res.Err = Errf(kind, "node %s timed out", name)
		}
	}

	res.Duration = time.Since(started)
	status := "success"
	if !res.Success {
		status = "failure"
	}
	e.metrics.observeStep(g.name, name, status, float64(res.Duration.Milliseconds()))
	e.emit(ctx, state, len(state.Path)+1, name, "node complete", map[string]any{
		"status":      status,
		"duration_ms": res.Duration.Milliseconds(),
		"worker":      res.WorkerUsed,
	})
	return res
}

func (e *Engine) emit(ctx context.Context, state *ExecutionState, step int, node, msg string, meta map[string]any) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(ctx, emit.Event{
		RunID:  state.QueryID,
		Step:   step,
		NodeID: node,
		Msg:    msg,
		Time:   time.Now(),
		Meta:   meta,
	})
}

// GraphStats is a point-in-time view of a graph's execution history.
type GraphStats struct {
	TotalExecutions int64
	SuccessCount    int64
	EMADurationMS   float64
	TopFailingNode  string
}

type graphStats struct {
	mu           sync.Mutex
	total        int64
	success      int64
	emaMS        float64
	nodeFailures map[string]int64
}

func (s *graphStats) record(ok bool, d time.Duration, state *ExecutionState) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if ok {
		s.success++
	}
	ms := float64(d.Milliseconds())
	if s.total == 1 {
		s.emaMS = ms
	} else {
		s.emaMS = statsAlpha*ms + (1-statsAlpha)*s.emaMS
	}
	for _, ge := range state.Errors {
		if ge.Node != "" {
			s.nodeFailures[ge.Node]++
		}
	}
}

// Stats returns the recorded stats for a graph, or a zero value if the graph
// is unknown.
func (e *Engine) Stats(graphName string) GraphStats {
	e.mu.RLock()
	st := e.stats[graphName]
	e.mu.RUnlock()
	if st == nil {
		return GraphStats{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := GraphStats{
		TotalExecutions: st.total,
		SuccessCount:    st.success,
		EMADurationMS:   st.emaMS,
	}
	var worst int64
	names := make([]string, 0, len(st.nodeFailures))
	for n := range st.nodeFailures {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if st.nodeFailures[n] > worst {
			worst = st.nodeFailures[n]
			out.TopFailingNode = n
		}
	}
	return out
}
