package graph

import "time"

// QualityTier expresses the requested cost/quality trade-off for a request.
type QualityTier string

const (
	QualityMinimal  QualityTier = "minimal"
	QualityBalanced QualityTier = "balanced"
	QualityHigh     QualityTier = "high"
	QualityPremium  QualityTier = "premium"
)

// Message is a single conversation turn.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	TS      time.Time `json:"ts,omitempty"`
}

// Frame is one unit of streamed output pushed to a StreamSink.
type Frame struct {
	DeltaText   string         `json:"delta_text,omitempty"`
	DeltaMeta   map[string]any `json:"delta_meta,omitempty"`
	Done        bool           `json:"done,omitempty"`
	SummaryMeta map[string]any `json:"summary_meta,omitempty"`
}

// StreamSink receives incremental output during generation. Implementations
// must tolerate Push after the consumer has gone away (return an error, never
// block indefinitely).
type StreamSink interface {
	Push(Frame) error
}

// ExecutionState is the shared typed record threaded through a graph run.
// Nodes never mutate it directly; they return deltas in NodeResult and the
// engine applies the merge rules.
type ExecutionState struct {
	QueryID       string
	CorrelationID string
	PrincipalID   string
	SessionID     string

	OriginalQuery string
	History       []Message

	// Intermediate holds per-node output data keyed by node name.
	Intermediate map[string]any

	BudgetStart     float64
	BudgetRemaining float64
	Deadline        time.Time
	Quality         QualityTier

	// Path is the ordered list of node names executed so far.
	Path        []string
	Confidences map[string]float64
	Costs       map[string]float64
	// Workers records which worker served each node that used one.
	Workers map[string]string
	Errors      []Error
	Warnings    []string

	FinalResponse string
	ResponseMeta  map[string]any

	// Shadow marks a detached mirror execution; shadow runs never write to
	// user-visible caches or conversation logs.
	Shadow bool

	Sink StreamSink
}

// NewExecutionState returns a state initialized for a run.
func NewExecutionState(queryID, correlationID string) *ExecutionState {
	return &ExecutionState{
		QueryID:       queryID,
		CorrelationID: correlationID,
		Intermediate:  make(map[string]any),
		Confidences:   make(map[string]float64),
		Costs:         make(map[string]float64),
		Workers:       make(map[string]string),
		ResponseMeta:  make(map[string]any),
	}
}

// TotalCost sums all recorded per-node costs.
func (s *ExecutionState) TotalCost() float64 {
	var total float64
	for _, c := range s.Costs {
		total += c
	}
	return total
}

// Get returns a value from Intermediate, with presence.
func (s *ExecutionState) Get(node string) (any, bool) {
	v, ok := s.Intermediate[node]
	return v, ok
}

// GetMap returns a node's intermediate data as a map, or nil.
func (s *ExecutionState) GetMap(node string) map[string]any {
	if m, ok := s.Intermediate[node].(map[string]any); ok {
		return m
	}
	return nil
}

// apply merges a node's result into the state. Called only by the engine,
// after the node has fully returned; per-request execution is sequential so
// no locking is needed.
func (s *ExecutionState) apply(node string, res NodeResult) {
	s.Path = append(s.Path, node)
	if res.Data != nil {
		s.Intermediate[node] = res.Data
		// Reserved keys let a node publish the user-facing result without
		// mutating the state directly.
		if fr, ok := res.Data["final_response"].(string); ok {
			s.FinalResponse = fr
		}
		if meta, ok := res.Data["response_meta"].(map[string]any); ok {
			for k, v := range meta {
				s.ResponseMeta[k] = v
			}
		}
	}
	if res.Confidence > 0 {
		s.Confidences[node] = res.Confidence
	}
	if res.Cost > 0 {
		s.Costs[node] += res.Cost
		s.BudgetRemaining -= res.Cost
	}
	if res.WorkerUsed != "" {
		s.Workers[node] = res.WorkerUsed
	}
	if res.Err != nil {
		e := *res.Err
		if e.Node == "" {
			e.Node = node
		}
		s.Errors = append(s.Errors, e)
	}
	for _, w := range res.Warnings {
		s.Warnings = append(s.Warnings, w)
	}
}
