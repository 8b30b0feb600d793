// Package gateway is the HTTP surface: it authenticates principals, maps
// requests onto workflow invocations, and transports results as JSON or SSE.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kettleworks/maestro/graph"
	"github.com/kettleworks/maestro/orchestrator"
	"github.com/kettleworks/maestro/workflow"
)

// Principal identifies an authenticated caller and its default tier.
type Principal struct {
	ID   string
	Tier graph.QualityTier
}

// Invoker is the slice of the orchestrator the gateway needs.
type Invoker interface {
	Invoke(ctx context.Context, req orchestrator.Request) orchestrator.Result
}

// HealthChecker reports readiness of a dependency.
type HealthChecker func(ctx context.Context) error

// Options configures a Server.
type Options struct {
	Orchestrator Invoker

	// APIKeys maps X-API-Key values to principals. Empty disables auth and
	// admits every caller as "anonymous" at balanced tier.
	APIKeys map[string]Principal

	// Health checks are probed by /healthz, keyed by dependency name.
	Health map[string]HealthChecker

	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer

	Log zerolog.Logger
}

// Server is the HTTP gateway.
type Server struct {
	orch    Invoker
	apiKeys map[string]Principal
	health  map[string]HealthChecker
	router  chi.Router
	log     zerolog.Logger
}

// New constructs the gateway and its route table.
func New(opts Options) *Server {
	s := &Server{
		orch:    opts.Orchestrator,
		apiKeys: opts.APIKeys,
		health:  opts.Health,
		log:     opts.Log,
	}

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.correlationID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/chat", s.handleInvoke(workflow.ChatGraphName))
		r.Post("/search", s.handleInvoke(workflow.SearchGraphName))
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type ctxKey int

const (
	ctxKeyPrincipal ctxKey = iota
	ctxKeyCorrelation
)

// correlationID assigns or propagates X-Correlation-ID.
func (s *Server) correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyCorrelation, id)))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(started)).
			Str("correlation_id", correlationFrom(r.Context())).
			Msg("request")
	})
}

// authenticate resolves the principal from X-API-Key.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := Principal{ID: "anonymous", Tier: graph.QualityBalanced}
		if len(s.apiKeys) > 0 {
			key := r.Header.Get("X-API-Key")
			p, ok := s.apiKeys[key]
			if !ok {
				writeError(w, http.StatusUnauthorized, "invalid or missing API key", correlationFrom(r.Context()))
				return
			}
			principal = p
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyPrincipal, principal)))
	})
}

func principalFrom(ctx context.Context) Principal {
	if p, ok := ctx.Value(ctxKeyPrincipal).(Principal); ok {
		return p
	}
	return Principal{ID: "anonymous", Tier: graph.QualityBalanced}
}

func correlationFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyCorrelation).(string); ok {
		return id
	}
	return ""
}

// invokeRequest is the JSON body accepted by /v1/chat and /v1/search.
type invokeRequest struct {
	Query      string  `json:"query"`
	SessionID  string  `json:"session_id,omitempty"`
	Tier       string  `json:"tier,omitempty"`
	Stream     bool    `json:"stream,omitempty"`
	MaxCost    float64 `json:"max_cost,omitempty"`
	DeadlineMS int64   `json:"deadline_ms,omitempty"`
}

// invokeResponse is the JSON projection of a Result.
type invokeResponse struct {
	QueryID       string         `json:"query_id"`
	CorrelationID string         `json:"correlation_id"`
	Response      string         `json:"response,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
	CostUSD       float64        `json:"cost_usd"`
	DurationMS    int64          `json:"duration_ms"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	Message       string         `json:"message,omitempty"`
	RetryAfterMS  int64          `json:"retry_after_ms,omitempty"`
}

func (s *Server) handleInvoke(workflowName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body invokeRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body", correlationFrom(r.Context()))
			return
		}
		if body.Query == "" {
			writeError(w, http.StatusBadRequest, "query is required", correlationFrom(r.Context()))
			return
		}

		principal := principalFrom(r.Context())
		req := orchestrator.Request{
			Workflow:      workflowName,
			Query:         body.Query,
			PrincipalID:   principal.ID,
			SessionID:     body.SessionID,
			CorrelationID: correlationFrom(r.Context()),
			Tier:          principal.Tier,
			MaxCost:       body.MaxCost,
		}
		if body.Tier != "" {
			req.Tier = graph.QualityTier(body.Tier)
		}
		if body.DeadlineMS > 0 {
			req.Deadline = time.Now().Add(time.Duration(body.DeadlineMS) * time.Millisecond)
		}

		if body.Stream {
			s.invokeStreaming(w, r, req)
			return
		}

		result := s.orch.Invoke(r.Context(), req)
		writeResult(w, result)
	}
}

// invokeStreaming runs the request with an SSE sink attached. The HTTP
// status is committed before the outcome is known, so refusals arrive as a
// terminal frame instead of a status code.
func (s *Server) invokeStreaming(w http.ResponseWriter, r *http.Request, req orchestrator.Request) {
	sink, err := newSSESink(w, r.Context().Done())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", req.CorrelationID)
		return
	}
	req.Sink = sink

	result := s.orch.Invoke(r.Context(), req)

	meta := map[string]any{
		"query_id":       result.QueryID,
		"correlation_id": result.CorrelationID,
		"cost_usd":       result.CostUSD,
		"duration_ms":    result.Duration.Milliseconds(),
	}
	for k, v := range result.Meta {
		meta[k] = v
	}
	if result.ErrorKind != "" {
		meta["error_kind"] = string(result.ErrorKind)
		meta["message"] = refusalMessage(result.ErrorKind)
	}
	sink.finish(meta)
}

func writeResult(w http.ResponseWriter, result orchestrator.Result) {
	resp := invokeResponse{
		QueryID:       result.QueryID,
		CorrelationID: result.CorrelationID,
		Response:      result.Response,
		Meta:          result.Meta,
		CostUSD:       result.CostUSD,
		DurationMS:    result.Duration.Milliseconds(),
		ErrorKind:     string(result.ErrorKind),
	}

	status := http.StatusOK
	switch result.ErrorKind {
	case "":
	case graph.KindRateLimited:
		status = http.StatusTooManyRequests
		resp.RetryAfterMS = result.RetryAfter.Milliseconds()
		resp.Response = ""
		resp.Message = refusalMessage(result.ErrorKind)
		w.Header().Set("Retry-After", retryAfterSeconds(result.RetryAfter))
	case graph.KindBudgetExceeded:
		status = http.StatusPaymentRequired
		resp.Response = ""
		resp.Message = refusalMessage(result.ErrorKind)
	case graph.KindBudgetUnknown:
		status = http.StatusServiceUnavailable
		resp.Message = refusalMessage(result.ErrorKind)
	default:
		// Degraded payloads ship with their error kind in band.
		resp.Message = refusalMessage(result.ErrorKind)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func refusalMessage(kind graph.ErrorKind) string {
	switch kind {
	case graph.KindRateLimited:
		return "rate limit reached; retry after the indicated delay"
	case graph.KindBudgetExceeded:
		return "budget exhausted for the current billing window"
	case graph.KindBudgetUnknown:
		return "budget ledger unavailable; request refused"
	default:
		return "request completed with a degraded result"
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.health))
	for name, check := range s.health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks[name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": http.StatusText(status),
		"checks": checks,
	})
}

func writeError(w http.ResponseWriter, status int, message, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(invokeResponse{
		CorrelationID: correlationID,
		Message:       message,
	})
}
