package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kettleworks/maestro/cache"
	"github.com/kettleworks/maestro/graph"
	"github.com/kettleworks/maestro/manager"
	"github.com/kettleworks/maestro/worker"
)

const (
	// enhanceTop is how many results get fetched and scraped for full text.
	enhanceTop = 3

	// enhanceThreshold gates enhancement on result relevance; below it the
	// snippet is kept as-is.
	enhanceThreshold = 0.5

	// enhanceConcurrency bounds simultaneous scraper fetches per request.
	enhanceConcurrency = 2
)

// NewSearchGraph builds the federated search workflow:
//
//	router -> provider_search -> content_enhancer -> synthesiser
//	    -> finalise [terminal]
//
// with error_handler composing a degraded answer from whatever snippets
// survived.
func NewSearchGraph(deps Deps) *graph.Graph {
	n := &searchNodes{deps: deps}
	g := graph.New(SearchGraphName).
		Add("router", graph.NodeFunc(n.route)).
		Add("provider_search", graph.NodeFunc(n.search),
			graph.WithRetry(graph.DefaultRetryPolicy())).
		Add("content_enhancer", graph.NodeFunc(n.enhance)).
		Add("synthesiser", graph.NodeFunc(n.synthesize)).
		Add("finalise", graph.NodeFunc(n.finalize)).
		Add("error_handler", graph.NodeFunc(n.handleError), graph.WithErrorsHandled()).
		StartAt("router").
		Connect("router", "provider_search").
		Connect("provider_search", "content_enhancer").
		Connect("content_enhancer", "synthesiser").
		Connect("synthesiser", "finalise").
		Terminal("finalise").
		Terminal("error_handler").
		ErrorHandler("error_handler")
	return g
}

type searchNodes struct {
	deps Deps
}

// routeDecision is the cached portion of the router's verdict. Provider
// order is resolved live so configuration changes take effect immediately.
type routeDecision struct {
	SearchNeeded bool    `json:"search_needed"`
	Enhance      bool    `json:"enhance"`
	Complexity   float64 `json:"complexity"`
	MaxResults   int     `json:"max_results"`
}

// maxResultsFor scales the result count with complexity: a simple lookup
// needs fewer sources than a multi-part question.
func maxResultsFor(complexity float64) int {
	if complexity >= 0.5 {
		return 10
	}
	return 5
}

// route decides whether search is needed, how many results to fetch, and
// whether results should be enhanced with scraped full text. Decisions for
// identical queries are served from the route cache.
func (n *searchNodes) route(ctx context.Context, s *graph.ExecutionState) graph.NodeResult {
	providers := make([]string, 0, len(n.deps.Search))
	for _, p := range n.deps.Search {
		providers = append(providers, p.ID())
	}
	if len(providers) == 0 {
		return graph.Fail(graph.Errf(graph.KindProviderFailed, "no search providers configured"))
	}

	routeKey := cache.ContentKey(s.OriginalQuery, SearchGraphName)
	var d routeDecision
	cached := false
	if raw, ok := n.deps.Cache.Get(ctx, cache.NSRoute, routeKey); ok {
		cached = json.Unmarshal(raw, &d) == nil
	}
	if !cached {
		complexity := complexityScore(s.OriginalQuery)
		d = routeDecision{
			SearchNeeded: true,
			Enhance:      complexity >= 0.5,
			Complexity:   complexity,
			MaxResults:   maxResultsFor(complexity),
		}
		if raw, err := json.Marshal(d); err == nil {
			n.deps.Cache.Set(ctx, cache.NSRoute, routeKey, raw)
		}
	}

	return graph.NodeResult{
		Success:    true,
		Confidence: 1,
		Data: map[string]any{
			"providers":     providers,
			"search_needed": d.SearchNeeded,
			"enhance":       d.Enhance,
			"complexity":    d.Complexity,
			"max_results":   d.MaxResults,
		},
	}
}

// search fans through the providers in order until one returns results.
// Raw provider responses are cached per (provider, canonical query); a hit
// skips the provider call and its cost. Per-provider failures are warnings;
// only total exhaustion is an error.
func (n *searchNodes) search(ctx context.Context, s *graph.ExecutionState) graph.NodeResult {
	started := time.Now()
	limit, _ := s.GetMap("router")["max_results"].(int)
	if limit <= 0 {
		limit = maxResultsFor(1)
	}
	queryKey := cache.ContentKey(s.OriginalQuery)

	var warnings []string
	var totalCost float64

	for _, p := range n.deps.Search {
		rawKey := p.ID() + ":" + queryKey
		if raw, ok := n.deps.Cache.Get(ctx, cache.NSResponse, rawKey); ok {
			var results []worker.SearchResult
			if json.Unmarshal(raw, &results) == nil && len(results) > 0 {
				return graph.NodeResult{
					Success:    true,
					Confidence: 0.9,
					Cost:       totalCost,
					Duration:   time.Since(started),
					WorkerUsed: p.ID(),
					Warnings:   warnings,
					Data: map[string]any{
						"results":    results,
						"provider":   p.ID(),
						"raw_cached": true,
					},
				}
			}
		}

		results, cost, err := p.Search(ctx, s.OriginalQuery, limit)
		totalCost += cost
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("provider %s: %v", p.ID(), err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if len(results) == 0 {
			warnings = append(warnings, fmt.Sprintf("provider %s: no results", p.ID()))
			continue
		}
		if raw, merr := json.Marshal(results); merr == nil {
			n.deps.Cache.Set(ctx, cache.NSResponse, rawKey, raw)
		}
		return graph.NodeResult{
			Success:    true,
			Confidence: 0.9,
			Cost:       totalCost,
			Duration:   time.Since(started),
			WorkerUsed: p.ID(),
			Warnings:   warnings,
			Data: map[string]any{
				"results":  results,
				"provider": p.ID(),
			},
		}
	}

	res := graph.Fail(graph.Errf(graph.KindProviderFailed,
		"all %d search providers failed", len(n.deps.Search)))
	res.Cost = totalCost
	res.Warnings = warnings
	return res
}

// enhance fetches full text for the top results that score above the
// relevance threshold, fanning out at most enhanceConcurrency scrapes at a
// time. Scrape failures keep the snippet.
func (n *searchNodes) enhance(ctx context.Context, s *graph.ExecutionState) graph.NodeResult {
	found := s.GetMap("provider_search")
	results, _ := found["results"].([]worker.SearchResult)
	wantEnhance, _ := s.GetMap("router")["enhance"].(bool)

	enhanced := make([]worker.SearchResult, len(results))
	copy(enhanced, results)

	var picked []int
	if wantEnhance && n.deps.Scraper != nil {
		for i := range enhanced {
			if len(picked) >= enhanceTop {
				break
			}
			if enhanced[i].Score >= enhanceThreshold {
				picked = append(picked, i)
			}
		}
	}

	type scrapeOut struct {
		idx  int
		text string
		err  error
	}
	sem := make(chan struct{}, enhanceConcurrency)
	outs := make(chan scrapeOut, len(picked))
	for _, idx := range picked {
		idx := idx
		go func() {
			sem <- struct{}{}
			defer func() { <-sem }()
			page, err := n.deps.Scraper.Fetch(ctx, enhanced[idx].URL)
			outs <- scrapeOut{idx: idx, text: page.Text, err: err}
		}()
	}

	var warnings []string
	scraped := 0
	for range picked {
		out := <-outs
		if out.err != nil {
			warnings = append(warnings, fmt.Sprintf("scrape %s: %v", enhanced[out.idx].URL, out.err))
			continue
		}
		if out.text != "" {
			enhanced[out.idx].Snippet = out.text
		}
		scraped++
	}

	return graph.NodeResult{
		Success:    true,
		Confidence: 0.95,
		Warnings:   warnings,
		Data: map[string]any{
			"results": enhanced,
			"scraped": scraped,
		},
	}
}

// synthesize asks a model to compose an answer grounded in the results,
// with numbered citations back to the sources.
func (n *searchNodes) synthesize(ctx context.Context, s *graph.ExecutionState) graph.NodeResult {
	results, _ := s.GetMap("content_enhancer")["results"].([]worker.SearchResult)

	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nSources:\n", s.OriginalQuery)
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, r.Title, r.URL, trimForPrompt(r.Snippet))
	}

	var stream func(string)
	if s.Sink != nil && !s.Shadow {
		sink := s.Sink
		stream = func(delta string) {
			_ = sink.Push(graph.Frame{DeltaText: delta})
		}
	}

	started := time.Now()
	res, workerID, err := n.deps.Manager.Generate(ctx, manager.TaskSynthesis, s.Quality,
		manager.Constraints{MaxCostPerCall: remainingBudgetCap(s), Deadline: s.Deadline},
		worker.GenerateRequest{
			System: "Answer the question using only the numbered sources. " +
				"Cite sources inline as [n]. Say so when the sources do not cover the question.",
			Messages: []worker.ChatMessage{{Role: "user", Content: b.String()}},
			Stream:   stream,
		})
	if err != nil {
		if ge, ok := err.(*graph.Error); ok {
			return graph.Fail(ge)
		}
		return graph.Fail(graph.Wrap(graph.KindUnknown, err, "synthesis failed"))
	}

	citations := make([]map[string]any, 0, len(results))
	for i, r := range results {
		citations = append(citations, map[string]any{
			"n": i + 1, "title": r.Title, "url": r.URL,
		})
	}

	return graph.NodeResult{
		Success:    true,
		Confidence: synthesisConfidence(s, results),
		Cost:       res.CostUSD,
		Duration:   time.Since(started),
		WorkerUsed: workerID,
		Data: map[string]any{
			"answer":    res.Text,
			"citations": citations,
		},
	}
}

const promptSnippetMax = 2000

func trimForPrompt(text string) string {
	if len(text) > promptSnippetMax {
		return text[:promptSnippetMax]
	}
	return text
}

// synthesisConfidence combines upstream node confidences with result
// relevance as a weighted geometric mean, clamped to [0.1, 0.99].
func synthesisConfidence(s *graph.ExecutionState, results []worker.SearchResult) float64 {
	product := 1.0
	count := 0
	for _, node := range []string{"provider_search", "content_enhancer"} {
		if c, ok := s.Confidences[node]; ok && c > 0 {
			product *= c
			count++
		}
	}
	var best float64
	for _, r := range results {
		if r.Score > best {
			best = r.Score
		}
	}
	if best > 0 {
		product *= best
		count++
	}
	if count == 0 {
		return 0.5
	}
	c := math.Pow(product, 1/float64(count))
	if c < 0.1 {
		return 0.1
	}
	if c > 0.99 {
		return 0.99
	}
	return c
}

// finalize publishes the synthesized answer and writes it to the response
// cache for identical future queries. Shadow runs skip the cache write.
func (n *searchNodes) finalize(ctx context.Context, s *graph.ExecutionState) graph.NodeResult {
	synth := s.GetMap("synthesiser")
	answer, _ := synth["answer"].(string)
	citations := synth["citations"]
	provider, _ := s.GetMap("provider_search")["provider"].(string)

	if !s.Shadow {
		n.writeResponseCache(ctx, s.OriginalQuery, answer)
	}

	return graph.NodeResult{
		Success: true,
		Data: map[string]any{
			"final_response": answer,
			"response_meta": map[string]any{
				"workflow":  SearchGraphName,
				"provider":  provider,
				"citations": citations,
			},
		},
	}
}

func (n *searchNodes) writeResponseCache(ctx context.Context, query, answer string) {
	if answer == "" {
		return
	}
	n.deps.Cache.Set(ctx, cache.NSResponse, cache.ContentKey(query, SearchGraphName), []byte(answer))
}

// handleError degrades to raw snippets when any were retrieved, otherwise
// apologizes per the failure kind.
func (n *searchNodes) handleError(ctx context.Context, s *graph.ExecutionState) graph.NodeResult {
	kind := graph.KindUnknown
	if len(s.Errors) > 0 {
		kind = s.Errors[len(s.Errors)-1].Kind
	}

	results := bestAvailableResults(s)
	if len(results) > 0 {
		var b strings.Builder
		b.WriteString("I could not synthesize a full answer, but here is what the search turned up:\n\n")
		limit := len(results)
		if limit > enhanceTop {
			limit = enhanceTop
		}
		for _, r := range results[:limit] {
			fmt.Fprintf(&b, "- %s (%s)\n  %s\n", r.Title, r.URL, firstLine(r.Snippet))
		}
		return graph.NodeResult{
			Success: true,
			Data: map[string]any{
				"final_response": b.String(),
				"response_meta": map[string]any{
					"degraded":   true,
					"error_kind": string(kind),
					"workflow":   SearchGraphName,
				},
			},
		}
	}

	var response string
	switch kind {
	case graph.KindProviderFailed:
		response = "Search is unavailable right now. Please try again shortly."
	case graph.KindBudgetExceeded:
		response = "This search would exceed the current usage budget."
	case graph.KindDeadlineExceeded, graph.KindWorkerTimeout:
		response = "The search took too long to complete. Please try again."
	default:
		response = "Something went wrong while searching. Please try again."
	}
	return graph.NodeResult{
		Success: true,
		Data: map[string]any{
			"final_response": response,
			"response_meta": map[string]any{
				"degraded":   true,
				"error_kind": string(kind),
				"workflow":   SearchGraphName,
			},
		},
	}
}

func bestAvailableResults(s *graph.ExecutionState) []worker.SearchResult {
	if r, ok := s.GetMap("content_enhancer")["results"].([]worker.SearchResult); ok && len(r) > 0 {
		return r
	}
	if r, ok := s.GetMap("provider_search")["results"].([]worker.SearchResult); ok {
		return r
	}
	return nil
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > 200 {
		text = text[:200]
	}
	return strings.TrimSpace(text)
}
