// Package worker defines the outbound contracts the orchestrator calls
// through (inference daemons, hosted model APIs, web search, scraping) and
// their concrete clients.
package worker

import (
	"context"
	"time"
)

// GenerateRequest is one inference call.
type GenerateRequest struct {
	Model     string
	System    string
	Messages  []ChatMessage
	MaxTokens int

	// Stream, when non-nil, receives text deltas as they arrive. The final
	// GenerateResult still carries the full text.
	Stream func(delta string)
}

// ChatMessage is a single turn in provider-neutral form.
type ChatMessage struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// GenerateResult is the outcome of an inference call.
type GenerateResult struct {
	Text      string
	TokensIn  int
	TokensOut int
	CostUSD   float64

	// TTFT is time to first token; zero when the provider does not stream.
	TTFT time.Duration
}

// ModelInfo describes a model known to an inference backend.
type ModelInfo struct {
	Name      string
	SizeBytes int64
	Loaded    bool
}

// InferenceClient is the contract for inference backends, local or remote.
// Remote providers implement EnsureLoaded and Unload as no-ops.
type InferenceClient interface {
	// Generate runs one completion.
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)

	// EnsureLoaded makes the model resident, blocking until it is ready.
	EnsureLoaded(ctx context.Context, model string) error

	// Unload releases the model's resources.
	Unload(ctx context.Context, model string) error

	// ListModels enumerates models the backend can serve.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// Health reports backend liveness.
	Health(ctx context.Context) error
}

// SearchResult is one hit from a web-search provider.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
	Score   float64
}

// SearchProvider is the contract for web-search backends.
type SearchProvider interface {
	// ID names the provider for routing and stats.
	ID() string

	// Search runs a query and returns ranked results plus the call's cost.
	Search(ctx context.Context, query string, limit int) ([]SearchResult, float64, error)
}

// Page is fetched, extracted page content.
type Page struct {
	URL   string
	Title string
	Text  string
}

// Scraper fetches a URL and extracts its readable text.
type Scraper interface {
	Fetch(ctx context.Context, url string) (Page, error)
}
