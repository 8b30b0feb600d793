package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
)

// HTTPSearchProvider is a web-search client over a JSON HTTP API, wrapped in
// a circuit breaker so a dead provider fails fast and the workflow moves to
// the next provider in its fallback order.
type HTTPSearchProvider struct {
	id          string
	endpoint    string
	apiKey      string
	costPerCall float64
	http        *http.Client
	breaker     *gobreaker.CircuitBreaker
}

// SearchProviderOptions configures an HTTPSearchProvider.
type SearchProviderOptions struct {
	ID          string
	Endpoint    string
	APIKey      string
	CostPerCall float64
	Timeout     time.Duration
}

// NewHTTPSearchProvider constructs a provider client. The breaker opens
// after 5 consecutive failures and probes again after 30 seconds.
func NewHTTPSearchProvider(opts SearchProviderOptions) *HTTPSearchProvider {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	settings := gobreaker.Settings{
		Name:    "search-" + opts.ID,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &HTTPSearchProvider{
		id:          opts.ID,
		endpoint:    opts.Endpoint,
		apiKey:      opts.APIKey,
		costPerCall: opts.CostPerCall,
		http:        &http.Client{Timeout: timeout},
		breaker:     gobreaker.NewCircuitBreaker(settings),
	}
}

// ID implements SearchProvider.
func (p *HTTPSearchProvider) ID() string { return p.id }

type searchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Snippet string  `json:"snippet"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search implements SearchProvider. An open breaker returns an error
// immediately without touching the network.
func (p *HTTPSearchProvider) Search(ctx context.Context, query string, limit int) ([]SearchResult, float64, error) {
	raw, err := p.breaker.Execute(func() (any, error) {
		return p.doSearch(ctx, query, limit)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("search provider %s: %w", p.id, err)
	}
	return raw.([]SearchResult), p.costPerCall, nil
}

func (p *HTTPSearchProvider) doSearch(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("q", query)
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var payload searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	out := make([]SearchResult, 0, len(payload.Results))
	for _, r := range payload.Results {
		out = append(out, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Snippet, Score: r.Score})
	}
	return out, nil
}
