package worker

import (
	"context"
	"sync"
)

// MockInference is a test implementation of InferenceClient. It returns
// queued results in order (repeating the last one when exhausted), records
// every call, and can inject errors.
type MockInference struct {
	// Responses is the sequence of results to return.
	Responses []GenerateResult

	// Err, if set, is returned by Generate instead of a response.
	Err error

	// LoadErr, if set, is returned by EnsureLoaded.
	LoadErr error

	// Calls records every Generate invocation.
	Calls []GenerateRequest

	// Loaded tracks EnsureLoaded/Unload calls by model name.
	Loaded map[string]bool

	mu        sync.Mutex
	callIndex int
}

// Generate implements InferenceClient.
func (m *MockInference) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if ctx.Err() != nil {
		return GenerateResult{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)
	if m.Err != nil {
		return GenerateResult{}, m.Err
	}
	if len(m.Responses) == 0 {
		return GenerateResult{}, nil
	}
	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	res := m.Responses[idx]
	if req.Stream != nil && res.Text != "" {
		req.Stream(res.Text)
	}
	return res, nil
}

// EnsureLoaded implements InferenceClient.
func (m *MockInference) EnsureLoaded(_ context.Context, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return m.LoadErr
	}
	if m.Loaded == nil {
		m.Loaded = make(map[string]bool)
	}
	m.Loaded[model] = true
	return nil
}

// Unload implements InferenceClient.
func (m *MockInference) Unload(_ context.Context, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Loaded != nil {
		m.Loaded[model] = false
	}
	return nil
}

// ListModels implements InferenceClient.
func (m *MockInference) ListModels(context.Context) ([]ModelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ModelInfo
	for name, loaded := range m.Loaded {
		out = append(out, ModelInfo{Name: name, Loaded: loaded})
	}
	return out, nil
}

// Health implements InferenceClient.
func (m *MockInference) Health(context.Context) error { return nil }

// Reset clears call history and the response index.
func (m *MockInference) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
	m.Loaded = nil
}

// CallCount returns the number of Generate invocations.
func (m *MockInference) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// MockSearch is a test implementation of SearchProvider.
type MockSearch struct {
	Name    string
	Results []SearchResult
	Cost    float64
	Err     error

	mu      sync.Mutex
	Queries []string
	Limits  []int
}

// ID implements SearchProvider.
func (m *MockSearch) ID() string { return m.Name }

// Search implements SearchProvider.
func (m *MockSearch) Search(ctx context.Context, query string, limit int) ([]SearchResult, float64, error) {
	if ctx.Err() != nil {
		return nil, 0, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Queries = append(m.Queries, query)
	m.Limits = append(m.Limits, limit)
	if m.Err != nil {
		return nil, 0, m.Err
	}
	results := m.Results
	if limit > 0 && limit < len(results) {
		results = results[:limit]
	}
	return results, m.Cost, nil
}

// MockScraper is a test implementation of Scraper keyed by URL.
type MockScraper struct {
	Pages map[string]Page
	Err   error

	mu   sync.Mutex
	URLs []string
}

// Fetch implements Scraper.
func (m *MockScraper) Fetch(ctx context.Context, url string) (Page, error) {
	if ctx.Err() != nil {
		return Page{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.URLs = append(m.URLs, url)
	if m.Err != nil {
		return Page{}, m.Err
	}
	if page, ok := m.Pages[url]; ok {
		return page, nil
	}
	return Page{URL: url}, nil
}
