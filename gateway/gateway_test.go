package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/kettleworks/maestro/graph"
	"github.com/kettleworks/maestro/orchestrator"
)

// fakeInvoker returns canned results and records requests.
type fakeInvoker struct {
	result   orchestrator.Result
	requests []orchestrator.Request
	stream   []string
}

func (f *fakeInvoker) Invoke(ctx context.Context, req orchestrator.Request) orchestrator.Result {
	f.requests = append(f.requests, req)
	if req.Sink != nil {
		for _, delta := range f.stream {
			_ = req.Sink.Push(graph.Frame{DeltaText: delta})
		}
	}
	res := f.result
	res.CorrelationID = req.CorrelationID
	return res
}

func newTestServer(t *testing.T, inv *fakeInvoker, mutate func(*Options)) *httptest.Server {
	t.Helper()
	opts := Options{
		Orchestrator: inv,
		Gatherer:     prometheus.NewRegistry(),
		Log:          zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv := httptest.NewServer(New(opts))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) invokeResponse {
	t.Helper()
	defer resp.Body.Close()
	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestGateway(t *testing.T) {
	t.Run("chat returns the orchestrator result", func(t *testing.T) {
		inv := &fakeInvoker{result: orchestrator.Result{
			QueryID:  "q-1",
			Response: "hello back",
			CostUSD:  0.002,
			Duration: 120 * time.Millisecond,
			Meta:     map[string]any{"intent": "conversation"},
		}}
		srv := newTestServer(t, inv, nil)

		resp := postJSON(t, srv.URL+"/v1/chat", `{"query":"hello","session_id":"s1"}`, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		out := decodeResponse(t, resp)
		if out.Response != "hello back" || out.QueryID != "q-1" {
			t.Errorf("response = %+v", out)
		}
		if out.CorrelationID == "" {
			t.Error("correlation id not assigned")
		}

		if len(inv.requests) != 1 {
			t.Fatalf("invoked %d times", len(inv.requests))
		}
		got := inv.requests[0]
		if got.Workflow != "chat" || got.Query != "hello" || got.SessionID != "s1" {
			t.Errorf("request = %+v", got)
		}
		if got.PrincipalID != "anonymous" || got.Tier != graph.QualityBalanced {
			t.Errorf("principal defaults = %s/%s", got.PrincipalID, got.Tier)
		}
	})

	t.Run("api key maps to principal and tier", func(t *testing.T) {
		inv := &fakeInvoker{result: orchestrator.Result{Response: "ok"}}
		srv := newTestServer(t, inv, func(o *Options) {
			o.APIKeys = map[string]Principal{
				"sk-alice": {ID: "alice", Tier: graph.QualityHigh},
			}
		})

		resp := postJSON(t, srv.URL+"/v1/search", `{"query":"find things"}`,
			map[string]string{"X-API-Key": "sk-alice"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		resp.Body.Close()
		if got := inv.requests[0]; got.PrincipalID != "alice" || got.Tier != graph.QualityHigh {
			t.Errorf("principal = %s/%s", got.PrincipalID, got.Tier)
		}

		unauth := postJSON(t, srv.URL+"/v1/search", `{"query":"x"}`, nil)
		if unauth.StatusCode != http.StatusUnauthorized {
			t.Errorf("missing key status = %d", unauth.StatusCode)
		}
		unauth.Body.Close()
	})

	t.Run("explicit tier in the body wins", func(t *testing.T) {
		inv := &fakeInvoker{result: orchestrator.Result{Response: "ok"}}
		srv := newTestServer(t, inv, nil)
		resp := postJSON(t, srv.URL+"/v1/chat", `{"query":"x","tier":"premium"}`, nil)
		resp.Body.Close()
		if got := inv.requests[0].Tier; got != graph.QualityPremium {
			t.Errorf("tier = %s, want premium", got)
		}
	})

	t.Run("rate limited maps to 429 with retry-after", func(t *testing.T) {
		inv := &fakeInvoker{result: orchestrator.Result{
			ErrorKind:  graph.KindRateLimited,
			RetryAfter: 42 * time.Second,
		}}
		srv := newTestServer(t, inv, nil)

		resp := postJSON(t, srv.URL+"/v1/chat", `{"query":"x"}`, nil)
		if resp.StatusCode != http.StatusTooManyRequests {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if got := resp.Header.Get("Retry-After"); got != "42" {
			t.Errorf("Retry-After = %q", got)
		}
		out := decodeResponse(t, resp)
		if out.Response != "" || out.Message == "" {
			t.Errorf("refusal body = %+v", out)
		}
	})

	t.Run("budget exceeded maps to 402", func(t *testing.T) {
		inv := &fakeInvoker{result: orchestrator.Result{ErrorKind: graph.KindBudgetExceeded}}
		srv := newTestServer(t, inv, nil)
		resp := postJSON(t, srv.URL+"/v1/chat", `{"query":"x"}`, nil)
		if resp.StatusCode != http.StatusPaymentRequired {
			t.Errorf("status = %d", resp.StatusCode)
		}
		resp.Body.Close()
	})

	t.Run("degraded results still return 200 with error kind", func(t *testing.T) {
		inv := &fakeInvoker{result: orchestrator.Result{
			Response:  "partial answer",
			ErrorKind: graph.KindProviderFailed,
		}}
		srv := newTestServer(t, inv, nil)
		resp := postJSON(t, srv.URL+"/v1/search", `{"query":"x"}`, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		out := decodeResponse(t, resp)
		if out.Response != "partial answer" || out.ErrorKind != string(graph.KindProviderFailed) {
			t.Errorf("body = %+v", out)
		}
	})

	t.Run("missing query is a 400", func(t *testing.T) {
		inv := &fakeInvoker{}
		srv := newTestServer(t, inv, nil)
		resp := postJSON(t, srv.URL+"/v1/chat", `{}`, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d", resp.StatusCode)
		}
		resp.Body.Close()
		if len(inv.requests) != 0 {
			t.Error("orchestrator invoked for an invalid request")
		}
	})

	t.Run("streaming frames arrive as SSE", func(t *testing.T) {
		inv := &fakeInvoker{
			result: orchestrator.Result{QueryID: "q-9", Response: "he llo"},
			stream: []string{"he ", "llo"},
		}
		srv := newTestServer(t, inv, nil)

		resp := postJSON(t, srv.URL+"/v1/chat", `{"query":"x","stream":true}`, nil)
		defer resp.Body.Close()
		if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
			t.Fatalf("Content-Type = %q", ct)
		}

		var frames []graph.Frame
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var f graph.Frame
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f); err != nil {
				t.Fatalf("bad frame %q: %v", line, err)
			}
			frames = append(frames, f)
			if f.Done {
				break
			}
		}
		if len(frames) != 3 {
			t.Fatalf("got %d frames, want 2 deltas + done", len(frames))
		}
		if frames[0].DeltaText+frames[1].DeltaText != "he llo" {
			t.Errorf("deltas = %q %q", frames[0].DeltaText, frames[1].DeltaText)
		}
		last := frames[len(frames)-1]
		if !last.Done || last.SummaryMeta["query_id"] != "q-9" {
			t.Errorf("terminal frame = %+v", last)
		}
	})

	t.Run("healthz aggregates checks", func(t *testing.T) {
		srv := newTestServer(t, &fakeInvoker{}, func(o *Options) {
			o.Health = map[string]HealthChecker{
				"cache":   func(context.Context) error { return nil },
				"archive": func(context.Context) error { return errors.New("down") },
			}
		})

		resp, err := http.Get(srv.URL + "/healthz")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var body struct {
			Checks map[string]string `json:"checks"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Checks["cache"] != "ok" || body.Checks["archive"] != "down" {
			t.Errorf("checks = %v", body.Checks)
		}
	})

	t.Run("metrics endpoint serves", func(t *testing.T) {
		srv := newTestServer(t, &fakeInvoker{}, nil)
		resp, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})
}
