package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// LocalClient talks to the local inference daemon over its JSON/HTTP
// protocol. The daemon serves models from local weights, so calls carry no
// per-token dollar cost; the electricity-proxy cost comes from the worker
// descriptor.
//
// Endpoints:
//
//	GET  /v1/health
//	GET  /v1/models
//	POST /v1/load     {"model": "..."}
//	POST /v1/unload   {"model": "..."}
//	POST /v1/generate {"model": ..., "system": ..., "messages": [...], "max_tokens": N, "stream": bool}
//
// Generate with stream=true answers JSONL frames {"delta": "...", "done": false}
// ending with {"done": true, "tokens_in": N, "tokens_out": M}.
type LocalClient struct {
	baseURL string
	http    *http.Client
}

// NewLocalClient creates a client for a daemon at baseURL, e.g.
// "http://127.0.0.1:11434".
func NewLocalClient(baseURL string, timeout time.Duration) *LocalClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &LocalClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type localGenerateRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []localChatMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens,omitempty"`
	Stream    bool               `json:"stream"`
}

type localChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type localGenerateFrame struct {
	Delta     string `json:"delta,omitempty"`
	Done      bool   `json:"done"`
	TokensIn  int    `json:"tokens_in,omitempty"`
	TokensOut int    `json:"tokens_out,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Generate implements InferenceClient. Requests stream from the daemon so
// TTFT can be measured even when the caller does not consume deltas.
func (c *LocalClient) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	body := localGenerateRequest{
		Model:     req.Model,
		System:    req.System,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, localChatMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := c.post(ctx, "/v1/generate", body)
	if err != nil {
		return GenerateResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return GenerateResult{}, fmt.Errorf("local daemon: generate returned %d", resp.StatusCode)
	}

	var (
		out     GenerateResult
		text    bytes.Buffer
		started = time.Now()
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var frame localGenerateFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			return GenerateResult{}, fmt.Errorf("local daemon: bad frame: %w", err)
		}
		if frame.Error != "" {
			return GenerateResult{}, fmt.Errorf("local daemon: %s", frame.Error)
		}
		if frame.Delta != "" {
			if out.TTFT == 0 {
				out.TTFT = time.Since(started)
			}
			text.WriteString(frame.Delta)
			if req.Stream != nil {
				req.Stream(frame.Delta)
			}
		}
		if frame.Done {
			out.TokensIn = frame.TokensIn
			out.TokensOut = frame.TokensOut
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return GenerateResult{}, fmt.Errorf("local daemon: stream: %w", err)
	}
	out.Text = text.String()
	return out, nil
}

// EnsureLoaded implements InferenceClient, blocking until the daemon reports
// the model resident.
func (c *LocalClient) EnsureLoaded(ctx context.Context, model string) error {
	resp, err := c.post(ctx, "/v1/load", map[string]string{"model": model})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("local daemon: load %s returned %d", model, resp.StatusCode)
	}
	return nil
}

// Unload implements InferenceClient.
func (c *LocalClient) Unload(ctx context.Context, model string) error {
	resp, err := c.post(ctx, "/v1/unload", map[string]string{"model": model})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("local daemon: unload %s returned %d", model, resp.StatusCode)
	}
	return nil
}

// ListModels implements InferenceClient.
func (c *LocalClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("local daemon: models returned %d", resp.StatusCode)
	}
	var payload struct {
		Models []struct {
			Name      string `json:"name"`
			SizeBytes int64  `json:"size_bytes"`
			Loaded    bool   `json:"loaded"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("local daemon: decode models: %w", err)
	}
	out := make([]ModelInfo, 0, len(payload.Models))
	for _, m := range payload.Models {
		out = append(out, ModelInfo{Name: m.Name, SizeBytes: m.SizeBytes, Loaded: m.Loaded})
	}
	return out, nil
}

// Health implements InferenceClient.
func (c *LocalClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("local daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("local daemon: health returned %d", resp.StatusCode)
	}
	return nil
}

func (c *LocalClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local daemon: %w", err)
	}
	return resp, nil
}
