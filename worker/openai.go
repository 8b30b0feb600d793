package worker

import (
	"context"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient implements InferenceClient on the OpenAI API. Models are
// hosted; EnsureLoaded and Unload are no-ops.
type OpenAIClient struct {
	client openaiCompleter
}

// openaiCompleter is the slice of the SDK we use, kept as an interface so
// tests can substitute a fake.
type openaiCompleter interface {
	complete(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// NewOpenAIClient creates an adapter authenticated with the given key.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{client: &openaiDefaultClient{
		api: openai.NewClient(option.WithAPIKey(apiKey)),
	}}
}

// Generate implements InferenceClient.
func (c *OpenAIClient) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if ctx.Err() != nil {
		return GenerateResult{}, ctx.Err()
	}
	return c.client.complete(ctx, req)
}

// EnsureLoaded implements InferenceClient; hosted models are always loaded.
func (c *OpenAIClient) EnsureLoaded(context.Context, string) error { return nil }

// Unload implements InferenceClient.
func (c *OpenAIClient) Unload(context.Context, string) error { return nil }

// ListModels implements InferenceClient. The orchestrator routes to models
// from configuration, so enumeration is not supported here.
func (c *OpenAIClient) ListModels(context.Context) ([]ModelInfo, error) {
	return nil, nil
}

// Health implements InferenceClient. Hosted availability is observed through
// call outcomes rather than a probe endpoint.
func (c *OpenAIClient) Health(context.Context) error { return nil }

type openaiDefaultClient struct {
	api openai.Client
}

func (d *openaiDefaultClient) complete(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.System != "" {
		params.Messages = append(params.Messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	resp, err := d.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return GenerateResult{}, err
	}
	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	out := GenerateResult{
		Text:      text,
		TokensIn:  int(resp.Usage.PromptTokens),
		TokensOut: int(resp.Usage.CompletionTokens),
	}
	out.CostUSD = CostUSD(req.Model, out.TokensIn, out.TokensOut)
	if req.Stream != nil && text != "" {
		req.Stream(text)
	}
	return out, nil
}

// IsTransientProviderError reports whether a hosted-provider error looks
// retryable: network trouble, timeouts, rate limits, or 5xx responses.
func IsTransientProviderError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout", "timed out", "connection", "network",
		"rate limit", "429", "500", "502", "503", "504", "overloaded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
