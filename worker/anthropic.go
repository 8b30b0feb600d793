package worker

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient implements InferenceClient on the Anthropic Messages API.
// The system prompt travels in a dedicated parameter rather than as a
// message, so it is split out before the call.
type AnthropicClient struct {
	client anthropicMessenger
}

type anthropicMessenger interface {
	message(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// NewAnthropicClient creates an adapter authenticated with the given key.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{client: &anthropicDefaultClient{
		api: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}}
}

// Generate implements InferenceClient.
func (c *AnthropicClient) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if ctx.Err() != nil {
		return GenerateResult{}, ctx.Err()
	}
	return c.client.message(ctx, req)
}

// EnsureLoaded implements InferenceClient; hosted models are always loaded.
func (c *AnthropicClient) EnsureLoaded(context.Context, string) error { return nil }

// Unload implements InferenceClient.
func (c *AnthropicClient) Unload(context.Context, string) error { return nil }

// ListModels implements InferenceClient.
func (c *AnthropicClient) ListModels(context.Context) ([]ModelInfo, error) {
	return nil, nil
}

// Health implements InferenceClient.
func (c *AnthropicClient) Health(context.Context) error { return nil }

type anthropicDefaultClient struct {
	api anthropic.Client
}

func (d *anthropicDefaultClient) message(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}

	system := req.System
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			// Anthropic takes system content separately; fold extra system
			// turns into the system parameter.
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case "assistant":
			params.Messages = append(params.Messages,
				anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := d.api.Messages.New(ctx, params)
	if err != nil {
		return GenerateResult{}, err
	}
	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	out := GenerateResult{
		Text:      text,
		TokensIn:  int(resp.Usage.InputTokens),
		TokensOut: int(resp.Usage.OutputTokens),
	}
	out.CostUSD = CostUSD(req.Model, out.TokensIn, out.TokensOut)
	if req.Stream != nil && text != "" {
		req.Stream(text)
	}
	return out, nil
}
