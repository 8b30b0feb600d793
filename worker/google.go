package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GoogleClient implements InferenceClient on the Gemini API.
type GoogleClient struct {
	client googleGenerator
}

type googleGenerator interface {
	generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// NewGoogleClient creates an adapter authenticated with the given key. The
// underlying genai client is created lazily on first call because its
// constructor needs a context.
func NewGoogleClient(apiKey string) *GoogleClient {
	return &GoogleClient{client: &googleDefaultClient{apiKey: apiKey}}
}

// Generate implements InferenceClient.
func (c *GoogleClient) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if ctx.Err() != nil {
		return GenerateResult{}, ctx.Err()
	}
	return c.client.generate(ctx, req)
}

// EnsureLoaded implements InferenceClient; hosted models are always loaded.
func (c *GoogleClient) EnsureLoaded(context.Context, string) error { return nil }

// Unload implements InferenceClient.
func (c *GoogleClient) Unload(context.Context, string) error { return nil }

// ListModels implements InferenceClient.
func (c *GoogleClient) ListModels(context.Context) ([]ModelInfo, error) {
	return nil, nil
}

// Health implements InferenceClient.
func (c *GoogleClient) Health(context.Context) error { return nil }

type googleDefaultClient struct {
	apiKey string

	once    sync.Once
	api     *genai.Client
	initErr error
}

func (d *googleDefaultClient) ensure(ctx context.Context) error {
	d.once.Do(func() {
		client, err := genai.NewClient(ctx, option.WithAPIKey(d.apiKey))
		if err != nil {
			d.initErr = fmt.Errorf("gemini client: %w", err)
			return
		}
		d.api = client
	})
	return d.initErr
}

func (d *googleDefaultClient) generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if err := d.ensure(ctx); err != nil {
		return GenerateResult{}, err
	}
	model := d.api.GenerativeModel(req.Model)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	// Gemini wants history separate from the final user turn.
	session := model.StartChat()
	var last string
	for i, m := range req.Messages {
		if i == len(req.Messages)-1 {
			last = m.Content
			break
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		session.History = append(session.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}

	resp, err := session.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return GenerateResult{}, err
	}
	var text string
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text += string(t)
			}
		}
	}
	out := GenerateResult{Text: text}
	if resp.UsageMetadata != nil {
		out.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
		out.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	out.CostUSD = CostUSD(req.Model, out.TokensIn, out.TokensOut)
	if req.Stream != nil && text != "" {
		req.Stream(text)
	}
	return out, nil
}
