package gateway

import (
	"context"
	"fmt"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"

	"github.com/gr8monk3ys/blog-ai/pkg/config"
)

// AnyLLMBackend adapts an any-llm-go provider (Anthropic or Gemini) to
// the Backend interface. These providers have no native JSON response
// mode; the gateway shapes JSON output through the prompt and validates
// the result instead.
type AnyLLMBackend struct {
	family  config.BackendFamily
	backend anyllmlib.Provider
}

// NewAnyLLMBackend builds a backend for the given provider family.
// Supported families are anthropic and gemini; openai requests go to
// the native SDK backend instead.
func NewAnyLLMBackend(cfg *config.ProviderConfig) (*AnyLLMBackend, error) {
	apiKey := cfg.APIKey()
	if apiKey == "" {
		return nil, fmt.Errorf("%s backend: %w: env %s is empty", cfg.Family, ErrAuth, cfg.APIKeyEnv)
	}

	opts := []anyllmlib.Option{anyllmlib.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}

	var (
		backend anyllmlib.Provider
		err     error
	)
	switch cfg.Family {
	case config.BackendAnthropic:
		backend, err = anthropic.New(opts...)
	case config.BackendGemini:
		backend, err = gemini.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported any-llm family %q", cfg.Family)
	}
	if err != nil {
		return nil, fmt.Errorf("%s backend: %w", cfg.Family, err)
	}

	return &AnyLLMBackend{family: cfg.Family, backend: backend}, nil
}

func (b *AnyLLMBackend) Family() config.BackendFamily {
	return b.family
}

func (b *AnyLLMBackend) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	messages := make([]anyllmlib.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	params := anyllmlib.CompletionParams{
		Model:    req.Model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	// req.JSONMode is intentionally unused here: any-llm providers get
	// their JSON instructions through the prompt transcript.

	resp, err := b.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%s: completion: %w", b.family, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty choices in response", b.family)
	}

	out := &CompletionResponse{Text: resp.Choices[0].Message.ContentString()}
	if resp.Usage != nil {
		out.TokensIn = resp.Usage.PromptTokens
		out.TokensOut = resp.Usage.CompletionTokens
		out.HasUsage = resp.Usage.TotalTokens > 0
	}
	return out, nil
}
