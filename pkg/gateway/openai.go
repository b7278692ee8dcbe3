package gateway

import (
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/gr8monk3ys/blog-ai/pkg/config"
)

// OpenAIBackend talks to the OpenAI chat completions API through the
// official SDK. It is the only backend with native JSON response mode.
type OpenAIBackend struct {
	client oai.Client
}

// NewOpenAIBackend builds a backend from provider config. The API key
// must already be resolved from the environment.
func NewOpenAIBackend(cfg *config.ProviderConfig) (*OpenAIBackend, error) {
	apiKey := cfg.APIKey()
	if apiKey == "" {
		return nil, fmt.Errorf("openai backend: %w: env %s is empty", ErrAuth, cfg.APIKeyEnv)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0), // the gateway owns retry policy
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIBackend{client: oai.NewClient(reqOpts...)}, nil
}

func (b *OpenAIBackend) Family() config.BackendFamily {
	return config.BackendOpenAI
}

func (b *OpenAIBackend) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: convertOpenAIMessages(req.Messages),
	}
	if req.Temperature > 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.JSONMode {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	var reqOpts []option.RequestOption
	if req.IdempotencyKey != "" {
		reqOpts = append(reqOpts, option.WithHeader("Idempotency-Key", req.IdempotencyKey))
	}

	resp, err := b.client.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}

	return &CompletionResponse{
		Text:      resp.Choices[0].Message.Content,
		TokensIn:  int(resp.Usage.PromptTokens),
		TokensOut: int(resp.Usage.CompletionTokens),
		HasUsage:  resp.Usage.TotalTokens > 0,
	}, nil
}

func convertOpenAIMessages(messages []Message) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, oai.SystemMessage(m.Content))
		case RoleAssistant:
			asst := oai.ChatCompletionAssistantMessageParam{}
			asst.Content.OfString = oai.String(m.Content)
			out = append(out, oai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		default:
			out = append(out, oai.UserMessage(m.Content))
		}
	}
	return out
}
