package providers

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	defaultOpenAIModel     = "gpt-5.2-codex"
	defaultEmbeddingModel  = "text-embedding-3-small"
	defaultOpenAIMaxTokens = 4096
)

// OpenAIConfig configures the OpenAI completion and embedding adapter.
type OpenAIConfig struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	MaxTokens      int
	BaseURL        string
}

// OpenAIProvider implements CompletionProvider and EmbeddingProvider over
// the OpenAI SDK.
type OpenAIProvider struct {
	client *openai.Client
	config OpenAIConfig
}

// NewOpenAIProvider creates an OpenAI-backed provider.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	if config.Model == "" {
		config.Model = defaultOpenAIModel
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = defaultEmbeddingModel
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = defaultOpenAIMaxTokens
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	client := openai.NewClient(opts...)

	return &OpenAIProvider{
		client: &client,
		config: config,
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            p.convertMessages(req),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai complete: %w", err)
	}

	return p.convertResponse(completion), nil
}

func (p *OpenAIProvider) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	result, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(p.config.EmbeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: inputs,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}

	vectors := make([][]float32, len(result.Data))
	for i, item := range result.Data {
		vector := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vector[j] = float32(v)
		}
		vectors[i] = vector
	}
	return vectors, nil
}

func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

func (p *OpenAIProvider) convertMessages(req *Request) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}
	return messages
}

func (p *OpenAIProvider) convertResponse(completion *openai.ChatCompletion) *Response {
	choices := make([]Choice, 0, len(completion.Choices))
	for _, choice := range completion.Choices {
		choices = append(choices, Choice{
			Message: Message{
				Role:    RoleAssistant,
				Content: choice.Message.Content,
			},
			FinishReason: string(choice.FinishReason),
		})
	}

	return &Response{
		Model:   completion.Model,
		Choices: choices,
		Usage: Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
}
