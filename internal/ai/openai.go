package ai

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

type openAIConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

type openAIProvider struct {
	name   string
	client *openai.Client
	hasKey bool
}

func (p *openAIProvider) Name() string {
	return p.name
}

func (p *openAIProvider) Generate(ctx context.Context, model string, req *GenerateRequest) (string, error) {
	if !p.hasKey {
		return "", ErrUnavailable
	}
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%s chat completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s response has no choices", p.name)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (p *openAIProvider) Embed(ctx context.Context, model string, text string) (*Embedding, error) {
	if !p.hasKey {
		return nil, ErrUnavailable
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(model),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("%s embeddings: %w", p.name, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%s response has no embeddings", p.name)
	}
	raw := resp.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i := range raw {
		vec[i] = float32(raw[i])
	}
	tokens := resp.Usage.TotalTokens
	if tokens == 0 {
		tokens = estimateTokens(text)
	}
	return &Embedding{Vector: vec, Tokens: tokens}, nil
}

func newOpenAICompatible(name, defaultBaseURL string) ProviderFactory {
	return func(args interface{}) (IProvider, error) {
		cfg := &openAIConfig{}
		if err := decodeConfig(args, cfg); err != nil {
			return nil, err
		}
		apiKey := strings.TrimSpace(cfg.APIKey)
		clientCfg := openai.DefaultConfig(apiKey)
		baseURL := strings.TrimSpace(cfg.BaseURL)
		if baseURL == "" {
			baseURL = defaultBaseURL
		}
		if baseURL != "" {
			clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
		}
		return &openAIProvider{
			name:   name,
			client: openai.NewClientWithConfig(clientCfg),
			hasKey: apiKey != "",
		}, nil
	}
}

func init() {
	Register("openai", newOpenAICompatible("openai", ""))
	Register("openrouter", newOpenAICompatible("openrouter", defaultOpenRouterBaseURL))
}
