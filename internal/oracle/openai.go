package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sievelab/refinery/internal/model"
)

// openaiClient adapts any OpenAI-compatible chat endpoint: OpenAI itself,
// OpenRouter, DeepSeek, or a local gateway via BaseURL.
type openaiClient struct {
	client *openai.Client
	cfg    model.OracleConfig
}

// NewOpenAICompatible creates a provider for an OpenAI-compatible endpoint.
func NewOpenAICompatible(name string, cfg model.OracleConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: API key is required", name)
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	c := &openaiClient{
		client: openai.NewClientWithConfig(clientConfig),
		cfg:    cfg,
	}
	return &base{
		name:   name,
		family: inferFamily(name, cfg),
		cfg:    cfg,
		c:      c,
	}, nil
}

func (p *openaiClient) complete(ctx context.Context, system, user string, maxTokens int, temperature float32) (string, Usage, error) {
	timeout := time.Duration(p.cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: p.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	resp, err := p.client.CreateChatCompletion(callCtx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return "", Usage{}, fmt.Errorf("%s: %w", p.cfg.Model, ErrRateLimited)
		}
		return "", Usage{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("no choices in response")
	}

	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CostUSD:          Cost(p.cfg.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), usage, nil
}
