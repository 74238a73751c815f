package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sievelab/refinery/internal/model"
	"github.com/sievelab/refinery/internal/util"
)

const anthropicAPIVersion = "2023-06-01"

// anthropicClient talks to Anthropic's Messages API directly.
type anthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	cfg        model.OracleConfig
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model string `json:"model"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewAnthropic creates a provider backed by Anthropic's Messages API.
func NewAnthropic(cfg model.OracleConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	c := &anthropicClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: util.NewProxyFunc(cfg.HTTPProxy, cfg.HTTPSProxy, cfg.NoProxy),
			},
		},
		cfg: cfg,
	}
	return &base{
		name:   "anthropic",
		family: inferFamily("anthropic", cfg),
		cfg:    cfg,
		c:      c,
	}, nil
}

func (p *anthropicClient) complete(ctx context.Context, system, user string, maxTokens int, temperature float32) (string, Usage, error) {
	apiReq := anthropicRequest{
		Model:       p.cfg.Model,
		MaxTokens:   maxTokens,
		System:      system,
		Temperature: float64(temperature),
		Messages: []anthropicMessage{
			{Role: "user", Content: user},
		},
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return "", Usage{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", Usage{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", Usage{}, fmt.Errorf("%s: %w", p.cfg.Model, ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr anthropicError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error.Message != "" {
			return "", Usage{}, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return "", Usage{}, fmt.Errorf("API error: status %d", resp.StatusCode)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", Usage{}, fmt.Errorf("parse response: %w", err)
	}
	if len(apiResp.Content) == 0 {
		return "", Usage{}, fmt.Errorf("no content in response")
	}

	usage := Usage{
		PromptTokens:     apiResp.Usage.InputTokens,
		CompletionTokens: apiResp.Usage.OutputTokens,
		CostUSD:          Cost(p.cfg.Model, apiResp.Usage.InputTokens, apiResp.Usage.OutputTokens),
	}
	return strings.TrimSpace(apiResp.Content[0].Text), usage, nil
}
