package reasoning

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"hyperagent/internal/config"
	"hyperagent/pkg/types"
)

// AnthropicProvider speaks the messages API.
type AnthropicProvider struct {
	http  *resty.Client
	model string
}

func NewAnthropicProvider(cfg config.ProviderConfig, apiKey string, timeout time.Duration) *AnthropicProvider {
	return &AnthropicProvider{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(timeout).
			SetHeader("x-api-key", apiKey).
			SetHeader("anthropic-version", "2023-06-01").
			SetHeader("Content-Type", "application/json"),
		model: cfg.Model,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	System    string `json:"system,omitempty"`
	Messages  []struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	} `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) Invoke(ctx context.Context, req Request) (Result, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body := anthropicRequest{Model: model, MaxTokens: 4096, System: req.System}
	body.Messages = append(body.Messages, struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	}{Role: "user", Content: anthropicContent(req)})

	var result anthropicResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		SetError(&result).
		Post("/v1/messages")
	if err != nil {
		return Result{}, fmt.Errorf("anthropic request: %w", types.ErrUnavailable)
	}

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		return Result{}, fmt.Errorf("anthropic: %w", types.ErrRateLimited)
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return Result{}, fmt.Errorf("anthropic: invalid api key: %w", types.ErrNeedsCredentials)
	case resp.StatusCode() >= 500 || resp.StatusCode() == 529:
		return Result{}, fmt.Errorf("anthropic: status %d: %w", resp.StatusCode(), types.ErrUnavailable)
	case resp.StatusCode() != http.StatusOK:
		msg := ""
		if result.Error != nil {
			msg = result.Error.Message
		}
		return Result{}, fmt.Errorf("anthropic: status %d %s: %w", resp.StatusCode(), msg, types.ErrUnavailable)
	}

	if result.StopReason == "refusal" {
		return Result{}, fmt.Errorf("anthropic: %w", types.ErrContentFiltered)
	}

	var text string
	for _, block := range result.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return Result{}, fmt.Errorf("anthropic: no text content: %w", types.ErrMalformedResponse)
	}

	decision, err := ParseDecision(text)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Decision:         decision,
		Provider:         p.Name(),
		Model:            model,
		PromptTokens:     result.Usage.InputTokens,
		CompletionTokens: result.Usage.OutputTokens,
		Raw:              text,
	}, nil
}

func anthropicContent(req Request) any {
	text := req.Prompt
	if req.Context != "" {
		text += "\n\nContext:\n" + req.Context
	}
	if len(req.Images) == 0 {
		return text
	}

	parts := make([]map[string]any, 0, len(req.Images)+1)
	for _, img := range req.Images {
		parts = append(parts, map[string]any{
			"type": "image",
			"source": map[string]string{
				"type":       "base64",
				"media_type": img.MediaType,
				"data":       img.Base64,
			},
		})
	}
	parts = append(parts, map[string]any{"type": "text", "text": text})
	return parts
}
