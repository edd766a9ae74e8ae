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

// OpenAIProvider speaks the chat-completions API with JSON response mode.
type OpenAIProvider struct {
	http  *resty.Client
	model string
}

func NewOpenAIProvider(cfg config.ProviderConfig, apiKey string, timeout time.Duration) *OpenAIProvider {
	return &OpenAIProvider{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(timeout).
			SetAuthToken(apiKey).
			SetHeader("Content-Type", "application/json"),
		model: cfg.Model,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type oaiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string, or content parts when images ride along
}

type oaiRequest struct {
	Model          string       `json:"model"`
	Messages       []oaiMessage `json:"messages"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type oaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (p *OpenAIProvider) Invoke(ctx context.Context, req Request) (Result, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body := oaiRequest{Model: model}
	body.ResponseFormat.Type = "json_object"
	body.Messages = append(body.Messages, oaiMessage{Role: "system", Content: req.System})
	body.Messages = append(body.Messages, oaiMessage{Role: "user", Content: userContent(req)})

	var result oaiResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		SetError(&result).
		Post("/chat/completions")
	if err != nil {
		return Result{}, fmt.Errorf("openai request: %w", types.ErrUnavailable)
	}

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		return Result{}, fmt.Errorf("openai: %w", types.ErrRateLimited)
	case resp.StatusCode() == http.StatusUnauthorized:
		return Result{}, fmt.Errorf("openai: invalid api key: %w", types.ErrNeedsCredentials)
	case resp.StatusCode() >= 500:
		return Result{}, fmt.Errorf("openai: status %d: %w", resp.StatusCode(), types.ErrUnavailable)
	case resp.StatusCode() != http.StatusOK:
		msg := ""
		if result.Error != nil {
			msg = result.Error.Message
		}
		return Result{}, fmt.Errorf("openai: status %d %s: %w", resp.StatusCode(), msg, types.ErrUnavailable)
	}

	if len(result.Choices) == 0 {
		return Result{}, fmt.Errorf("openai: empty choices: %w", types.ErrMalformedResponse)
	}
	choice := result.Choices[0]
	if choice.FinishReason == "content_filter" {
		return Result{}, fmt.Errorf("openai: %w", types.ErrContentFiltered)
	}

	decision, err := ParseDecision(choice.Message.Content)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Decision:         decision,
		Provider:         p.Name(),
		Model:            model,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		Raw:              choice.Message.Content,
	}, nil
}

// userContent folds the prompt, context blob, and any screenshots into the
// user message. Plain string when there are no images; content parts
// otherwise.
func userContent(req Request) any {
	text := req.Prompt
	if req.Context != "" {
		text += "\n\nContext:\n" + req.Context
	}
	if len(req.Images) == 0 {
		return text
	}

	parts := []map[string]any{{"type": "text", "text": text}}
	for _, img := range req.Images {
		parts = append(parts, map[string]any{
			"type": "image_url",
			"image_url": map[string]string{
				"url": "data:" + img.MediaType + ";base64," + img.Base64,
			},
		})
	}
	return parts
}
