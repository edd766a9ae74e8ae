package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"hyperagent/internal/config"
	"hyperagent/pkg/types"
)

const (
	defaultMaxConcurrent = 4
	promptLogLimit       = 200
)

// tightenedInstruction is appended to the system prompt for the single
// retry after a malformed response.
const tightenedInstruction = "\n\nIMPORTANT: Respond with ONLY a single valid JSON object. No prose, no markdown fences, no commentary."

// UsageSink records provider invocations for cost accounting.
type UsageSink interface {
	RecordAiUsage(log types.AiUsageLog) error
}

// KeyFn resolves an account's personal API key for a provider. ok is false
// when the account has no personal key and the platform default applies.
type KeyFn func(accountID, provider string) (key string, ok bool)

// Router selects a provider per invocation and enforces the retry policy:
// unavailable gets one same-provider retry then a fallback, malformed gets
// one tightened retry, everything else fails fast.
type Router struct {
	cfg      config.ReasoningConfig
	keys     KeyFn
	sink     UsageSink
	sems     map[string]chan struct{}
	platform map[string]Provider
	logger   *slog.Logger
}

func NewRouter(cfg config.ReasoningConfig, keys KeyFn, sink UsageSink, logger *slog.Logger) *Router {
	r := &Router{
		cfg:      cfg,
		keys:     keys,
		sink:     sink,
		sems:     make(map[string]chan struct{}),
		platform: make(map[string]Provider),
		logger:   logger.With("component", "reasoning"),
	}

	for name, pc := range map[string]config.ProviderConfig{
		"openai":    cfg.OpenAI,
		"anthropic": cfg.Anthropic,
	} {
		slots := pc.MaxConcurrent
		if slots <= 0 {
			slots = defaultMaxConcurrent
		}
		r.sems[name] = make(chan struct{}, slots)
		if pc.APIKey != "" {
			r.platform[name] = r.build(name, pc.APIKey)
		}
	}
	return r
}

func (r *Router) build(name, apiKey string) Provider {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(r.cfg.Anthropic, apiKey, r.cfg.Timeout)
	default:
		return NewOpenAIProvider(r.cfg.OpenAI, apiKey, r.cfg.Timeout)
	}
}

// Invoke runs one reasoning call for an account. preferred overrides the
// configured default provider; the other provider serves as fallback when
// the first is unavailable.
func (r *Router) Invoke(ctx context.Context, accountID string, req Request, preferred string) (Result, error) {
	order := r.providerOrder(preferred)

	var lastErr error
	for i, name := range order {
		provider, personal, err := r.resolve(accountID, name)
		if err != nil {
			lastErr = err
			continue
		}

		res, err := r.callWithRetry(ctx, provider, name, accountID, req)
		if err == nil {
			r.logger.Info("decision received",
				"account", accountID,
				"provider", name,
				"personal_key", personal,
				"actions", len(res.Decision.Actions),
			)
			return res, nil
		}
		lastErr = err

		// Only unavailability justifies moving down the provider list.
		if !errors.Is(err, types.ErrUnavailable) || i == len(order)-1 {
			return Result{}, err
		}
		r.logger.Warn("provider unavailable, falling back",
			"account", accountID, "provider", name, "error", err)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no reasoning provider configured: %w", types.ErrNeedsCredentials)
	}
	return Result{}, lastErr
}

// providerOrder puts the preferred (or default) provider first and the
// other known provider after it as fallback.
func (r *Router) providerOrder(preferred string) []string {
	first := preferred
	if first == "" {
		first = r.cfg.DefaultProvider
	}
	if first == "anthropic" {
		return []string{"anthropic", "openai"}
	}
	return []string{"openai", "anthropic"}
}

// resolve picks the account's personal key over the platform default.
func (r *Router) resolve(accountID, name string) (Provider, bool, error) {
	if r.keys != nil {
		if key, ok := r.keys(accountID, name); ok {
			return r.build(name, key), true, nil
		}
	}
	if p, ok := r.platform[name]; ok {
		return p, false, nil
	}
	return nil, false, fmt.Errorf("provider %s has no key for account %s: %w", name, accountID, types.ErrNeedsCredentials)
}

// callWithRetry applies the per-provider retry policy under the provider's
// concurrency cap.
func (r *Router) callWithRetry(ctx context.Context, p Provider, name, accountID string, req Request) (Result, error) {
	res, err := r.call(ctx, p, name, accountID, req)
	if err == nil {
		return res, nil
	}

	switch {
	case errors.Is(err, types.ErrMalformedResponse):
		r.logger.Warn("malformed response, retrying with tightened prompt",
			"account", accountID, "provider", name)
		tightened := req
		tightened.System += tightenedInstruction
		return r.call(ctx, p, name, accountID, tightened)

	case errors.Is(err, types.ErrUnavailable):
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(2 * time.Second):
		}
		return r.call(ctx, p, name, accountID, req)
	}

	return Result{}, err
}

// call acquires the provider's concurrency slot, invokes it, and records
// usage whether it succeeded or not.
func (r *Router) call(ctx context.Context, p Provider, name, accountID string, req Request) (Result, error) {
	sem := r.sems[name]
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	res, err := p.Invoke(ctx, req)
	r.recordUsage(accountID, name, req, res, err == nil)
	return res, err
}

func (r *Router) recordUsage(accountID, name string, req Request, res Result, success bool) {
	if r.sink == nil {
		return
	}

	model := res.Model
	if model == "" {
		model = req.Model
	}
	prompt := req.Prompt
	if len(prompt) > promptLogLimit {
		prompt = prompt[:promptLogLimit]
	}

	entry := types.AiUsageLog{
		ID:               uuid.NewString(),
		AccountID:        accountID,
		Provider:         name,
		Model:            model,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		EstimatedCost:    r.cost(name, res.PromptTokens, res.CompletionTokens),
		Success:          success,
		UserPrompt:       prompt,
		CreatedAt:        time.Now(),
	}
	if err := r.sink.RecordAiUsage(entry); err != nil {
		r.logger.Error("record usage", "error", err)
	}
}

func (r *Router) cost(name string, promptTokens, completionTokens int) float64 {
	var pc config.ProviderConfig
	switch name {
	case "anthropic":
		pc = r.cfg.Anthropic
	default:
		pc = r.cfg.OpenAI
	}
	return float64(promptTokens)/1000*pc.CostPerKInput +
		float64(completionTokens)/1000*pc.CostPerKOutput
}
