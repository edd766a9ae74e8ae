package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"hyperagent/internal/config"
	"hyperagent/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeProvider replays a scripted sequence of results.
type fakeProvider struct {
	name     string
	script   []error // error per call, nil = success
	calls    int
	requests []Request
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Invoke(_ context.Context, req Request) (Result, error) {
	f.requests = append(f.requests, req)
	idx := f.calls
	f.calls++
	if idx < len(f.script) && f.script[idx] != nil {
		return Result{}, fmt.Errorf("%s scripted: %w", f.name, f.script[idx])
	}
	return Result{
		Decision: types.Decision{
			Interpretation: "test",
			Actions:        []types.Action{{Kind: types.ActionHold, Reasoning: "wait"}},
		},
		Provider:     f.name,
		Model:        "fake-model",
		PromptTokens: 100, CompletionTokens: 50,
	}, nil
}

type recordedUsage struct {
	logs []types.AiUsageLog
}

func (r *recordedUsage) RecordAiUsage(l types.AiUsageLog) error {
	r.logs = append(r.logs, l)
	return nil
}

func newTestRouter(sink UsageSink) *Router {
	cfg := config.ReasoningConfig{
		DefaultProvider: "openai",
		OpenAI: config.ProviderConfig{
			Model: "gpt-test", MaxConcurrent: 2,
			CostPerKInput: 0.01, CostPerKOutput: 0.03,
		},
		Anthropic: config.ProviderConfig{Model: "claude-test", MaxConcurrent: 2},
		Timeout:   5 * time.Second,
	}
	return NewRouter(cfg, nil, sink, testLogger())
}

func TestStripMarkdownCodeBlock(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{`{"a":1}`, `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tc := range cases {
		if got := stripMarkdownCodeBlock(tc.in); got != tc.want {
			t.Errorf("strip(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseDecision(t *testing.T) {
	t.Parallel()

	raw := "```json\n" + `{
		"interpretation": "oversold bounce setup",
		"actions": [
			{"kind": "buy", "symbol": "BTC", "side": "long", "size": 0.5, "leverage": 25, "reasoning": "RSI 22"},
			{"kind": "hold", "reasoning": "wait for confirmation"}
		],
		"riskManagement": "stop below support",
		"expectedOutcome": "bounce to 66k"
	}` + "\n```"

	d, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(d.Actions) != 2 {
		t.Fatalf("actions = %d, want 2", len(d.Actions))
	}
	if d.Actions[0].Leverage != 10 {
		t.Errorf("leverage = %d, want clamped to 10", d.Actions[0].Leverage)
	}
	if d.Actions[1].Leverage != 1 {
		t.Errorf("hold leverage = %d, want floor of 1", d.Actions[1].Leverage)
	}

	bad := []string{
		`not json at all`,
		`{"actions":[{"kind":"yolo","symbol":"BTC"}]}`,
		`{"actions":[{"kind":"buy","side":"long","size":1}]}`,       // no symbol
		`{"actions":[{"kind":"sell","symbol":"BTC","size":0}]}`,     // no size
		`{"actions":[{"kind":"buy","symbol":"BTC","size":1,"side":"sideways"}]}`,
	}
	for _, raw := range bad {
		if _, err := ParseDecision(raw); !errors.Is(err, types.ErrMalformedResponse) {
			t.Errorf("ParseDecision(%q) err = %v, want ErrMalformedResponse", raw, err)
		}
	}
}

func TestFallbackOnUnavailable(t *testing.T) {
	t.Parallel()
	sink := &recordedUsage{}
	r := newTestRouter(sink)

	// Primary stays down through its retry; fallback answers.
	primary := &fakeProvider{name: "openai", script: []error{types.ErrUnavailable, types.ErrUnavailable}}
	fallback := &fakeProvider{name: "anthropic"}
	r.platform["openai"] = primary
	r.platform["anthropic"] = fallback

	res, err := r.Invoke(context.Background(), "acct-1", Request{Prompt: "p"}, "")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Provider != "anthropic" {
		t.Errorf("provider = %s, want fallback", res.Provider)
	}
	if primary.calls != 2 {
		t.Errorf("primary calls = %d, want retry then fallback", primary.calls)
	}

	// Two failures and one success recorded.
	var ok, failed int
	for _, l := range sink.logs {
		if l.Success {
			ok++
		} else {
			failed++
		}
	}
	if ok != 1 || failed != 2 {
		t.Errorf("usage logs ok=%d failed=%d, want 1/2", ok, failed)
	}
}

func TestMalformedGetsOneTightenedRetry(t *testing.T) {
	t.Parallel()
	r := newTestRouter(nil)

	p := &fakeProvider{name: "openai", script: []error{types.ErrMalformedResponse}}
	r.platform["openai"] = p
	r.platform["anthropic"] = &fakeProvider{name: "anthropic"}

	res, err := r.Invoke(context.Background(), "acct-1", Request{System: "base", Prompt: "p"}, "openai")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Provider != "openai" {
		t.Errorf("malformed retry switched provider: %s", res.Provider)
	}
	if p.calls != 2 {
		t.Fatalf("calls = %d, want 2", p.calls)
	}
	if !strings.Contains(p.requests[1].System, "ONLY a single valid JSON object") {
		t.Error("retry did not tighten the system prompt")
	}
	if strings.Contains(p.requests[0].System, "ONLY a single valid JSON object") {
		t.Error("first attempt already tightened")
	}
}

func TestDoubleMalformedSurfaces(t *testing.T) {
	t.Parallel()
	r := newTestRouter(nil)

	p := &fakeProvider{name: "openai", script: []error{types.ErrMalformedResponse, types.ErrMalformedResponse}}
	r.platform["openai"] = p

	_, err := r.Invoke(context.Background(), "acct-1", Request{}, "openai")
	if !errors.Is(err, types.ErrMalformedResponse) {
		t.Errorf("err = %v, want ErrMalformedResponse", err)
	}
	if p.calls != 2 {
		t.Errorf("calls = %d, want exactly the tightened retry", p.calls)
	}
}

func TestNonRetryableFailFast(t *testing.T) {
	t.Parallel()

	for _, kind := range []error{types.ErrContentFiltered, types.ErrRateLimited} {
		r := newTestRouter(nil)
		p := &fakeProvider{name: "openai", script: []error{kind}}
		other := &fakeProvider{name: "anthropic"}
		r.platform["openai"] = p
		r.platform["anthropic"] = other

		_, err := r.Invoke(context.Background(), "acct-1", Request{}, "openai")
		if !errors.Is(err, kind) {
			t.Errorf("err = %v, want %v", err, kind)
		}
		if p.calls != 1 || other.calls != 0 {
			t.Errorf("%v: calls = %d/%d, want fail fast with no fallback", kind, p.calls, other.calls)
		}
	}
}

func TestNoProviderConfigured(t *testing.T) {
	t.Parallel()
	r := newTestRouter(nil) // no platform keys, no personal keys

	_, err := r.Invoke(context.Background(), "acct-1", Request{}, "")
	if !errors.Is(err, types.ErrNeedsCredentials) {
		t.Errorf("err = %v, want ErrNeedsCredentials", err)
	}
}

func TestCostAccounting(t *testing.T) {
	t.Parallel()
	sink := &recordedUsage{}
	r := newTestRouter(sink)
	r.platform["openai"] = &fakeProvider{name: "openai"}

	if _, err := r.Invoke(context.Background(), "acct-1", Request{Prompt: strings.Repeat("x", 500)}, ""); err != nil {
		t.Fatalf("invoke: %v", err)
	}

	if len(sink.logs) != 1 {
		t.Fatalf("logs = %d, want 1", len(sink.logs))
	}
	l := sink.logs[0]
	// 100 prompt tokens at 0.01/K plus 50 completion at 0.03/K.
	want := 0.001 + 0.0015
	if diff := l.EstimatedCost - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("cost = %v, want %v", l.EstimatedCost, want)
	}
	if len(l.UserPrompt) != promptLogLimit {
		t.Errorf("prompt truncated to %d, want %d", len(l.UserPrompt), promptLogLimit)
	}
}
