package reasoning

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"hyperagent/pkg/types"
)

// Providers regularly wrap JSON in markdown fences despite being told not
// to. Strip ```json ... ``` (or bare ```) before parsing.
var codeBlockRe = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")

func stripMarkdownCodeBlock(response string) string {
	response = strings.TrimSpace(response)
	if matches := codeBlockRe.FindStringSubmatch(response); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return response
}

// ParseDecision validates a raw provider response against the Decision
// schema. Any violation maps to ErrMalformedResponse so the router can run
// its tightened retry.
func ParseDecision(raw string) (types.Decision, error) {
	cleaned := stripMarkdownCodeBlock(raw)

	var d types.Decision
	if err := json.Unmarshal([]byte(cleaned), &d); err != nil {
		return types.Decision{}, fmt.Errorf("decode decision: %v: %w", err, types.ErrMalformedResponse)
	}

	for i := range d.Actions {
		a := &d.Actions[i]

		switch a.Kind {
		case types.ActionBuy, types.ActionSell, types.ActionHold, types.ActionClose:
		default:
			return types.Decision{}, fmt.Errorf("action %d: unknown kind %q: %w", i, a.Kind, types.ErrMalformedResponse)
		}

		if a.Kind != types.ActionHold && a.Symbol == "" {
			return types.Decision{}, fmt.Errorf("action %d: %s without symbol: %w", i, a.Kind, types.ErrMalformedResponse)
		}

		if (a.Kind == types.ActionBuy || a.Kind == types.ActionSell) && a.Size <= 0 {
			return types.Decision{}, fmt.Errorf("action %d: %s with size %v: %w", i, a.Kind, a.Size, types.ErrMalformedResponse)
		}

		switch a.Side {
		case "", types.Long, types.Short:
		default:
			return types.Decision{}, fmt.Errorf("action %d: unknown side %q: %w", i, a.Side, types.ErrMalformedResponse)
		}

		// Leverage is clamped, not rejected: an out-of-range value is a
		// model overreach, not a schema failure.
		if a.Leverage < 1 {
			a.Leverage = 1
		}
		if a.Leverage > 10 {
			a.Leverage = 10
		}
	}

	return d, nil
}
