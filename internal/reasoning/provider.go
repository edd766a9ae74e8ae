// Package reasoning routes trigger wakes and operator prompts to an LLM
// provider and returns validated, typed trading decisions.
//
// Providers share one contract: given a prompt plus a structured context
// blob, return a single JSON object matching the Decision schema. The
// router handles provider selection (personal key first, platform default
// second), per-provider concurrency caps, the error taxonomy, and usage
// accounting.
package reasoning

import (
	"context"

	"hyperagent/pkg/types"
)

// ImageAttachment is one screenshot sent with an operator prompt.
type ImageAttachment struct {
	MediaType string // e.g. "image/png"
	Base64    string
}

// Request is one reasoning invocation.
type Request struct {
	AccountID string
	System    string // role and schema instructions
	Prompt    string // trigger summary or operator prompt
	Context   string // serialized positions, indicators, account state
	Model     string // optional override of the provider's default
	Images    []ImageAttachment
}

// Result carries the parsed decision plus accounting metadata.
type Result struct {
	Decision         types.Decision
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Raw              string
}

// Provider is one LLM backend.
type Provider interface {
	Name() string
	Invoke(ctx context.Context, req Request) (Result, error)
}
