// Package llm is the reasoning capability the pipeline stages call: a plain
// text completion plus helpers for getting structured output back out of it.
package llm

import "context"

// CompleteOptions holds options for a single completion.
type CompleteOptions struct {
	// CacheSystemPrompt marks the system prompt as cacheable.
	CacheSystemPrompt bool
	// MaxTokens overrides the client default when positive.
	MaxTokens int64
	// Temperature overrides the client default when set.
	Temperature *float64
}

// CompleteOption is a functional option for Complete.
type CompleteOption func(*CompleteOptions)

// WithCacheControl enables prompt caching for the system prompt.
func WithCacheControl() CompleteOption {
	return func(o *CompleteOptions) {
		o.CacheSystemPrompt = true
	}
}

func WithMaxTokens(n int64) CompleteOption {
	return func(o *CompleteOptions) {
		o.MaxTokens = n
	}
}

func WithTemperature(t float64) CompleteOption {
	return func(o *CompleteOptions) {
		o.Temperature = &t
	}
}

// Apply folds opts into a CompleteOptions value.
func Apply(opts ...CompleteOption) CompleteOptions {
	var o CompleteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Client sends a prompt and returns the response text.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error)
}
