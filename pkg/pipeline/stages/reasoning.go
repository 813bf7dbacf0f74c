package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/malbeclabs/analyst/pkg/llm"
	"github.com/malbeclabs/analyst/pkg/pipeline"
)

// reasoner bounds every call to the reasoning capability and converts its
// failures into retryable pipeline errors.
type reasoner struct {
	client  llm.Client
	timeout time.Duration
}

func newReasoner(cfg *Config) reasoner {
	return reasoner{client: cfg.LLM, timeout: cfg.ReasoningTimeout}
}

func (r reasoner) complete(ctx context.Context, systemPrompt, userPrompt string, opts ...llm.CompleteOption) (string, *pipeline.Error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	response, err := r.client.Complete(ctx, systemPrompt, userPrompt, opts...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", pipeline.NewError(pipeline.KindReasoningTimeout, "reasoning call timed out after %s", r.timeout).WithCause(err)
		}
		return "", pipeline.NewError(pipeline.KindReasoningUnavailable, "reasoning call failed: %v", err).WithCause(err)
	}
	return response, nil
}

// decode runs a reasoning call and parses the reply into T. Anything that
// does not parse or validate is MalformedReasoningOutput carrying the raw text.
// The raw reply is returned for diagnosis of later checks.
func decode[T any](ctx context.Context, r reasoner, systemPrompt, userPrompt string, opts ...llm.CompleteOption) (T, string, *pipeline.Error) {
	var zero T
	response, perr := r.complete(ctx, systemPrompt, userPrompt, opts...)
	if perr != nil {
		return zero, "", perr
	}
	out, err := llm.Decode[T](response)
	if err != nil {
		return zero, response, pipeline.NewError(pipeline.KindMalformedOutput, "%v", err).WithRaw(response)
	}
	return out, response, nil
}

// withSchema appends the JSON Schema of T to a system prompt.
func withSchema[T any](prompt string) (string, error) {
	schema, err := llm.SchemaFor[T]()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\n\n## Response Format\n\nRespond with a single JSON object matching this JSON Schema:\n\n```json\n%s\n```", prompt, schema), nil
}
