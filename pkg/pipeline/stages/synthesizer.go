package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/analyst/pkg/pipeline"
)

// Synthesizer writes the direct answer. When the reasoning call fails, or
// nothing succeeded, it falls back to a deterministic summary of the tables
// and flags the answer as degraded.
type Synthesizer struct {
	log    *slog.Logger
	reason reasoner
	system string
}

func NewSynthesizer(cfg Config) (*Synthesizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate stages config: %w", err)
	}
	return &Synthesizer{log: cfg.Logger, reason: newReasoner(&cfg), system: cfg.Prompts.Synthesize}, nil
}

func (s *Synthesizer) Descriptor() pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:   pipeline.StageSynthesizer,
		Reads:  []pipeline.Field{pipeline.FieldQuestion, pipeline.FieldResults},
		Writes: []pipeline.Field{pipeline.FieldAnswer},
	}
}

func (s *Synthesizer) Run(ctx context.Context, state pipeline.State) pipeline.Result {
	var results []pipeline.QueryResult
	if state.Results != nil {
		results = state.Results.Results
	}
	if state.Results == nil || state.Results.Succeeded() == 0 {
		return pipeline.Emit(pipeline.Delta{pipeline.FieldAnswer: pipeline.Answer{
			Text:     summarize(results),
			Degraded: true,
		}})
	}

	user := fmt.Sprintf("QUESTION: %s\n\nQUERY RESULTS:\n\n%s\nAnswer the question from these results.", state.Question, formatResults(results))
	answer, perr := s.reason.complete(ctx, s.system, user)
	answer = strings.TrimSpace(answer)
	if perr != nil || answer == "" {
		attrs := []any{"request_id", state.RequestID}
		if perr != nil {
			attrs = append(attrs, "kind", perr.Kind, "error", perr.Message)
		}
		s.log.Warn("synthesizer: falling back to summary", attrs...)
		return pipeline.Emit(pipeline.Delta{pipeline.FieldAnswer: pipeline.Answer{
			Text:     summarize(results),
			Degraded: true,
		}})
	}
	return pipeline.Emit(pipeline.Delta{pipeline.FieldAnswer: pipeline.Answer{Text: answer}})
}

// summarize describes each result without interpretation.
func summarize(results []pipeline.QueryResult) string {
	if len(results) == 0 {
		return "No data was available to answer this question."
	}
	var sb strings.Builder
	for _, r := range results {
		switch {
		case !r.OK():
			fmt.Fprintf(&sb, "- %s failed (%s).\n", r.QueryID, r.Error.Kind)
		case r.RowCount == 0:
			fmt.Fprintf(&sb, "- %s returned no rows.\n", r.QueryID)
		default:
			fmt.Fprintf(&sb, "- %s returned %d rows", r.QueryID, r.RowCount)
			cells := make([]string, 0, len(r.Columns))
			for _, col := range r.Columns {
				cells = append(cells, fmt.Sprintf("%s=%s", col, formatValue(r.Rows[0][col])))
			}
			fmt.Fprintf(&sb, "; first row: %s.\n", strings.Join(cells, ", "))
		}
	}
	return strings.TrimSpace(sb.String())
}
