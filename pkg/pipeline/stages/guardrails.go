package stages

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/analyst/pkg/pipeline"
)

// Confidence policy. Overall confidence is the weighted mean of the signals
// that are available, scaled down when the results are too small to trust.
const (
	SourceWeight  = 0.4
	SuccessWeight = 0.4
	RecencyWeight = 0.2

	SmallSamplePenalty = 0.8
	// NoSignalConfidence is reported when neither sources nor results exist.
	NoSignalConfidence = 0.2

	// Sources whose recency signal drops below this are called out as stale.
	staleRecency = 0.5
)

const (
	SignalSource  = "source"
	SignalSuccess = "success"
	SignalRecency = "recency"
	SignalSample  = "sample_penalty"
)

// Guardrails scores the run and lists everything a reader should know before
// trusting the answer. It cannot fail.
type Guardrails struct {
	log       *slog.Logger
	clock     clockwork.Clock
	minRows   int
	threshold float64
	halfLife  time.Duration
}

func NewGuardrails(cfg Config) (*Guardrails, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate stages config: %w", err)
	}
	return &Guardrails{
		log:       cfg.Logger,
		clock:     cfg.Clock,
		minRows:   cfg.MinDataPoints,
		threshold: cfg.ConfidenceThreshold,
		halfLife:  cfg.RecencyHalfLife,
	}, nil
}

func (s *Guardrails) Descriptor() pipeline.Descriptor {
	return pipeline.Descriptor{
		Name: pipeline.StageGuardrails,
		Reads: []pipeline.Field{
			pipeline.FieldSources,
			pipeline.FieldQueries,
			pipeline.FieldApproval,
			pipeline.FieldResults,
			pipeline.FieldAnswer,
		},
		Writes: []pipeline.Field{pipeline.FieldConfidence},
	}
}

func (s *Guardrails) Run(_ context.Context, state pipeline.State) pipeline.Result {
	c := s.Assess(state)
	s.log.Debug("guardrails: assessed run", "request_id", state.RequestID, "confidence", c.Overall, "caveats", len(c.Caveats))
	return pipeline.Emit(pipeline.Delta{pipeline.FieldConfidence: c})
}

// Assess applies the confidence policy to a state.
func (s *Guardrails) Assess(state pipeline.State) pipeline.Confidence {
	c := pipeline.Confidence{Signals: map[string]float64{}}
	now := s.clock.Now()

	var weighted, weights float64
	add := func(name string, value, weight float64) {
		c.Signals[name] = value
		weighted += weight * value
		weights += weight
	}

	if state.Sources != nil && len(state.Sources.Sources) > 0 {
		var sum float64
		for _, src := range state.Sources.Sources {
			sum += src.Confidence
		}
		add(SignalSource, clamp01(sum/float64(len(state.Sources.Sources))), SourceWeight)
	}

	var results []pipeline.QueryResult
	if state.Results != nil {
		results = state.Results.Results
	}
	if len(results) > 0 {
		add(SignalSuccess, state.Results.SuccessFraction(), SuccessWeight)
	}

	if state.Sources != nil {
		var sum float64
		var n int
		for _, src := range state.Sources.Sources {
			if src.UpdatedAt.IsZero() {
				continue
			}
			r := s.recency(now.Sub(src.UpdatedAt))
			if r < staleRecency {
				c.Caveats = append(c.Caveats, fmt.Sprintf("Data in %s was last updated %d days ago and may be stale.", src.Name, int(now.Sub(src.UpdatedAt).Hours()/24)))
			}
			sum += r
			n++
		}
		if n > 0 && weights > 0 {
			add(SignalRecency, sum/float64(n), RecencyWeight)
		}
	}

	if weights == 0 {
		c.Overall = NoSignalConfidence
		c.Caveats = append(c.Caveats, "No data sources or query results were available to assess; confidence is a low default.")
	} else {
		c.Overall = weighted / weights
	}

	if results != nil {
		rows := state.Results.TotalRows()
		if rows < s.minRows {
			c.Overall *= SmallSamplePenalty
			c.Signals[SignalSample] = SmallSamplePenalty
			c.Caveats = append(c.Caveats, fmt.Sprintf("Limited sample size (%d rows). Results may be noisy.", rows))
			c.Recommendations = append(c.Recommendations, "Widen the time window or add data before relying on these results.")
		}

		failed := state.Results.Failed()
		for _, r := range failed {
			c.Caveats = append(c.Caveats, fmt.Sprintf("Query %s failed (%s): %s", r.QueryID, r.Error.Kind, r.Error.Message))
		}
		if len(failed) > 0 {
			c.Caveats = append(c.Caveats, fmt.Sprintf("%d of %d queries failed; the answer is based on partial results.", len(failed), len(results)))
			c.Recommendations = append(c.Recommendations, "Re-run the failed queries, with a narrower scope if they timed out.")
		}
		for _, r := range results {
			if r.Truncated {
				c.Caveats = append(c.Caveats, fmt.Sprintf("Results of %s were truncated at %d rows.", r.QueryID, r.RowCount))
			}
		}
	}

	for _, r := range rejected(state) {
		c.Caveats = append(c.Caveats, fmt.Sprintf("A query for step %s was rejected (%s): %s", r.StepID, r.Reason, r.Detail))
	}
	if state.Sources != nil {
		c.Caveats = append(c.Caveats, state.Sources.Warnings...)
		for _, src := range state.Sources.Sources {
			for _, w := range src.Warnings {
				c.Caveats = append(c.Caveats, fmt.Sprintf("%s: %s", src.Name, w))
			}
		}
	}
	if state.Answer != nil && state.Answer.Degraded {
		c.Caveats = append(c.Caveats, "The answer is a plain summary of the results because a narrative answer could not be generated.")
	}

	c.Overall = clamp01(c.Overall)
	if c.Overall < s.threshold {
		c.Recommendations = append(c.Recommendations, fmt.Sprintf("Confidence is below %.0f%%; verify these findings against the source data before acting on them.", 100*s.threshold))
	}
	return c
}

// recency decays exponentially with the age of the data.
func (s *Guardrails) recency(age time.Duration) float64 {
	if age <= 0 || s.halfLife <= 0 {
		return 1
	}
	return math.Pow(0.5, age.Hours()/s.halfLife.Hours())
}

func rejected(state pipeline.State) []pipeline.RejectedQuery {
	var out []pipeline.RejectedQuery
	if state.Queries != nil {
		out = append(out, state.Queries.Rejected...)
	}
	if state.Approval != nil {
		out = append(out, state.Approval.Rejected...)
	}
	return out
}
