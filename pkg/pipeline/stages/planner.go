package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/analyst/pkg/pipeline"
)

const maxPlanSteps = 5

type planStepReply struct {
	Number    int      `json:"number" validate:"gte=0"`
	Goal      string   `json:"goal" validate:"required"`
	Sources   []string `json:"sources" validate:"required,min=1,dive,required"`
	DependsOn []int    `json:"depends_on"`
}

type planReply struct {
	Steps            []planStepReply `json:"steps" validate:"required,min=1,dive"`
	Warnings         []string        `json:"warnings"`
	EstimatedRuntime string          `json:"estimated_runtime"`
}

// Planner designs the analysis plan. A plan that reads a dataset outside the
// selection is sent back for exactly one re-plan.
type Planner struct {
	log     *slog.Logger
	reason  reasoner
	catalog Catalog
	system  string
}

func NewPlanner(cfg Config) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate stages config: %w", err)
	}
	system, err := withSchema[planReply](cfg.Prompts.Plan)
	if err != nil {
		return nil, fmt.Errorf("failed to build planner prompt: %w", err)
	}
	return &Planner{log: cfg.Logger, reason: newReasoner(&cfg), catalog: cfg.Catalog, system: system}, nil
}

func (s *Planner) Descriptor() pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:        pipeline.StagePlanner,
		Reads:       []pipeline.Field{pipeline.FieldQuestion, pipeline.FieldIntent, pipeline.FieldSources},
		Writes:      []pipeline.Field{pipeline.FieldPlan},
		MaxAttempts: 2,
	}
}

func (s *Planner) Run(ctx context.Context, state pipeline.State) pipeline.Result {
	if state.Intent == nil || state.Sources == nil || len(state.Sources.Sources) == 0 {
		return pipeline.Fail(pipeline.NewError(pipeline.KindInvalidState, "planning needs an intent and at least one selected source"))
	}

	reply, raw, perr := decode[planReply](ctx, s.reason, s.system, s.userPrompt(ctx, state))
	if perr != nil {
		return pipeline.Retry(perr)
	}
	if len(reply.Steps) > maxPlanSteps {
		return pipeline.Retry(pipeline.NewError(pipeline.KindMalformedOutput, "plan has %d steps, at most %d are allowed", len(reply.Steps), maxPlanSteps).WithRaw(raw))
	}

	plan := pipeline.Plan{
		Warnings:         reply.Warnings,
		EstimatedRuntime: strings.TrimSpace(reply.EstimatedRuntime),
	}
	for i, step := range reply.Steps {
		number := i + 1
		if step.Number != 0 && step.Number != number {
			return pipeline.Retry(pipeline.NewError(pipeline.KindMalformedOutput, "step %d is numbered %d", number, step.Number).WithRaw(raw))
		}
		for _, name := range step.Sources {
			if !state.Sources.Has(name) {
				return pipeline.Retry(pipeline.NewError(pipeline.KindUnselectedSource,
					"step %d references %q, which is not among the selected sources (%s)",
					number, name, strings.Join(state.Sources.Names(), ", ")).WithRaw(raw))
			}
		}

		var deps []string
		for _, d := range step.DependsOn {
			if d < 1 || d >= number {
				return pipeline.Retry(pipeline.NewError(pipeline.KindMalformedOutput, "step %d depends on step %d, which does not precede it", number, d).WithRaw(raw))
			}
			deps = append(deps, stepID(d))
		}

		plan.Steps = append(plan.Steps, pipeline.PlanStep{
			ID:        stepID(number),
			Number:    number,
			Goal:      strings.TrimSpace(step.Goal),
			Sources:   dedupe(step.Sources),
			DependsOn: deps,
		})
	}

	s.log.Debug("planner: plan created", "request_id", state.RequestID, "steps", len(plan.Steps))
	return pipeline.Emit(pipeline.Delta{pipeline.FieldPlan: plan})
}

func (s *Planner) userPrompt(ctx context.Context, state pipeline.State) string {
	intent := state.Intent

	var sb strings.Builder
	fmt.Fprintf(&sb, "QUESTION:\n%s\n\n", state.Question)
	sb.WriteString("ANALYSIS REQUEST:\n")
	fmt.Fprintf(&sb, "Task Type: %s\n", intent.TaskType)
	fmt.Fprintf(&sb, "Metrics: %s\n", strings.Join(intent.Metrics, ", "))
	fmt.Fprintf(&sb, "Entities: %s\n", strings.Join(intent.Entities, ", "))
	fmt.Fprintf(&sb, "Time Window: %s\n", intent.TimeWindow)
	fmt.Fprintf(&sb, "Segments: %s\n\n", strings.Join(intent.Segments, ", "))

	sb.WriteString("AVAILABLE DATA SOURCES:\n")
	for _, src := range state.Sources.Sources {
		fmt.Fprintf(&sb, "- %s (quality: %.2f, rows: %d)\n", src.Name, src.Quality, src.RowCount)
		if ds, err := s.catalog.Get(ctx, src.Name); err == nil {
			fmt.Fprintf(&sb, "  %s\n", describeTable(ds))
		}
	}
	sb.WriteString("\nDesign a multi-step analysis plan. Respond with a single JSON object only.")
	return sb.String()
}

func stepID(number int) string {
	return fmt.Sprintf("s%d", number)
}

func dedupe(values []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
