package stages

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode"

	"github.com/malbeclabs/analyst/pkg/pipeline"
)

const (
	TaskCapability    = "capability"
	TaskCustom        = "custom"
	DefaultTimeWindow = "90d"

	defaultIntentConfidence = 0.8
)

// Questions about the assistant itself, answered without a reasoning call.
var capabilityPhrases = []string{
	"what can you do",
	"what can you help with",
	"how can you help",
	"what are your capabilities",
}

type intentReply struct {
	TaskType     string   `json:"task_type" validate:"required"`
	Entities     []string `json:"entities"`
	Metrics      []string `json:"metrics"`
	TimeWindow   string   `json:"time_window"`
	Segments     []string `json:"segments"`
	Confidence   *float64 `json:"confidence" validate:"omitempty,gte=0,lte=1"`
	IsCapability bool     `json:"is_capability"`
}

type Interpreter struct {
	log    *slog.Logger
	reason reasoner
	system string
}

func NewInterpreter(cfg Config) (*Interpreter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate stages config: %w", err)
	}
	system, err := withSchema[intentReply](cfg.Prompts.Interpret)
	if err != nil {
		return nil, fmt.Errorf("failed to build interpreter prompt: %w", err)
	}
	return &Interpreter{log: cfg.Logger, reason: newReasoner(&cfg), system: system}, nil
}

func (s *Interpreter) Descriptor() pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:   pipeline.StageInterpreter,
		Reads:  []pipeline.Field{pipeline.FieldQuestion},
		Writes: []pipeline.Field{pipeline.FieldIntent},
	}
}

func (s *Interpreter) Run(ctx context.Context, state pipeline.State) pipeline.Result {
	if IsCapabilityQuestion(state.Question) {
		s.log.Debug("interpreter: capability question", "request_id", state.RequestID)
		return pipeline.Emit(pipeline.Delta{pipeline.FieldIntent: pipeline.Intent{
			TaskType:     TaskCapability,
			Confidence:   1,
			IsCapability: true,
		}})
	}

	user := fmt.Sprintf("USER QUESTION:\n%s\n\nRespond with a single JSON object only, no explanation.", state.Question)
	reply, _, perr := decode[intentReply](ctx, s.reason, s.system, user)
	if perr != nil {
		return pipeline.Retry(perr)
	}

	intent := pipeline.Intent{
		TaskType:     normalizeTerm(reply.TaskType),
		Entities:     normalizeTerms(reply.Entities),
		Metrics:      normalizeTerms(reply.Metrics),
		TimeWindow:   strings.TrimSpace(reply.TimeWindow),
		Segments:     normalizeTerms(reply.Segments),
		Confidence:   defaultIntentConfidence,
		IsCapability: reply.IsCapability,
	}
	if intent.TaskType == "" {
		intent.TaskType = TaskCustom
	}
	if intent.TimeWindow == "" {
		intent.TimeWindow = DefaultTimeWindow
	}
	if reply.Confidence != nil {
		intent.Confidence = *reply.Confidence
	}
	if intent.IsCapability {
		intent.TaskType = TaskCapability
	}
	return pipeline.Emit(pipeline.Delta{pipeline.FieldIntent: intent})
}

// IsCapabilityQuestion reports whether the question asks what the assistant
// can do rather than asking about data.
func IsCapabilityQuestion(question string) bool {
	q := strings.ToLower(strings.TrimSpace(question))
	q = strings.TrimRightFunc(q, func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSpace(r) })
	if q == "help" {
		return true
	}
	for _, p := range capabilityPhrases {
		if strings.Contains(q, p) {
			return true
		}
	}
	return false
}

func normalizeTerm(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func normalizeTerms(terms []string) []string {
	var out []string
	for _, t := range terms {
		t = normalizeTerm(t)
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
