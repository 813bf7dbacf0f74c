package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/malbeclabs/analyst/pkg/llm"
	"github.com/malbeclabs/analyst/pkg/metrics"
	"github.com/malbeclabs/analyst/pkg/pipeline"
)

var errNoSQL = errors.New("could not extract SQL from response")

const maxExplanationBytes = 500

type generateReply struct {
	SQL         string `json:"sql"`
	Explanation string `json:"explanation"`
}

// ExecutionAgent writes one query per plan step and passes each through the
// safety validator. Rejected queries are kept as warnings.
type ExecutionAgent struct {
	log       *slog.Logger
	reason    reasoner
	catalog   Catalog
	validator pipeline.QueryValidator
	system    string
}

func NewExecutionAgent(cfg Config) (*ExecutionAgent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate stages config: %w", err)
	}
	system, err := withSchema[generateReply](cfg.Prompts.Generate)
	if err != nil {
		return nil, fmt.Errorf("failed to build generate prompt: %w", err)
	}
	return &ExecutionAgent{
		log:       cfg.Logger,
		reason:    newReasoner(&cfg),
		catalog:   cfg.Catalog,
		validator: cfg.Validator,
		system:    system,
	}, nil
}

func (s *ExecutionAgent) Descriptor() pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:   pipeline.StageExecutionAgent,
		Reads:  []pipeline.Field{pipeline.FieldQuestion, pipeline.FieldPlan},
		Writes: []pipeline.Field{pipeline.FieldQueries},
	}
}

func (s *ExecutionAgent) Run(ctx context.Context, state pipeline.State) pipeline.Result {
	if state.Plan == nil || len(state.Plan.Steps) == 0 {
		return pipeline.Fail(pipeline.NewError(pipeline.KindInvalidState, "no analysis plan available"))
	}

	var set pipeline.QuerySet
	for _, step := range state.Plan.Steps {
		// The system prompt is identical for every step.
		response, perr := s.reason.complete(ctx, s.system, s.userPrompt(ctx, state.Question, step), llm.WithCacheControl())
		if perr != nil {
			return pipeline.Retry(perr)
		}
		sql, explanation, err := parseGenerateResponse(response)
		if err != nil {
			return pipeline.Retry(pipeline.NewError(pipeline.KindMalformedOutput, "step %s: %v", step.ID, err).WithRaw(response))
		}

		verdict := s.validator.Validate(sql)
		if !verdict.Accepted {
			metrics.QueriesRejectedTotal.WithLabelValues(string(verdict.Reason)).Inc()
			s.log.Info("generate: query rejected", "request_id", state.RequestID, "step", step.ID, "reason", verdict.Reason, "detail", verdict.Detail)
			set.Rejected = append(set.Rejected, pipeline.RejectedQuery{
				StepID: step.ID,
				SQL:    sql,
				Reason: string(verdict.Reason),
				Detail: verdict.Detail,
			})
			continue
		}
		set.Queries = append(set.Queries, pipeline.Query{
			ID:            fmt.Sprintf("q%d", len(set.Queries)+1),
			StepID:        step.ID,
			SQL:           verdict.SQL,
			Explanation:   explanation,
			Timeout:       verdict.Timeout,
			LimitInjected: verdict.LimitInjected,
		})
	}

	if len(set.Queries) == 0 {
		reasons := make([]string, 0, len(set.Rejected))
		for _, r := range set.Rejected {
			reasons = append(reasons, fmt.Sprintf("%s: %s", r.StepID, r.Reason))
		}
		return pipeline.Retry(pipeline.NewError(pipeline.KindQueryRejected, "every generated query was rejected (%s)", strings.Join(reasons, "; ")))
	}
	return pipeline.Emit(pipeline.Delta{pipeline.FieldQueries: set})
}

func (s *ExecutionAgent) userPrompt(ctx context.Context, question string, step pipeline.PlanStep) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "QUESTION:\n%s\n\n", question)
	fmt.Fprintf(&sb, "ANALYSIS STEP %d:\n%s\n\n", step.Number, step.Goal)
	sb.WriteString("AVAILABLE TABLES:\n")
	for _, name := range step.Sources {
		ds, err := s.catalog.Get(ctx, name)
		if err != nil {
			fmt.Fprintf(&sb, "TABLE %s\n", name)
			continue
		}
		sb.WriteString(describeTable(ds) + "\n")
		sb.WriteString(describeColumns(ds))
	}
	sb.WriteString("\nReturn the SQL query for this step.")
	return sb.String()
}

// parseGenerateResponse extracts SQL and explanation from the reply: a JSON
// object first, then a fenced code block, then the bare reply if it reads
// as SQL.
func parseGenerateResponse(response string) (sql, explanation string, err error) {
	response = strings.TrimSpace(response)

	if raw := llm.ExtractJSON(response); raw != "" {
		var parsed generateReply
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil && strings.TrimSpace(parsed.SQL) != "" {
			return cleanSQL(parsed.SQL), strings.TrimSpace(parsed.Explanation), nil
		}
	}

	if sql = extractSQLFromCodeBlocks(response); sql != "" {
		return sql, extractExplanation(response), nil
	}

	if looksLikeSQL(response) {
		return cleanSQL(response), "", nil
	}
	return "", "", errNoSQL
}

func extractSQLFromCodeBlocks(response string) string {
	if start := strings.Index(response, "```sql"); start != -1 {
		start += len("```sql")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return cleanSQL(response[start : start+end])
		}
	}
	if strings.Contains(response, "```") {
		if content := llm.StripCodeFence(response); looksLikeSQL(content) {
			return cleanSQL(content)
		}
	}
	return ""
}

// looksLikeSQL reports whether text starts like a statement. Mutating
// statements count so that the validator, not the parser, rejects them.
func looksLikeSQL(text string) bool {
	upper := strings.ToUpper(strings.TrimSpace(text))
	for _, kw := range []string{"SELECT", "WITH", "FROM", "INSERT", "UPDATE", "DELETE", "CREATE", "ALTER", "DROP"} {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}
	return false
}

func cleanSQL(sql string) string {
	return strings.TrimSuffix(strings.TrimSpace(sql), ";")
}

// extractExplanation returns the reply text outside code blocks.
func extractExplanation(response string) string {
	result := response
	for {
		start := strings.Index(result, "```")
		if start == -1 {
			break
		}
		end := strings.Index(result[start+3:], "```")
		if end == -1 {
			break
		}
		result = result[:start] + result[start+3+end+3:]
	}
	result = strings.TrimSpace(result)
	return truncate(result, maxExplanationBytes)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
