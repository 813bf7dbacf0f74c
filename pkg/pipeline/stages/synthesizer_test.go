package stages

import (
	"context"
	"testing"

	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func categoryResults() *pipeline.ExecutionResults {
	return &pipeline.ExecutionResults{Results: []pipeline.QueryResult{
		{
			QueryID: "q1",
			StepID:  "s1",
			Columns: []string{"category", "total_sales"},
			Rows: []map[string]any{
				{"category": "toys", "total_sales": 910.5},
				{"category": "games", "total_sales": 640.0},
				{"category": "books", "total_sales": 320.25},
			},
			RowCount: 3,
		},
		{
			QueryID: "q2",
			StepID:  "s2",
			Error:   &pipeline.QueryError{Kind: pipeline.KindQueryTimeout, Message: "query exceeded its 30s budget"},
		},
	}}
}

func runSynthesizer(t *testing.T, env *testEnv, results *pipeline.ExecutionResults) pipeline.Answer {
	t.Helper()
	stage, err := NewSynthesizer(env.cfg)
	require.NoError(t, err)
	res := stage.Run(context.Background(), pipeline.State{Question: "top categories?", Results: results})
	require.Equal(t, pipeline.OutcomeDelta, res.Outcome, "%v", res.Err)
	return res.Delta[pipeline.FieldAnswer].(pipeline.Answer)
}

func TestSynthesizer_Answers(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.llm.on(headSynthesize, say("  Toys lead with 910.50 in sales.\n"))

	answer := runSynthesizer(t, env, categoryResults())
	assert.Equal(t, "Toys lead with 910.50 in sales.", answer.Text)
	assert.False(t, answer.Degraded)

	prompt := env.llm.prompt(headSynthesize, 0)
	assert.Contains(t, prompt, "--- q1 (step s1) ---")
	assert.Contains(t, prompt, "toys")
}

func TestSynthesizer_DegradesWithoutReasoning(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.llm.on(headSynthesize, fail(errUnavailable))

	answer := runSynthesizer(t, env, categoryResults())
	assert.True(t, answer.Degraded)
	assert.Contains(t, answer.Text, "- q1 returned 3 rows; first row: category=toys")
	assert.Contains(t, answer.Text, "- q2 failed (QueryTimeout).")
	assert.Equal(t, 1, env.llm.callCount(headSynthesize))
}

func TestSynthesizer_EmptyReplyDegrades(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.llm.on(headSynthesize, say("   "))

	answer := runSynthesizer(t, env, categoryResults())
	assert.True(t, answer.Degraded)
}

func TestSynthesizer_NoResults(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	answer := runSynthesizer(t, env, nil)
	assert.True(t, answer.Degraded)
	assert.Equal(t, "No data was available to answer this question.", answer.Text)
	assert.Zero(t, env.llm.totalCalls())
}
