package stages

import (
	"context"
	"testing"

	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planState() pipeline.State {
	return pipeline.State{
		Question: "What were the top 5 product categories by sales?",
		Intent:   &pipeline.Intent{TaskType: "ranking", Metrics: []string{"sales"}, Entities: []string{"category"}, TimeWindow: "90d"},
		Sources: &pipeline.SourceSelection{Sources: []pipeline.SelectedSource{
			{Name: "sales", Confidence: 1, Quality: 1, RowCount: 42},
		}},
	}
}

func runPlanner(t *testing.T, env *testEnv, state pipeline.State) pipeline.Result {
	t.Helper()
	stage, err := NewPlanner(env.cfg)
	require.NoError(t, err)
	return stage.Run(context.Background(), state)
}

func TestPlanner_BuildsPlan(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.registerSales(t)
	env.llm.on(headPlan, say(`{
		"steps": [
			{"number": 1, "goal": "Total sales per category", "sources": ["sales", "sales"]},
			{"number": 2, "goal": "Rank the top five", "sources": ["sales"], "depends_on": [1]}
		],
		"warnings": ["no returns data"],
		"estimated_runtime": "5s"
	}`))

	res := runPlanner(t, env, planState())
	require.Equal(t, pipeline.OutcomeDelta, res.Outcome, "%v", res.Err)
	plan := res.Delta[pipeline.FieldPlan].(pipeline.Plan)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "s1", plan.Steps[0].ID)
	assert.Equal(t, []string{"sales"}, plan.Steps[0].Sources)
	assert.Equal(t, []string{"s1"}, plan.Steps[1].DependsOn)
	assert.Equal(t, []string{"no returns data"}, plan.Warnings)
	assert.Equal(t, "5s", plan.EstimatedRuntime)

	prompt := env.llm.prompt(headPlan, 0)
	assert.Contains(t, prompt, "Task Type: ranking")
	assert.Contains(t, prompt, "TABLE sales (")
	assert.Contains(t, prompt, "category VARCHAR")
}

func TestPlanner_RejectsUnselectedSource(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.llm.on(headPlan, say(`{"steps":[{"number":1,"goal":"Join returns","sources":["sales","returns"]}]}`))

	res := runPlanner(t, env, planState())
	require.Equal(t, pipeline.OutcomeRetryable, res.Outcome)
	assert.Equal(t, pipeline.KindUnselectedSource, res.Err.Kind)
	assert.Contains(t, res.Err.Message, `"returns"`)
	assert.NotEmpty(t, res.Err.Raw)
	assert.Equal(t, 2, (&Planner{}).Descriptor().MaxAttempts)
}

func TestPlanner_MalformedPlans(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply string
	}{
		{"no steps", `{"steps":[]}`},
		{"step without sources", `{"steps":[{"number":1,"goal":"sum"}]}`},
		{"forward dependency", `{"steps":[{"number":1,"goal":"a","sources":["sales"],"depends_on":[2]},{"number":2,"goal":"b","sources":["sales"]}]}`},
		{"misnumbered", `{"steps":[{"number":3,"goal":"a","sources":["sales"]}]}`},
		{"too many steps", `{"steps":[` +
			`{"goal":"a","sources":["sales"]},{"goal":"b","sources":["sales"]},{"goal":"c","sources":["sales"]},` +
			`{"goal":"d","sources":["sales"]},{"goal":"e","sources":["sales"]},{"goal":"f","sources":["sales"]}]}`},
		{"not json", "Step one: sum sales."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			env.llm.on(headPlan, say(tt.reply))

			res := runPlanner(t, env, planState())
			require.Equal(t, pipeline.OutcomeRetryable, res.Outcome)
			assert.Equal(t, pipeline.KindMalformedOutput, res.Err.Kind)
		})
	}
}

func TestPlanner_RequiresSources(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	state := planState()
	state.Sources = nil

	res := runPlanner(t, env, state)
	require.Equal(t, pipeline.OutcomeFatal, res.Outcome)
	assert.Equal(t, pipeline.KindInvalidState, res.Err.Kind)
	assert.Zero(t, env.llm.totalCalls())
}
