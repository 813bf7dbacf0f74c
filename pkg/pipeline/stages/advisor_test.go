package stages

import (
	"context"
	"testing"
	"time"

	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sessionsCSV = `country,sessions,visit_date
us,120,2024-01-01
de,80,2024-01-01
fr,60,2024-01-02
us,130,2024-01-02
de,70,2024-01-03
fr,65,2024-01-03
us,125,2024-01-04
de,75,2024-01-04
fr,62,2024-01-05
us,140,2024-01-05
de,90,2024-01-06
fr,58,2024-01-06
`

func runAdvisor(t *testing.T, env *testEnv, state pipeline.State) pipeline.Result {
	t.Helper()
	stage, err := NewAdvisor(env.cfg)
	require.NoError(t, err)
	return stage.Run(context.Background(), state)
}

func TestAdvisor_SelectsMatchingDatasets(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.registerSales(t)
	env.register(t, "web_sessions", sessionsCSV)

	res := runAdvisor(t, env, pipeline.State{Intent: &pipeline.Intent{
		TaskType: "ranking",
		Metrics:  []string{"sales"},
		Entities: []string{"category"},
	}})
	require.Equal(t, pipeline.OutcomeDelta, res.Outcome, "%v", res.Err)
	sel := res.Delta[pipeline.FieldSources].(pipeline.SourceSelection)
	assert.Equal(t, []string{"sales"}, sel.Names())
	assert.InDelta(t, 1.0, sel.Sources[0].Confidence, 1e-9)
	assert.EqualValues(t, 42, sel.Sources[0].RowCount)
	// Recency follows the latest order date, not the registration time.
	assert.True(t, time.Date(2024, 1, 28, 0, 0, 0, 0, time.UTC).Equal(sel.Sources[0].UpdatedAt), sel.Sources[0].UpdatedAt)
	assert.False(t, sel.Manual)
	assert.Empty(t, sel.Warnings)
}

func TestAdvisor_RanksByOverlap(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.registerSales(t)
	env.register(t, "web_sessions", sessionsCSV)

	res := runAdvisor(t, env, pipeline.State{Intent: &pipeline.Intent{
		Metrics:  []string{"sessions"},
		Entities: []string{"region"},
		Segments: []string{"country"},
	}})
	require.Equal(t, pipeline.OutcomeDelta, res.Outcome, "%v", res.Err)
	sel := res.Delta[pipeline.FieldSources].(pipeline.SourceSelection)
	require.Equal(t, []string{"web_sessions", "sales"}, sel.Names())
	assert.Greater(t, sel.Sources[0].Confidence, sel.Sources[1].Confidence)
}

func TestAdvisor_FallsBackToAllDatasets(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.registerSales(t)
	env.register(t, "web_sessions", sessionsCSV)

	res := runAdvisor(t, env, pipeline.State{Intent: &pipeline.Intent{Metrics: []string{"margin"}}})
	require.Equal(t, pipeline.OutcomeDelta, res.Outcome, "%v", res.Err)
	sel := res.Delta[pipeline.FieldSources].(pipeline.SourceSelection)
	assert.ElementsMatch(t, []string{"sales", "web_sessions"}, sel.Names())
	assert.Contains(t, sel.Warnings, fallbackWarning)
	for _, src := range sel.Sources {
		assert.InDelta(t, fallbackConfidence, src.Confidence, 1e-9)
	}
}

func TestAdvisor_ManualSelection(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.registerSales(t)

	t.Run("known", func(t *testing.T) {
		res := runAdvisor(t, env, pipeline.State{ManualSources: []string{"sales", "sales"}})
		require.Equal(t, pipeline.OutcomeDelta, res.Outcome, "%v", res.Err)
		sel := res.Delta[pipeline.FieldSources].(pipeline.SourceSelection)
		assert.True(t, sel.Manual)
		assert.Equal(t, []string{"sales"}, sel.Names())
		assert.InDelta(t, 1.0, sel.Sources[0].Confidence, 1e-9)
	})

	t.Run("unknown", func(t *testing.T) {
		res := runAdvisor(t, env, pipeline.State{ManualSources: []string{"sales_2023"}})
		require.Equal(t, pipeline.OutcomeRetryable, res.Outcome)
		assert.Equal(t, pipeline.KindUnknownDataSource, res.Err.Kind)
		assert.Contains(t, res.Err.Message, `"sales_2023"`)
		assert.Contains(t, res.Err.Message, "re-select from: sales")
	})
}

func TestAdvisor_EmptyCatalogIsFatal(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	res := runAdvisor(t, env, pipeline.State{Intent: &pipeline.Intent{Metrics: []string{"sales"}}})
	require.Equal(t, pipeline.OutcomeFatal, res.Outcome)
	assert.Equal(t, pipeline.KindUnknownDataSource, res.Err.Kind)
}

func TestAdvisor_WarnsAboutWeakDatasets(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.register(t, "tiny", "name,score\nx,1\ny,\nz,\n")

	res := runAdvisor(t, env, pipeline.State{Intent: &pipeline.Intent{Metrics: []string{"score"}}})
	require.Equal(t, pipeline.OutcomeDelta, res.Outcome, "%v", res.Err)
	sel := res.Delta[pipeline.FieldSources].(pipeline.SourceSelection)
	require.Len(t, sel.Sources, 1)
	assert.Contains(t, sel.Sources[0].Warnings, "only 3 rows, results may be noisy")
	assert.Contains(t, sel.Warnings, "Low quality datasets detected: [tiny]")
}

func TestStem(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "category", stem("categories"))
	assert.Equal(t, "sale", stem("sales"))
	assert.Equal(t, "gross", stem("gross"))
	assert.Equal(t, "bus", stem("bus"))
}
