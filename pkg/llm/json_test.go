package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		response string
		want     string
	}{
		{"raw object", `{"a": 1}`, `{"a": 1}`},
		{"json fence", "Here you go:\n```json\n{\"a\": 1}\n```\nDone.", `{"a": 1}`},
		{"generic fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"generic fence with trailing text", "```\n{\"a\": 1} trailing\n```", `{"a": 1}`},
		{"embedded in prose", `The plan is {"steps": [{"id": "s1"}]} as requested.`, `{"steps": [{"id": "s1"}]}`},
		{"braces inside strings", `{"sql": "SELECT '}' AS brace", "n": {"x": "\"{"}}`, `{"sql": "SELECT '}' AS brace", "n": {"x": "\"{"}}`},
		{"unbalanced", `{"a": {"b": 1}`, ""},
		{"no object", "I cannot help with that.", ""},
		{"sql fence is not json", "```sql\nSELECT 1\n```", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.response))
		})
	}
}

func TestStripCodeFence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no fence", "  SELECT 1  ", "SELECT 1"},
		{"sql fence", "```sql\nSELECT 1\nFROM t\n```", "SELECT 1\nFROM t"},
		{"bare fence", "```\nSELECT 1\n```", "SELECT 1"},
		{"prose around fence", "Query:\n```sql\nSELECT 1\n```\nThis counts rows.", "SELECT 1"},
		{"single line", "```SELECT 1```", "SELECT 1"},
		{"keyword on first line", "```SELECT\ncount(*) FROM t\n```", "SELECT\ncount(*) FROM t"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripCodeFence(tt.in))
		})
	}
}

type testPlan struct {
	Steps []testStep `json:"steps" validate:"required,min=1,dive"`
}

type testStep struct {
	Goal    string   `json:"goal" validate:"required"`
	Sources []string `json:"sources" validate:"required,min=1"`
}

func TestDecode(t *testing.T) {
	t.Parallel()

	plan, err := Decode[testPlan]("```json\n{\"steps\": [{\"goal\": \"rank\", \"sources\": [\"sales\"]}]}\n```")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "rank", plan.Steps[0].Goal)

	_, err = Decode[testPlan]("no json here")
	require.ErrorIs(t, err, ErrNoJSON)

	_, err = Decode[testPlan](`{"steps": "nope"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse JSON")

	_, err = Decode[testPlan](`{"steps": []}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed validation")

	_, err = Decode[testPlan](`{"steps": [{"goal": "", "sources": ["sales"]}]}`)
	require.Error(t, err)
}

func TestSchemaFor(t *testing.T) {
	t.Parallel()

	schema, err := SchemaFor[testPlan]()
	require.NoError(t, err)
	assert.Contains(t, schema, `"steps"`)
	assert.Contains(t, schema, `"goal"`)
	assert.Contains(t, schema, `"object"`)
}

func TestApply(t *testing.T) {
	t.Parallel()

	o := Apply()
	assert.False(t, o.CacheSystemPrompt)
	assert.Nil(t, o.Temperature)

	o = Apply(WithCacheControl(), WithMaxTokens(128), WithTemperature(0.3))
	assert.True(t, o.CacheSystemPrompt)
	assert.EqualValues(t, 128, o.MaxTokens)
	require.NotNil(t, o.Temperature)
	assert.InDelta(t, 0.3, *o.Temperature, 1e-9)
}
