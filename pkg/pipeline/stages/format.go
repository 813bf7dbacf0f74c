package stages

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/analyst/pkg/pipeline"
)

const (
	maxPromptRows   = 50
	maxPromptLength = 10000
)

// formatValue renders one cell for a prompt or a summary. Floats are rounded
// to two places; long decimals read as noise to the model.
func formatValue(v any) string {
	switch val := v.(type) {
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%.0f", val)
		}
		return fmt.Sprintf("%.2f", val)
	case float32:
		if val == float32(int32(val)) {
			return fmt.Sprintf("%.0f", val)
		}
		return fmt.Sprintf("%.2f", val)
	case nil:
		return ""
	default:
		s := fmt.Sprintf("%v", v)
		if len(s) > 100 {
			s = s[:97] + "..."
		}
		return s
	}
}

// formatResult renders a result table for a prompt.
func formatResult(r pipeline.QueryResult) string {
	if r.Error != nil {
		return fmt.Sprintf("Error (%s): %s", r.Error.Kind, r.Error.Message)
	}
	if r.RowCount == 0 {
		return "Query returned no results."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Columns: %s\n", strings.Join(r.Columns, ", "))
	fmt.Fprintf(&sb, "Rows (%d total):\n", r.RowCount)
	for i := 0; i < len(r.Rows) && i < maxPromptRows; i++ {
		values := make([]string, len(r.Columns))
		for j, col := range r.Columns {
			values[j] = formatValue(r.Rows[i][col])
		}
		sb.WriteString(strings.Join(values, " | ") + "\n")
	}
	if r.RowCount > maxPromptRows {
		fmt.Fprintf(&sb, "... and %d more rows\n", r.RowCount-maxPromptRows)
	}
	return sb.String()
}

// formatResults renders every result, successful or not, under its query id.
func formatResults(results []pipeline.QueryResult) string {
	var sb strings.Builder
	for _, r := range results {
		fmt.Fprintf(&sb, "--- %s (step %s) ---\nSQL: %s\n%s\n", r.QueryID, r.StepID, r.SQL, formatResult(r))
	}
	out := sb.String()
	if len(out) > maxPromptLength {
		out = out[:maxPromptLength] + "\n... (truncated)"
	}
	return out
}
