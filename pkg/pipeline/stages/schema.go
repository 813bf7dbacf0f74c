package stages

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/analyst/pkg/catalog"
)

// describeTable renders a dataset as "TABLE name (col TYPE, ...)".
func describeTable(ds catalog.Dataset) string {
	cols := make([]string, 0, len(ds.Columns))
	for _, c := range ds.Columns {
		cols = append(cols, fmt.Sprintf("%s %s", c.Name, c.Type))
	}
	return fmt.Sprintf("TABLE %s (%s)", ds.Name, strings.Join(cols, ", "))
}

// describeColumns lists column roles and sample values for prompts that need
// more than the table shape.
func describeColumns(ds catalog.Dataset) string {
	var sb strings.Builder
	for _, c := range ds.Columns {
		fmt.Fprintf(&sb, "  - %s %s [%s]", c.Name, c.Type, c.Role)
		if len(c.Samples) > 0 {
			fmt.Fprintf(&sb, " e.g. %s", strings.Join(c.Samples, ", "))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
