package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/malbeclabs/analyst/pkg/catalog"
	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/olekukonko/tablewriter"
)

// Result tables are cut to this many rows on the terminal; --json prints
// them whole.
const maxPrintedRows = 20

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader(header)
	return table
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printPackage(w io.Writer, pkg *pipeline.Package) {
	fmt.Fprintf(w, "Run:      %s\n", pkg.RequestID)
	fmt.Fprintf(w, "Status:   %s\n", pkg.Status)
	fmt.Fprintf(w, "Question: %s\n", pkg.Question)

	if pkg.Capabilities != nil {
		fmt.Fprintf(w, "\n%s\n", pkg.Capabilities.Text)
		if len(pkg.Capabilities.Datasets) > 0 {
			fmt.Fprintf(w, "\nDatasets: %s\n", strings.Join(pkg.Capabilities.Datasets, ", "))
		}
		for _, ex := range pkg.Capabilities.Examples {
			fmt.Fprintf(w, "  - %s\n", ex)
		}
	}

	if len(pkg.Sources) > 0 {
		fmt.Fprintln(w, "\nSources:")
		table := newTable(w, []string{"Dataset", "Confidence", "Rows", "Quality"})
		for _, src := range pkg.Sources {
			table.Append([]string{
				src.Name,
				fmt.Sprintf("%.2f", src.Confidence),
				fmt.Sprintf("%d", src.RowCount),
				fmt.Sprintf("%.2f", src.Quality),
			})
		}
		table.Render()
	}

	if pkg.Plan != nil && len(pkg.Plan.Steps) > 0 {
		fmt.Fprintln(w, "\nPlan:")
		for _, step := range pkg.Plan.Steps {
			fmt.Fprintf(w, "  %d. %s [%s]", step.Number, step.Goal, strings.Join(step.Sources, ", "))
			if len(step.DependsOn) > 0 {
				fmt.Fprintf(w, " after %s", strings.Join(step.DependsOn, ", "))
			}
			fmt.Fprintln(w)
		}
	}

	if pkg.AwaitingApproval() {
		printProposed(w, pkg)
		fmt.Fprintf(w, "\nThe run is awaiting approval. Resume it with: analyst resume %s\n", pkg.RequestID)
		return
	}

	if pkg.Answer != "" {
		fmt.Fprintf(w, "\nAnswer:\n%s\n", pkg.Answer)
	}

	for _, r := range pkg.Tables {
		printResult(w, r)
	}

	if len(pkg.Insights) > 0 {
		fmt.Fprintln(w, "\nInsights:")
		for _, in := range pkg.Insights {
			fmt.Fprintf(w, "  - %s (%s, %s)\n", in.Text, in.Category, in.Evidence)
		}
	}
	if len(pkg.Anomalies) > 0 {
		fmt.Fprintln(w, "\nAnomalies:")
		for _, a := range pkg.Anomalies {
			fmt.Fprintf(w, "  - %s\n", a.Description)
		}
	}
	if len(pkg.Charts) > 0 {
		fmt.Fprintln(w, "\nCharts:")
		table := newTable(w, []string{"Chart", "Kind", "Title", "Data"})
		for _, c := range pkg.Charts {
			table.Append([]string{c.ID, string(c.Kind), c.Title, c.DataRef})
		}
		table.Render()
	}

	if pkg.Confidence != nil {
		fmt.Fprintf(w, "\nConfidence: %.0f%%\n", 100*(*pkg.Confidence))
	}
	printList(w, "Caveats", pkg.Caveats)
	printList(w, "Recommendations", pkg.Recommendations)

	if pkg.Error != nil {
		fmt.Fprintf(w, "\nFailed at %s (%s): %s\n", pkg.Error.Stage, pkg.Error.Kind, pkg.Error.Reason)
	}
}

func printProposed(w io.Writer, pkg *pipeline.Package) {
	fmt.Fprintln(w, "\nProposed queries:")
	table := newTable(w, []string{"Query", "Step", "SQL"})
	for _, q := range pkg.ProposedQueries {
		table.Append([]string{q.ID, q.StepID, q.SQL})
	}
	table.Render()

	for _, r := range pkg.RejectedQueries {
		fmt.Fprintf(w, "Rejected for %s (%s): %s\n", r.StepID, r.Reason, r.Detail)
	}
}

func printResult(w io.Writer, r pipeline.QueryResult) {
	fmt.Fprintf(w, "\n%s (%s):\n", r.QueryID, r.StepID)
	if !r.OK() {
		fmt.Fprintf(w, "  failed (%s): %s\n", r.Error.Kind, r.Error.Message)
		return
	}
	if len(r.Columns) == 0 {
		fmt.Fprintln(w, "  no columns")
		return
	}

	table := newTable(w, r.Columns)
	for i, row := range r.Rows {
		if i == maxPrintedRows {
			break
		}
		cells := make([]string, len(r.Columns))
		for j, col := range r.Columns {
			cells[j] = formatCell(row[col])
		}
		table.Append(cells)
	}
	table.Render()

	switch {
	case r.RowCount > maxPrintedRows:
		fmt.Fprintf(w, "  %d of %d rows shown\n", maxPrintedRows, r.RowCount)
	case r.Truncated:
		fmt.Fprintf(w, "  %d rows (truncated)\n", r.RowCount)
	}
}

func printList(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(w, "  - %s\n", item)
	}
}

func printDatasets(w io.Writer, datasets []catalog.Dataset) {
	table := newTable(w, []string{"Name", "Format", "Rows", "Columns", "Quality", "Registered", "Source"})
	for _, ds := range datasets {
		table.Append([]string{
			ds.Name,
			string(ds.Format),
			fmt.Sprintf("%d", ds.RowCount),
			fmt.Sprintf("%d", len(ds.Columns)),
			fmt.Sprintf("%.2f", ds.Quality),
			ds.RegisteredAt.UTC().Format("2006-01-02 15:04"),
			ds.Source,
		})
	}
	table.Render()
}

func printDataset(w io.Writer, ds catalog.Dataset) {
	fmt.Fprintf(w, "Name:       %s\n", ds.Name)
	fmt.Fprintf(w, "Source:     %s\n", ds.Source)
	fmt.Fprintf(w, "Format:     %s\n", ds.Format)
	fmt.Fprintf(w, "Rows:       %d\n", ds.RowCount)
	fmt.Fprintf(w, "Quality:    %.2f\n", ds.Quality)
	fmt.Fprintf(w, "Registered: %s\n\n", ds.RegisteredAt.UTC().Format("2006-01-02 15:04:05"))

	table := newTable(w, []string{"Column", "Type", "Role", "Distinct", "Null %", "Samples"})
	for _, c := range ds.Columns {
		table.Append([]string{
			c.Name,
			c.Type,
			string(c.Role),
			fmt.Sprintf("%d", c.Distinct),
			fmt.Sprintf("%.1f", 100*c.NullFraction),
			strings.Join(c.Samples, ", "),
		})
	}
	table.Render()
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case float64:
		return formatFloat(x)
	case float32:
		return formatFloat(float64(x))
	default:
		return fmt.Sprint(x)
	}
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return fmt.Sprintf("%.0f", f)
	}
	return fmt.Sprintf("%.2f", f)
}
