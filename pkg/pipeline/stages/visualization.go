package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/analyst/pkg/pipeline"
)

// Pie charts stop being readable past this many slices.
const maxPieSlices = 6

// Visualizer picks a chart per successful result from the shape of its
// columns.
type Visualizer struct {
	log       *slog.Logger
	maxCharts int
}

func NewVisualizer(cfg Config) (*Visualizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate stages config: %w", err)
	}
	return &Visualizer{log: cfg.Logger, maxCharts: cfg.MaxCharts}, nil
}

func (s *Visualizer) Descriptor() pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:   pipeline.StageVisualization,
		Reads:  []pipeline.Field{pipeline.FieldResults},
		Writes: []pipeline.Field{pipeline.FieldVisualizations},
	}
}

func (s *Visualizer) Run(_ context.Context, state pipeline.State) pipeline.Result {
	set := pipeline.VisualizationSet{Charts: []pipeline.Visualization{}}
	if state.Results != nil {
		for _, r := range state.Results.Results {
			if len(set.Charts) == s.maxCharts {
				break
			}
			if !r.OK() || r.RowCount == 0 {
				continue
			}
			chart := ChooseChart(r)
			chart.ID = fmt.Sprintf("chart_%d", len(set.Charts)+1)
			set.Charts = append(set.Charts, chart)
		}
	}
	return pipeline.Emit(pipeline.Delta{pipeline.FieldVisualizations: set})
}

// ChooseChart maps a result table to a chart:
//   - a time column and a metric: line
//   - one label and one metric: pie for a few positive values, bar otherwise
//   - two or more metrics and no labels: scatter
//   - anything else: table
func ChooseChart(r pipeline.QueryResult) pipeline.Visualization {
	shape := shapeOf(r)
	chart := pipeline.Visualization{DataRef: r.QueryID}

	switch {
	case len(shape.times) > 0 && len(shape.metrics) > 0:
		chart.Kind = pipeline.ChartLine
		chart.Config = map[string]string{"x": shape.times[0], "y": shape.metrics[0]}
		if len(shape.labels) > 0 {
			chart.Config["series"] = shape.labels[0]
		}
		chart.Title = fmt.Sprintf("%s over %s", shape.metrics[0], shape.times[0])

	case len(shape.labels) == 1 && len(shape.metrics) == 1:
		chart.Kind = pipeline.ChartBar
		if r.RowCount <= maxPieSlices && allPositive(column(r, shape.metrics[0]), r.RowCount) {
			chart.Kind = pipeline.ChartPie
		}
		chart.Config = map[string]string{"x": shape.labels[0], "y": shape.metrics[0]}
		chart.Title = fmt.Sprintf("%s by %s", shape.metrics[0], shape.labels[0])

	case len(shape.labels) == 0 && len(shape.metrics) >= 2:
		chart.Kind = pipeline.ChartScatter
		chart.Config = map[string]string{"x": shape.metrics[0], "y": shape.metrics[1]}
		chart.Title = fmt.Sprintf("%s vs %s", shape.metrics[1], shape.metrics[0])

	default:
		chart.Kind = pipeline.ChartTable
		chart.Config = map[string]string{"columns": strings.Join(r.Columns, ",")}
		chart.Title = fmt.Sprintf("Results of %s", r.QueryID)
	}
	return chart
}

// allPositive requires a value in every row.
func allPositive(values []float64, rows int) bool {
	if len(values) != rows {
		return false
	}
	for _, v := range values {
		if v <= 0 {
			return false
		}
	}
	return true
}
