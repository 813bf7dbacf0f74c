package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/analyst/pkg/pipeline"
)

var exampleQuestions = []string{
	"Show revenue trend by region in the last quarter",
	"Which products are underperforming based on sales and margin?",
	"Why did our infrastructure cost spike last week?",
	"Analyze web_sessions by country over time",
}

// Capabilities answers questions about the assistant itself. It never calls
// the reasoning capability.
type Capabilities struct {
	log     *slog.Logger
	catalog Catalog
}

func NewCapabilities(cfg Config) (*Capabilities, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate stages config: %w", err)
	}
	return &Capabilities{log: cfg.Logger, catalog: cfg.Catalog}, nil
}

func (s *Capabilities) Descriptor() pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:   pipeline.StageCapabilities,
		Reads:  []pipeline.Field{pipeline.FieldIntent},
		Writes: []pipeline.Field{pipeline.FieldCapabilities},
	}
}

func (s *Capabilities) Run(ctx context.Context, state pipeline.State) pipeline.Result {
	datasets, err := s.catalog.List(ctx)
	if err != nil {
		// The answer is still useful without the dataset list.
		s.log.Warn("capabilities: failed to list datasets", "request_id", state.RequestID, "error", err)
	}

	var sb strings.Builder
	sb.WriteString("I can help you analyze your data by:\n")
	sb.WriteString("- Understanding your question and mapping it to metrics and entities\n")
	sb.WriteString("- Selecting relevant datasets and designing an analysis plan\n")
	sb.WriteString("- Generating read-only SQL for your approval, then running it\n")
	sb.WriteString("- Summarizing the answer with insights, anomalies, charts and confidence caveats\n")

	caps := pipeline.Capabilities{Examples: exampleQuestions}
	sb.WriteString("\n")
	if len(datasets) == 0 {
		sb.WriteString("No datasets are registered yet. Register a CSV, Parquet or JSON file to get started.\n")
	} else {
		sb.WriteString("Registered datasets:\n")
		for _, ds := range datasets {
			caps.Datasets = append(caps.Datasets, ds.Name)
			fmt.Fprintf(&sb, "- %s (%d rows, %d columns) from %s\n", ds.Name, ds.RowCount, len(ds.Columns), ds.Source)
		}
	}

	sb.WriteString("\nExample questions you can ask:\n")
	for _, q := range exampleQuestions {
		fmt.Fprintf(&sb, "- %q\n", q)
	}
	caps.Text = strings.TrimSpace(sb.String())

	return pipeline.Emit(pipeline.Delta{pipeline.FieldCapabilities: caps})
}
