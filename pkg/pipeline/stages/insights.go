package stages

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/malbeclabs/analyst/pkg/pipeline"
)

const (
	maxInsights = 5
	// Metrics need this many values before a z-score means anything.
	minAnomalySample = 3

	CategoryRanking    = "ranking"
	CategoryComparison = "comparison"
	CategorySummary    = "summary"
	CategoryAnomaly    = "anomaly"
)

type insightReply struct {
	Text       string   `json:"text" validate:"required"`
	Evidence   string   `json:"evidence" validate:"required"`
	Category   string   `json:"category"`
	Metric     string   `json:"metric"`
	Magnitude  *float64 `json:"magnitude"`
	Confidence *float64 `json:"confidence" validate:"omitempty,gte=0,lte=1"`
}

type insightsReply struct {
	Insights []insightReply `json:"insights" validate:"dive"`
}

// InsightGenerator extracts findings from the successful results and flags
// statistical outliers. It never fails a run: without usable reasoning
// output it derives leader and spread findings directly from the tables.
type InsightGenerator struct {
	log       *slog.Logger
	reason    reasoner
	system    string
	threshold float64
}

func NewInsightGenerator(cfg Config) (*InsightGenerator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate stages config: %w", err)
	}
	system, err := withSchema[insightsReply](cfg.Prompts.Insights)
	if err != nil {
		return nil, fmt.Errorf("failed to build insights prompt: %w", err)
	}
	return &InsightGenerator{
		log:       cfg.Logger,
		reason:    newReasoner(&cfg),
		system:    system,
		threshold: cfg.AnomalyZScore,
	}, nil
}

func (s *InsightGenerator) Descriptor() pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:   pipeline.StageInsights,
		Reads:  []pipeline.Field{pipeline.FieldQuestion, pipeline.FieldResults},
		Writes: []pipeline.Field{pipeline.FieldInsights},
	}
}

func (s *InsightGenerator) Run(ctx context.Context, state pipeline.State) pipeline.Result {
	var ok []pipeline.QueryResult
	if state.Results != nil {
		for _, r := range state.Results.Results {
			if r.OK() && r.RowCount > 0 {
				ok = append(ok, r)
			}
		}
	}
	set := pipeline.InsightSet{Insights: []pipeline.Insight{}}
	if len(ok) == 0 {
		return pipeline.Emit(pipeline.Delta{pipeline.FieldInsights: set})
	}

	set.Anomalies = DetectAnomalies(ok, s.threshold)

	insights, err := s.reasoned(ctx, state.Question, ok)
	if err != nil {
		s.log.Warn("insights: falling back to derived insights", "request_id", state.RequestID, "error", err)
	}
	if len(insights) == 0 {
		insights = deriveInsights(ok, set.Anomalies)
	}
	set.Insights = insights
	return pipeline.Emit(pipeline.Delta{pipeline.FieldInsights: set})
}

func (s *InsightGenerator) reasoned(ctx context.Context, question string, results []pipeline.QueryResult) ([]pipeline.Insight, error) {
	user := fmt.Sprintf("QUESTION: %s\n\nDATA RESULTS:\n\n%s\nExtract the key insights.", question, formatResults(results))
	reply, _, perr := decode[insightsReply](ctx, s.reason, s.system, user)
	if perr != nil {
		return nil, perr
	}

	known := make(map[string]struct{}, len(results))
	for _, r := range results {
		known[r.QueryID] = struct{}{}
	}
	var out []pipeline.Insight
	for _, in := range reply.Insights {
		evidence := strings.TrimSpace(in.Evidence)
		if _, ok := known[evidence]; !ok {
			continue
		}
		insight := pipeline.Insight{
			Text:       strings.TrimSpace(in.Text),
			Evidence:   evidence,
			Category:   normalizeTerm(in.Category),
			Metric:     in.Metric,
			Confidence: 0.75,
		}
		if insight.Category == "" {
			insight.Category = CategorySummary
		}
		if in.Magnitude != nil {
			insight.Magnitude = *in.Magnitude
		}
		if in.Confidence != nil {
			insight.Confidence = *in.Confidence
		}
		out = append(out, insight)
		if len(out) == maxInsights {
			break
		}
	}
	return out, nil
}

// DetectAnomalies flags values at least threshold standard deviations from
// their column mean.
func DetectAnomalies(results []pipeline.QueryResult, threshold float64) []pipeline.Anomaly {
	var out []pipeline.Anomaly
	for _, r := range results {
		shape := shapeOf(r)
		for _, metric := range shape.metrics {
			values := column(r, metric)
			if len(values) < minAnomalySample {
				continue
			}
			mean, std := meanStd(values)
			if std == 0 {
				continue
			}
			for _, row := range r.Rows {
				v, ok := toFloat(row[metric])
				if !ok {
					continue
				}
				z := (v - mean) / std
				if math.Abs(z) < threshold {
					continue
				}
				label := rowLabel(row, shape)
				direction := "above"
				if z < 0 {
					direction = "below"
				}
				subject := metric
				if label != "" {
					subject = fmt.Sprintf("%s for %s", metric, label)
				}
				out = append(out, pipeline.Anomaly{
					Evidence:    r.QueryID,
					Column:      metric,
					Label:       label,
					Value:       v,
					ZScore:      z,
					Description: fmt.Sprintf("%s is %s, %.1f standard deviations %s the mean of %s", subject, formatValue(v), math.Abs(z), direction, formatValue(mean)),
				})
			}
		}
	}
	return out
}

// deriveInsights produces leader and spread findings per table.
func deriveInsights(results []pipeline.QueryResult, anomalies []pipeline.Anomaly) []pipeline.Insight {
	var out []pipeline.Insight
	for _, r := range results {
		shape := shapeOf(r)
		if len(shape.metrics) == 0 {
			out = append(out, pipeline.Insight{
				Text:       fmt.Sprintf("%s returned %d rows.", r.QueryID, r.RowCount),
				Evidence:   r.QueryID,
				Category:   CategorySummary,
				Confidence: 0.5,
			})
			continue
		}
		metric := shape.metrics[0]

		if r.RowCount == 1 {
			v, _ := toFloat(r.Rows[0][metric])
			out = append(out, pipeline.Insight{
				Text:       fmt.Sprintf("%s is %s.", metric, formatValue(v)),
				Evidence:   r.QueryID,
				Category:   CategorySummary,
				Metric:     metric,
				Magnitude:  v,
				Confidence: 0.7,
			})
			continue
		}

		hi, lo := -1, -1
		var total float64
		for i, row := range r.Rows {
			v, ok := toFloat(row[metric])
			if !ok {
				continue
			}
			total += v
			if hi < 0 || v > mustFloat(r.Rows[hi][metric]) {
				hi = i
			}
			if lo < 0 || v < mustFloat(r.Rows[lo][metric]) {
				lo = i
			}
		}
		if hi < 0 {
			continue
		}
		top := mustFloat(r.Rows[hi][metric])
		bottom := mustFloat(r.Rows[lo][metric])

		if len(shape.labels) > 0 {
			text := fmt.Sprintf("%s leads %s with %s", rowLabel(r.Rows[hi], shape), metric, formatValue(top))
			if total > 0 && top >= 0 {
				text += fmt.Sprintf(" (%.0f%% of the total)", 100*top/total)
			}
			out = append(out, pipeline.Insight{
				Text:       text + ".",
				Evidence:   r.QueryID,
				Category:   CategoryRanking,
				Metric:     metric,
				Magnitude:  top,
				Confidence: 0.7,
			})
		}
		if hi != lo {
			out = append(out, pipeline.Insight{
				Text: fmt.Sprintf("%s ranges from %s (%s) to %s (%s).", metric,
					formatValue(bottom), labelOr(r.Rows[lo], shape, "lowest"),
					formatValue(top), labelOr(r.Rows[hi], shape, "highest")),
				Evidence:   r.QueryID,
				Category:   CategoryComparison,
				Metric:     metric,
				Magnitude:  top - bottom,
				Confidence: 0.6,
			})
		}
	}

	for _, a := range anomalies {
		out = append(out, pipeline.Insight{
			Text:       a.Description + ".",
			Evidence:   a.Evidence,
			Category:   CategoryAnomaly,
			Metric:     a.Column,
			Magnitude:  a.ZScore,
			Confidence: 0.6,
		})
	}
	if len(out) > maxInsights {
		out = out[:maxInsights]
	}
	return out
}

// rowLabel joins the label and time columns of a row.
func rowLabel(row map[string]any, shape tableShape) string {
	var parts []string
	for _, col := range shape.labels {
		if v := formatValue(row[col]); v != "" {
			parts = append(parts, v)
		}
	}
	for _, col := range shape.times {
		if v := formatValue(row[col]); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " / ")
}

func labelOr(row map[string]any, shape tableShape, fallback string) string {
	if l := rowLabel(row, shape); l != "" {
		return l
	}
	return fallback
}

func mustFloat(v any) float64 {
	f, _ := toFloat(v)
	return f
}
