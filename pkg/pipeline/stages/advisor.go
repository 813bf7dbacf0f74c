package stages

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/malbeclabs/analyst/pkg/catalog"
	"github.com/malbeclabs/analyst/pkg/pipeline"
)

const (
	// Weight of term overlap against dataset quality in a source's confidence.
	overlapWeight = 0.7
	qualityWeight = 0.3
	// Confidence of sources selected only because nothing matched.
	fallbackConfidence = 0.5

	fallbackWarning = "No specific datasets matched intent clearly - using all available datasets"
)

// Advisor selects the datasets a run reads, either by validating the
// caller's manual selection or by ranking the catalog against the intent.
type Advisor struct {
	log     *slog.Logger
	catalog Catalog
	cfg     Config
}

func NewAdvisor(cfg Config) (*Advisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate stages config: %w", err)
	}
	return &Advisor{log: cfg.Logger, catalog: cfg.Catalog, cfg: cfg}, nil
}

func (s *Advisor) Descriptor() pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:   pipeline.StageAdvisor,
		Reads:  []pipeline.Field{pipeline.FieldIntent, pipeline.FieldManualSources},
		Writes: []pipeline.Field{pipeline.FieldSources},
	}
}

func (s *Advisor) Run(ctx context.Context, state pipeline.State) pipeline.Result {
	if len(state.ManualSources) > 0 {
		return s.manual(ctx, state.ManualSources)
	}

	datasets, err := s.catalog.List(ctx)
	if err != nil {
		return pipeline.Retry(pipeline.NewError(pipeline.KindInternal, "failed to list datasets: %v", err).WithCause(err))
	}
	if len(datasets) == 0 {
		return pipeline.Fail(pipeline.NewError(pipeline.KindUnknownDataSource, "no datasets are registered"))
	}

	var terms []string
	if state.Intent != nil {
		terms = state.Intent.Terms()
	}

	var selection pipeline.SourceSelection
	for _, ds := range datasets {
		overlap := termOverlap(terms, ds)
		if overlap == 0 {
			continue
		}
		src := s.source(ds)
		src.Confidence = clamp01(overlapWeight*overlap + qualityWeight*ds.Quality)
		selection.Sources = append(selection.Sources, src)
	}

	if len(selection.Sources) == 0 {
		for _, ds := range datasets {
			src := s.source(ds)
			src.Confidence = clamp01(fallbackConfidence * ds.Quality)
			selection.Sources = append(selection.Sources, src)
		}
		selection.Warnings = append(selection.Warnings, fallbackWarning)
	}

	slices.SortStableFunc(selection.Sources, func(a, b pipeline.SelectedSource) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	selection.Warnings = append(selection.Warnings, s.qualityWarnings(selection.Sources)...)

	s.log.Debug("advisor: selected sources", "request_id", state.RequestID, "sources", selection.Names())
	return pipeline.Emit(pipeline.Delta{pipeline.FieldSources: selection})
}

func (s *Advisor) manual(ctx context.Context, names []string) pipeline.Result {
	selection := pipeline.SourceSelection{Manual: true}
	for _, name := range names {
		if selection.Has(name) {
			continue
		}
		ds, err := s.catalog.Get(ctx, name)
		if errors.Is(err, catalog.ErrNotFound) {
			known := s.knownNames(ctx)
			return pipeline.Retry(pipeline.NewError(pipeline.KindUnknownDataSource,
				"unknown data source %q; re-select from: %s", name, strings.Join(known, ", ")))
		}
		if err != nil {
			return pipeline.Retry(pipeline.NewError(pipeline.KindInternal, "failed to look up data source %q: %v", name, err).WithCause(err))
		}
		src := s.source(ds)
		src.Confidence = 1
		selection.Sources = append(selection.Sources, src)
	}
	selection.Warnings = s.qualityWarnings(selection.Sources)
	return pipeline.Emit(pipeline.Delta{pipeline.FieldSources: selection})
}

func (s *Advisor) source(ds catalog.Dataset) pipeline.SelectedSource {
	src := pipeline.SelectedSource{
		Name:      ds.Name,
		RowCount:  ds.RowCount,
		Quality:   ds.Quality,
		UpdatedAt: ds.FreshAsOf(),
	}
	if ds.Quality < s.cfg.QualityThreshold {
		src.Warnings = append(src.Warnings, fmt.Sprintf("quality score %.2f is below %.2f", ds.Quality, s.cfg.QualityThreshold))
	}
	if ds.RowCount < int64(s.cfg.MinDataPoints) {
		src.Warnings = append(src.Warnings, fmt.Sprintf("only %d rows, results may be noisy", ds.RowCount))
	}
	return src
}

func (s *Advisor) qualityWarnings(sources []pipeline.SelectedSource) []string {
	var low []string
	for _, src := range sources {
		if src.Quality < s.cfg.QualityThreshold {
			low = append(low, src.Name)
		}
	}
	if len(low) == 0 {
		return nil
	}
	return []string{fmt.Sprintf("Low quality datasets detected: [%s]", strings.Join(low, ", "))}
}

func (s *Advisor) knownNames(ctx context.Context) []string {
	datasets, err := s.catalog.List(ctx)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(datasets))
	for _, ds := range datasets {
		names = append(names, ds.Name)
	}
	return names
}

// termOverlap is the fraction of terms that match the dataset name or one of
// its columns. Matches on identifier and free-text columns count half.
func termOverlap(terms []string, ds catalog.Dataset) float64 {
	if len(terms) == 0 {
		return 0
	}
	var score float64
	for _, term := range terms {
		best := 0.0
		if termMatches(term, ds.Name) {
			best = 1
		}
		for _, col := range ds.Columns {
			if best == 1 {
				break
			}
			if !termMatches(term, col.Name) {
				continue
			}
			switch col.Role {
			case catalog.RoleMetric, catalog.RoleDimension, catalog.RoleTime:
				best = 1
			default:
				best = max(best, 0.5)
			}
		}
		score += best
	}
	return score / float64(len(terms))
}

func termMatches(term, name string) bool {
	t := stem(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(term)), " ", "_"))
	n := stem(strings.ToLower(name))
	if t == "" || n == "" {
		return false
	}
	if t == n {
		return true
	}
	if len(t) < 3 || len(n) < 3 {
		return false
	}
	return strings.Contains(n, t) || strings.Contains(t, n)
}

// stem folds simple English plurals such as categories and sales.
func stem(s string) string {
	switch {
	case len(s) > 4 && strings.HasSuffix(s, "ies"):
		return s[:len(s)-3] + "y"
	case len(s) > 3 && strings.HasSuffix(s, "s") && !strings.HasSuffix(s, "ss"):
		return s[:len(s)-1]
	}
	return s
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
