package stages

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/analyst/pkg/catalog"
	"github.com/malbeclabs/analyst/pkg/llm"
	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/malbeclabs/analyst/pkg/querier"
)

const (
	DefaultReasoningTimeout     = 60 * time.Second
	DefaultMaxConcurrentQueries = 4
	DefaultMaxRowsReturned      = 10000
	DefaultMinDataPoints        = 10
	DefaultQualityThreshold     = 0.85
	DefaultConfidenceThreshold  = 0.7
	DefaultAnomalyZScore        = 2.0
	DefaultMaxCharts            = 5
	DefaultRecencyHalfLife      = 30 * 24 * time.Hour
)

// Catalog is the read-only view of the dataset catalog the stages use.
type Catalog interface {
	List(ctx context.Context) ([]catalog.Dataset, error)
	Get(ctx context.Context, name string) (catalog.Dataset, error)
}

// Querier runs one validated query. It must honour the deadline on ctx.
type Querier interface {
	Query(ctx context.Context, sql string) (querier.QueryResponse, error)
}

type Config struct {
	Logger    *slog.Logger
	LLM       llm.Client
	Catalog   Catalog
	Querier   Querier
	Validator pipeline.QueryValidator
	Clock     clockwork.Clock
	// Prompts are loaded from the embedded prompt files when nil.
	Prompts *Prompts

	// ReasoningTimeout bounds every reasoning call.
	ReasoningTimeout     time.Duration
	MaxConcurrentQueries int
	MaxRowsReturned      int
	// MinDataPoints is the row count below which sources and results are
	// flagged as too small.
	MinDataPoints       int
	QualityThreshold    float64
	ConfidenceThreshold float64
	AnomalyZScore       float64
	MaxCharts           int
	RecencyHalfLife     time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.LLM == nil {
		return errors.New("llm client is required")
	}
	if cfg.Catalog == nil {
		return errors.New("catalog is required")
	}
	if cfg.Querier == nil {
		return errors.New("querier is required")
	}
	if cfg.Validator == nil {
		return errors.New("query validator is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Prompts == nil {
		prompts, err := LoadPrompts()
		if err != nil {
			return err
		}
		cfg.Prompts = prompts
	}
	if cfg.ReasoningTimeout == 0 {
		cfg.ReasoningTimeout = DefaultReasoningTimeout
	}
	if cfg.MaxConcurrentQueries == 0 {
		cfg.MaxConcurrentQueries = DefaultMaxConcurrentQueries
	}
	if cfg.MaxRowsReturned == 0 {
		cfg.MaxRowsReturned = DefaultMaxRowsReturned
	}
	if cfg.MinDataPoints == 0 {
		cfg.MinDataPoints = DefaultMinDataPoints
	}
	if cfg.QualityThreshold == 0 {
		cfg.QualityThreshold = DefaultQualityThreshold
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.AnomalyZScore == 0 {
		cfg.AnomalyZScore = DefaultAnomalyZScore
	}
	if cfg.MaxCharts == 0 {
		cfg.MaxCharts = DefaultMaxCharts
	}
	if cfg.RecencyHalfLife == 0 {
		cfg.RecencyHalfLife = DefaultRecencyHalfLife
	}
	if cfg.ReasoningTimeout < 0 || cfg.RecencyHalfLife < 0 {
		return errors.New("reasoning timeout and recency half life must be positive")
	}
	if cfg.MaxConcurrentQueries < 0 || cfg.MaxRowsReturned < 0 || cfg.MinDataPoints < 0 || cfg.MaxCharts < 0 {
		return errors.New("query concurrency, row cap, min data points and max charts must be positive")
	}
	if cfg.QualityThreshold > 1 || cfg.ConfidenceThreshold > 1 {
		return errors.New("quality and confidence thresholds must be within [0, 1]")
	}
	return nil
}
