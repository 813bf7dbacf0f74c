package catalog

import (
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/analyst/pkg/duck"
)

const (
	DefaultSampleValues = 5
	// Text and boolean columns with at most this many distinct values are dimensions.
	DefaultDimensionCardinality = 50
	DefaultLoadConcurrency      = 4
)

type Config struct {
	Logger *slog.Logger
	DB     duck.DB
	// Dir holds catalog.json and local copies of remote sources.
	Dir   string
	Clock clockwork.Clock
	// Fetcher downloads s3:// sources. When nil one is built from S3 on first use.
	Fetcher Fetcher
	S3      *S3Config

	SampleValues         int
	DimensionCardinality int64
	LoadConcurrency      int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("database is required")
	}
	if cfg.Dir == "" {
		return errors.New("catalog directory is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SampleValues == 0 {
		cfg.SampleValues = DefaultSampleValues
	}
	if cfg.DimensionCardinality == 0 {
		cfg.DimensionCardinality = DefaultDimensionCardinality
	}
	if cfg.LoadConcurrency == 0 {
		cfg.LoadConcurrency = DefaultLoadConcurrency
	}
	if cfg.SampleValues < 0 || cfg.DimensionCardinality < 0 || cfg.LoadConcurrency < 0 {
		return errors.New("sample values, dimension cardinality and load concurrency must be positive")
	}
	return nil
}
