// Package config loads the analyst configuration from a YAML file, a .env
// file and ANALYST_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultDataDir           = ".analyst"
	DefaultListenAddr        = "0.0.0.0:3020"
	DefaultMetricsAddr       = "0.0.0.0:8080"
	DefaultReadHeaderTimeout = 30 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second

	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

type Config struct {
	Verbose bool `yaml:"verbose"`
	// DataDir holds the catalog, downloaded sources and file-backed runs.
	DataDir string `yaml:"data_dir" validate:"required"`
	// Database is the DuckDB file. Empty keeps the query engine in memory;
	// registered datasets are re-attached from the catalog on start-up.
	Database string `yaml:"database"`

	LLM      LLM      `yaml:"llm"`
	Pipeline Pipeline `yaml:"pipeline"`
	Safety   Safety   `yaml:"safety"`
	Store    Store    `yaml:"store"`
	Server   Server   `yaml:"server"`
	S3       S3       `yaml:"s3"`
}

type LLM struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int64   `yaml:"max_tokens" validate:"gte=0"`
	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=1"`
	BaseURL     string  `yaml:"base_url" validate:"omitempty,url"`
	MaxRetries  int     `yaml:"max_retries" validate:"gte=0,lte=10"`
}

type Pipeline struct {
	AutoApprove          bool          `yaml:"auto_approve"`
	MaxAttempts          int           `yaml:"max_attempts" validate:"gte=0,lte=10"`
	ReasoningTimeout     time.Duration `yaml:"reasoning_timeout" validate:"gte=0"`
	MaxConcurrentQueries int           `yaml:"max_concurrent_queries" validate:"gte=0,lte=64"`
	MaxRowsReturned      int           `yaml:"max_rows_returned" validate:"gte=0"`
	MinDataPoints        int           `yaml:"min_data_points" validate:"gte=0"`
	QualityThreshold     float64       `yaml:"quality_threshold" validate:"gte=0,lte=1"`
	ConfidenceThreshold  float64       `yaml:"confidence_threshold" validate:"gte=0,lte=1"`
	AnomalyZScore        float64       `yaml:"anomaly_z_score" validate:"gte=0"`
	MaxCharts            int           `yaml:"max_charts" validate:"gte=0"`
}

type Safety struct {
	RowLimit           int           `yaml:"row_limit" validate:"gte=0"`
	QueryTimeout       time.Duration `yaml:"query_timeout" validate:"gte=0"`
	RejectMissingLimit bool          `yaml:"reject_missing_limit"`
}

type Store struct {
	Kind string `yaml:"kind" validate:"oneof=memory file postgres"`
	// Dir defaults to runs/ under the data directory.
	Dir         string        `yaml:"dir"`
	PostgresURL string        `yaml:"postgres_url" validate:"required_if=Kind postgres"`
	ArchiveTTL  time.Duration `yaml:"archive_ttl" validate:"gte=0"`
}

type Server struct {
	ListenAddr        string        `yaml:"listen_addr" validate:"required"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"gte=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// S3 is optional. When no field is set, s3:// sources fall back to the
// S3_* and AWS_* environment.
type S3 struct {
	Endpoint        string `yaml:"endpoint" validate:"omitempty,url"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

func (s S3) IsZero() bool {
	return s == S3{}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads .env when present, then the YAML file at path (which may be
// empty), then environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills defaults and checks bounds. Zero pipeline and safety
// tunables are left for the components to default.
func (cfg *Config) Validate() error {
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	if cfg.Store.Kind == "" {
		cfg.Store.Kind = StoreMemory
	}
	if cfg.Store.Kind == StoreFile && cfg.Store.Dir == "" {
		cfg.Store.Dir = filepath.Join(cfg.DataDir, "runs")
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// CatalogDir is where the catalog keeps catalog.json.
func (cfg *Config) CatalogDir() string {
	return filepath.Join(cfg.DataDir, "catalog")
}
