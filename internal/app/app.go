// Package app wires the analyst components from a loaded configuration. Both
// binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/analyst/config"
	"github.com/malbeclabs/analyst/pkg/catalog"
	"github.com/malbeclabs/analyst/pkg/duck"
	"github.com/malbeclabs/analyst/pkg/llm"
	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/malbeclabs/analyst/pkg/pipeline/stages"
	"github.com/malbeclabs/analyst/pkg/querier"
	"github.com/malbeclabs/analyst/pkg/runstore"
	"github.com/malbeclabs/analyst/pkg/safety"
)

type Options struct {
	// LLM replaces the Anthropic client.
	LLM   llm.Client
	Clock clockwork.Clock
}

type App struct {
	Log       *slog.Logger
	Config    *config.Config
	DB        duck.DB
	Catalog   *catalog.Catalog
	Querier   *querier.Querier
	Validator *safety.Validator
	Store     pipeline.Store
	Engine    *pipeline.Engine

	closers []func()
}

func New(ctx context.Context, cfg *config.Config, log *slog.Logger, opts Options) (_ *App, err error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	a := &App{Log: log, Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := duck.NewDB(ctx, cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, func() {
		if err := db.Close(); err != nil {
			log.Error("app: failed to close database", "error", err)
		}
	})

	catalogCfg := catalog.Config{
		Logger: log,
		DB:     db,
		Dir:    cfg.CatalogDir(),
		Clock:  opts.Clock,
	}
	if !cfg.S3.IsZero() {
		catalogCfg.S3 = &catalog.S3Config{
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			UsePathStyle:    cfg.S3.UsePathStyle || cfg.S3.Endpoint != "",
		}
	}
	if a.Catalog, err = catalog.Open(ctx, catalogCfg); err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	if a.Querier, err = querier.New(querier.Config{Logger: log, DB: db, MaxRows: cfg.Pipeline.MaxRowsReturned}); err != nil {
		return nil, fmt.Errorf("failed to create querier: %w", err)
	}

	if a.Validator, err = safety.New(safety.Config{
		RowLimit:           cfg.Safety.RowLimit,
		Timeout:            cfg.Safety.QueryTimeout,
		RejectMissingLimit: cfg.Safety.RejectMissingLimit,
	}); err != nil {
		return nil, fmt.Errorf("failed to create query validator: %w", err)
	}

	if a.Store, err = a.openStore(ctx); err != nil {
		return nil, err
	}

	client := opts.LLM
	if client == nil {
		if client, err = llm.NewAnthropic(llm.AnthropicConfig{
			Logger:      log,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			BaseURL:     cfg.LLM.BaseURL,
			MaxRetries:  cfg.LLM.MaxRetries,
		}); err != nil {
			return nil, fmt.Errorf("failed to create reasoning client: %w", err)
		}
	}

	stageList, err := stages.All(stages.Config{
		Logger:               log,
		LLM:                  client,
		Catalog:              a.Catalog,
		Querier:              a.Querier,
		Validator:            a.Validator,
		Clock:                opts.Clock,
		ReasoningTimeout:     cfg.Pipeline.ReasoningTimeout,
		MaxConcurrentQueries: cfg.Pipeline.MaxConcurrentQueries,
		MaxRowsReturned:      cfg.Pipeline.MaxRowsReturned,
		MinDataPoints:        cfg.Pipeline.MinDataPoints,
		QualityThreshold:     cfg.Pipeline.QualityThreshold,
		ConfidenceThreshold:  cfg.Pipeline.ConfidenceThreshold,
		AnomalyZScore:        cfg.Pipeline.AnomalyZScore,
		MaxCharts:            cfg.Pipeline.MaxCharts,
	})
	if err != nil {
		return nil, err
	}

	if a.Engine, err = pipeline.New(pipeline.Config{
		Logger:      log,
		Stages:      stageList,
		Store:       a.Store,
		Validator:   a.Validator,
		Clock:       opts.Clock,
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		AutoApprove: cfg.Pipeline.AutoApprove,
	}); err != nil {
		return nil, fmt.Errorf("failed to create pipeline engine: %w", err)
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) (pipeline.Store, error) {
	switch a.Config.Store.Kind {
	case config.StoreFile:
		dir := a.Config.Store.Dir
		if dir == "" {
			dir = filepath.Join(a.Config.DataDir, "runs")
		}
		store, err := runstore.NewFile(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open run store: %w", err)
		}
		return store, nil
	case config.StorePostgres:
		store, err := runstore.NewPostgres(ctx, runstore.PostgresConfig{Logger: a.Log, URL: a.Config.Store.PostgresURL})
		if err != nil {
			return nil, fmt.Errorf("failed to open run store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case config.StoreMemory, "":
		store := runstore.NewMemory(runstore.MemoryConfig{ArchiveTTL: a.Config.Store.ArchiveTTL})
		a.closers = append(a.closers, store.Close)
		return store, nil
	}
	return nil, fmt.Errorf("unknown run store %q", a.Config.Store.Kind)
}

// Ready checks that the query engine answers.
func (a *App) Ready(ctx context.Context) error {
	if a.Querier == nil {
		return errors.New("querier not initialized")
	}
	_, err := a.Querier.Query(ctx, "SELECT 1")
	return err
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
