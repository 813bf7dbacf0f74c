// Package catalog keeps the registry of datasets questions can be asked
// about. Each dataset is profiled once at registration and exposed to the
// query engine as a view named after the dataset.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/malbeclabs/analyst/pkg/duck"
	"github.com/malbeclabs/analyst/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

var ErrNotFound = errors.New("dataset not found")

const catalogFile = "catalog.json"

// Dataset names double as table names in generated SQL.
var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

type Catalog struct {
	log      *slog.Logger
	cfg      Config
	profiler *profiler

	mu       sync.RWMutex
	datasets map[string]Dataset

	fetcherMu sync.Mutex
	fetcher   Fetcher
}

type persisted struct {
	Datasets []Dataset `json:"datasets"`
}

// Open loads catalog.json from cfg.Dir, if present, and recreates the view of
// every dataset whose file is still readable.
func Open(ctx context.Context, cfg Config) (*Catalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate catalog config: %w", err)
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	c := &Catalog{
		log: cfg.Logger,
		cfg: cfg,
		profiler: &profiler{
			db:                   cfg.DB,
			sampleValues:         cfg.SampleValues,
			dimensionCardinality: cfg.DimensionCardinality,
		},
		datasets: make(map[string]Dataset),
		fetcher:  cfg.Fetcher,
	}

	stored, err := c.read()
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		loaded []Dataset
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.LoadConcurrency)
	for _, ds := range stored {
		g.Go(func() error {
			if _, err := os.Stat(ds.Location); err != nil {
				c.log.Warn("catalog: dataset file is missing, skipping", "dataset", ds.Name, "location", ds.Location, "error", err)
				return nil
			}
			if err := c.createView(gctx, ds); err != nil {
				return fmt.Errorf("failed to restore dataset %s: %w", ds.Name, err)
			}
			mu.Lock()
			loaded = append(loaded, ds)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, ds := range loaded {
		c.datasets[ds.Name] = ds
	}
	metrics.CatalogDatasets.Set(float64(len(c.datasets)))
	c.log.Info("catalog: opened", "dir", cfg.Dir, "datasets", len(c.datasets), "skipped", len(stored)-len(loaded))
	return c, nil
}

// Register profiles source and adds it to the catalog under name, replacing
// any dataset already registered under that name.
func (c *Catalog) Register(ctx context.Context, name, source string) (Dataset, error) {
	if !namePattern.MatchString(name) {
		return Dataset{}, fmt.Errorf("invalid dataset name %q: use letters, digits and underscores", name)
	}
	source = strings.TrimSpace(source)
	if source == "" {
		return Dataset{}, errors.New("dataset source is required")
	}

	location, err := c.localize(ctx, name, source)
	if err != nil {
		return Dataset{}, err
	}
	format, err := formatFor(location)
	if err != nil {
		return Dataset{}, err
	}

	// Profiling reads the whole file and runs without the lock.
	columns, rows, through, err := c.profiler.profile(ctx, format, location)
	if err != nil {
		return Dataset{}, fmt.Errorf("failed to profile dataset %s: %w", name, err)
	}
	ds := Dataset{
		Name:         name,
		Source:       source,
		Location:     location,
		Format:       format,
		Columns:      columns,
		RowCount:     rows,
		Quality:      quality(columns),
		RegisteredAt: c.cfg.Clock.Now().UTC(),
		DataThrough:  through,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, replacing := c.datasets[name]
	next := maps.Clone(c.datasets)
	next[name] = ds
	// The new view stays invisible to other connections until catalog.json
	// is written, and the map swap follows under the same lock.
	if err := c.swapView(ctx, ds, func() error { return c.write(next) }); err != nil {
		return Dataset{}, fmt.Errorf("failed to register %s: %w", name, err)
	}
	c.datasets = next
	metrics.CatalogDatasets.Set(float64(len(c.datasets)))

	c.log.Info("catalog: dataset registered", "dataset", name, "rows", rows, "columns", len(columns), "quality", ds.Quality, "replaced", replacing)
	return ds.Clone(), nil
}

// Remove drops a dataset and its view.
func (c *Catalog) Remove(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.datasets[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	next := maps.Clone(c.datasets)
	delete(next, name)
	if err := c.write(next); err != nil {
		return err
	}
	if err := c.exec(ctx, "drop view", "DROP VIEW IF EXISTS "+duck.QuoteIdent(name)); err != nil {
		// The entry is gone from disk; keep memory consistent with it.
		c.log.Warn("catalog: failed to drop view", "dataset", name, "error", err)
	}
	c.datasets = next
	metrics.CatalogDatasets.Set(float64(len(c.datasets)))

	if strings.HasPrefix(prev.Location, c.downloadDir()+string(filepath.Separator)) {
		_ = os.Remove(prev.Location)
	}
	c.log.Info("catalog: dataset removed", "dataset", name)
	return nil
}

func (c *Catalog) Get(_ context.Context, name string) (Dataset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ds, ok := c.datasets[name]
	if !ok {
		return Dataset{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return ds.Clone(), nil
}

// List returns every dataset ordered by name.
func (c *Catalog) List(_ context.Context) ([]Dataset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Dataset, 0, len(c.datasets))
	for _, ds := range c.datasets {
		out = append(out, ds.Clone())
	}
	slices.SortFunc(out, func(a, b Dataset) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (c *Catalog) localize(ctx context.Context, name, source string) (string, error) {
	if strings.HasPrefix(source, "s3://") {
		fetcher, err := c.s3(ctx)
		if err != nil {
			return "", err
		}
		_, key, err := parseS3URI(source)
		if err != nil {
			return "", err
		}
		// The object's base name keeps the extension the reader is chosen by.
		dst := filepath.Join(c.downloadDir(), name+"_"+path.Base(key))
		if err := fetcher.Fetch(ctx, source, dst); err != nil {
			return "", fmt.Errorf("failed to fetch dataset %s: %w", name, err)
		}
		c.log.Debug("catalog: fetched remote source", "dataset", name, "source", source, "location", dst)
		return dst, nil
	}

	abs, err := filepath.Abs(strings.TrimPrefix(source, "file://"))
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path for %s: %w", source, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("dataset source %s is not readable: %w", source, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("dataset source %s is a directory", source)
	}
	return abs, nil
}

func (c *Catalog) s3(ctx context.Context) (Fetcher, error) {
	c.fetcherMu.Lock()
	defer c.fetcherMu.Unlock()

	if c.fetcher != nil {
		return c.fetcher, nil
	}
	cfg := c.cfg.S3
	if cfg == nil {
		var err error
		if cfg, err = LoadS3ConfigFromEnv(); err != nil {
			return nil, fmt.Errorf("failed to load S3 configuration: %w", err)
		}
	}
	fetcher, err := NewS3Fetcher(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.fetcher = fetcher
	return fetcher, nil
}

func (c *Catalog) downloadDir() string {
	return filepath.Join(c.cfg.Dir, "datasets")
}

func (c *Catalog) createView(ctx context.Context, ds Dataset) error {
	query := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM %s", duck.QuoteIdent(ds.Name), readerExpr(ds.Format, ds.Location))
	return c.exec(ctx, "create view "+ds.Name, query)
}

// swapView replaces the dataset's view in a transaction that commits only
// after persist succeeds.
func (c *Catalog) swapView(ctx context.Context, ds Dataset, persist func() error) error {
	conn, err := c.cfg.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	query := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM %s", duck.QuoteIdent(ds.Name), readerExpr(ds.Format, ds.Location))
	return duck.Retry(ctx, c.log, "create view "+ds.Name, func() error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create view: %w", err)
		}
		if err := persist(); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (c *Catalog) exec(ctx context.Context, operation, query string) error {
	conn, err := c.cfg.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	return duck.Retry(ctx, c.log, operation, func() error {
		_, err := conn.ExecContext(ctx, query)
		return err
	})
}

func (c *Catalog) read() ([]Dataset, error) {
	data, err := os.ReadFile(filepath.Join(c.cfg.Dir, catalogFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	return p.Datasets, nil
}

func (c *Catalog) write(datasets map[string]Dataset) error {
	p := persisted{Datasets: make([]Dataset, 0, len(datasets))}
	for _, ds := range datasets {
		p.Datasets = append(p.Datasets, ds)
	}
	slices.SortFunc(p.Datasets, func(a, b Dataset) int { return strings.Compare(a.Name, b.Name) })

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	err = writeAtomic(filepath.Join(c.cfg.Dir, catalogFile), func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to persist catalog: %w", err)
	}
	return nil
}
