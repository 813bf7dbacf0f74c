package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/analyst/pkg/pipeline"
)

type PostgresConfig struct {
	Logger *slog.Logger
	// URL is a postgres:// connection string.
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.URL == "" {
		return errors.New("postgres url is required")
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 10
	}
	if cfg.MinConns == 0 {
		cfg.MinConns = 1
	}
	if cfg.MaxConnLifetime == 0 {
		cfg.MaxConnLifetime = time.Hour
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 30 * time.Minute
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.MinConns > cfg.MaxConns {
		return errors.New("min conns must not exceed max conns")
	}
	return nil
}

// Postgres stores snapshots as JSONB rows, one per run.
type Postgres struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate postgres store config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Postgres{log: cfg.Logger, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	cfg.Logger.Info("runstore: connected to postgres", "host", poolConfig.ConnConfig.Host, "database", poolConfig.ConnConfig.Database)
	return s, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS pipeline_runs (
			request_id TEXT PRIMARY KEY,
			version BIGINT NOT NULL,
			status VARCHAR(32) NOT NULL,
			next_stage VARCHAR(64) NOT NULL,
			snapshot JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create pipeline_runs table: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_pipeline_runs_status_updated
		ON pipeline_runs (status, updated_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create pipeline_runs index: %w", err)
	}
	return nil
}

func (s *Postgres) Load(ctx context.Context, requestID string) (pipeline.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT snapshot FROM pipeline_runs WHERE request_id = $1`, requestID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	var snap pipeline.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *Postgres) Save(ctx context.Context, snap pipeline.Snapshot, expectedVersion int64) error {
	if err := validateRequestID(snap.RequestID); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	var (
		query string
		args  []any
	)
	if expectedVersion == 0 {
		query = `
			INSERT INTO pipeline_runs (request_id, version, status, next_stage, snapshot, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (request_id) DO NOTHING`
		args = []any{snap.RequestID, snap.Version, string(snap.State.Status), string(snap.Next), data, snap.CreatedAt, snap.UpdatedAt}
	} else {
		query = `
			UPDATE pipeline_runs
			SET version = $2, status = $3, next_stage = $4, snapshot = $5, updated_at = $6
			WHERE request_id = $1 AND version = $7`
		args = []any{snap.RequestID, snap.Version, string(snap.State.Status), string(snap.Next), data, snap.UpdatedAt, expectedVersion}
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s at version %d: %w", snap.RequestID, expectedVersion, ErrConflict)
	}
	return nil
}

func (s *Postgres) List(ctx context.Context, opts ListOptions) ([]pipeline.Snapshot, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT snapshot FROM pipeline_runs
		WHERE ($1 = '' OR status = $1)
		ORDER BY updated_at DESC, request_id
		LIMIT $2`, string(opts.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []pipeline.Snapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		var snap pipeline.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return snaps, nil
}
