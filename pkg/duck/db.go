package duck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DB is an open DuckDB database that hands out connections.
type DB interface {
	Catalog() string
	Schema() string
	Close() error
	Conn(ctx context.Context) (Connection, error)
}

// Connection is a single session on a DB. Session state such as the current
// schema is local to it.
type Connection interface {
	DB() DB
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

type Local struct {
	log     *slog.Logger
	db      *sql.DB
	path    string
	catalog string
	schema  string
}

type LocalConnection struct {
	conn *sql.Conn
	db   *Local
	mu   sync.Mutex
}

func (c *LocalConnection) DB() DB {
	return c.db
}

func (c *LocalConnection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

func (c *LocalConnection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *LocalConnection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

func (c *LocalConnection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.conn.BeginTx(ctx, opts)
}

func (c *LocalConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// NewDB opens a DuckDB database. An empty path opens an in-memory database
// that lives as long as the returned DB.
func NewDB(ctx context.Context, path string, log *slog.Logger) (*Local, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	dsn := ""
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for database: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = abs
		path = abs
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	row := db.QueryRowContext(ctx, "SELECT current_database() AS catalog, current_schema() AS schema")
	var catalog, schema string
	if err := row.Scan(&catalog, &schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get current database and schema: %w", err)
	}

	if path == "" {
		log.Debug("duck: opened in-memory database", "catalog", catalog)
	} else {
		log.Debug("duck: opened database", "path", path, "catalog", catalog)
	}

	return &Local{
		log:     log,
		db:      db,
		path:    path,
		catalog: catalog,
		schema:  schema,
	}, nil
}

func (l *Local) Catalog() string {
	return l.catalog
}

func (l *Local) Schema() string {
	return l.schema
}

// Path is empty for in-memory databases.
func (l *Local) Path() string {
	return l.path
}

func (l *Local) Close() error {
	return l.db.Close()
}

func (l *Local) Conn(ctx context.Context) (Connection, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &LocalConnection{
		conn: conn,
		db:   l,
	}, nil
}

// Exec runs a statement on a pooled connection, retrying transaction
// conflicts.
func (l *Local) Exec(ctx context.Context, operation, query string, args ...any) error {
	return Retry(ctx, l.log, operation, func() error {
		_, err := l.db.ExecContext(ctx, query, args...)
		return err
	})
}

// QuoteIdent quotes name for use as a DuckDB identifier.
func QuoteIdent(name string) string {
	return `"` + doubleQuotes(name, '"') + `"`
}

// QuoteString quotes s for use as a DuckDB string literal.
func QuoteString(s string) string {
	return `'` + doubleQuotes(s, '\'') + `'`
}

func doubleQuotes(s string, q rune) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == q {
			out = append(out, q)
		}
		out = append(out, r)
	}
	return string(out)
}
