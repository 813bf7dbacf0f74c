package querier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/malbeclabs/analyst/pkg/metrics"
)

// ErrTimeout is returned when a query outlives its deadline.
var ErrTimeout = errors.New("query timed out")

type Querier struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Querier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate querier config: %w", err)
	}
	return &Querier{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

type QueryResponse struct {
	Columns   []string   `json:"columns"`
	Rows      []QueryRow `json:"rows"`
	Count     int        `json:"count"`
	Truncated bool       `json:"truncated,omitempty"`
}

type QueryRow map[string]any

// Query runs sql on its own connection and reads back at most MaxRows rows.
// The caller's deadline bounds the whole call.
func (q *Querier) Query(ctx context.Context, sql string) (QueryResponse, error) {
	start := time.Now()
	resp, err := q.query(ctx, sql)
	metrics.QueryDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.QueriesTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrTimeout):
		metrics.QueriesTotal.WithLabelValues("timeout").Inc()
		q.log.Warn("querier: query timed out", "duration", time.Since(start))
	default:
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		q.log.Debug("querier: query failed", "error", err)
	}
	return resp, err
}

func (q *Querier) query(ctx context.Context, sql string) (QueryResponse, error) {
	conn, err := q.cfg.DB.Conn(ctx)
	if err != nil {
		return QueryResponse{}, q.wrap(ctx, "failed to get connection", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, sql)
	if err != nil {
		return QueryResponse{}, q.wrap(ctx, "failed to execute query", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return QueryResponse{}, fmt.Errorf("failed to get columns: %w", err)
	}

	var (
		resultRows []QueryRow
		truncated  bool
	)
	for rows.Next() {
		if len(resultRows) >= q.cfg.MaxRows {
			truncated = true
			break
		}

		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return QueryResponse{}, q.wrap(ctx, "failed to scan row", err)
		}

		row := make(QueryRow, len(columns))
		for i, col := range columns {
			row[col] = normalize(values[i])
		}
		resultRows = append(resultRows, row)
	}

	if err := rows.Err(); err != nil {
		return QueryResponse{}, q.wrap(ctx, "error iterating rows", err)
	}
	if ctx.Err() != nil {
		return QueryResponse{}, q.wrap(ctx, "query interrupted", ctx.Err())
	}

	return QueryResponse{
		Columns:   columns,
		Rows:      resultRows,
		Count:     len(resultRows),
		Truncated: truncated,
	}, nil
}

func (q *Querier) wrap(ctx context.Context, msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", msg, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// normalize turns driver values into plain JSON-friendly Go values.
func normalize(val any) any {
	switch v := val.(type) {
	case nil:
		return nil
	case []byte:
		return string(v)
	case *big.Int:
		if v.IsInt64() {
			return v.Int64()
		}
		f, _ := new(big.Float).SetInt(v).Float64()
		return f
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return v
	case time.Time:
		return v
	case interface{ Float64() float64 }:
		// DECIMAL
		return v.Float64()
	default:
		return val
	}
}
