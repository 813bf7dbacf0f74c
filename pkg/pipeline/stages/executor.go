package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/malbeclabs/analyst/pkg/querier"
	"github.com/malbeclabs/analyst/pkg/safety"
)

// Executor runs the approved queries of a run concurrently. The pool is
// shared by every run, so MaxConcurrentQueries bounds the whole process. A
// failing or slow query never cancels its siblings.
type Executor struct {
	log     *slog.Logger
	querier Querier
	clock   clockwork.Clock
	pool    pond.ResultPool[pipeline.QueryResult]
	maxRows int
}

func NewExecutor(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate stages config: %w", err)
	}
	return &Executor{
		log:     cfg.Logger,
		querier: cfg.Querier,
		clock:   cfg.Clock,
		pool:    pond.NewResultPool[pipeline.QueryResult](cfg.MaxConcurrentQueries),
		maxRows: cfg.MaxRowsReturned,
	}, nil
}

func (s *Executor) Descriptor() pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:          pipeline.StageExecutor,
		Reads:         []pipeline.Field{pipeline.FieldQueries, pipeline.FieldApproval},
		Writes:        []pipeline.Field{pipeline.FieldResults},
		Interruptible: true,
	}
}

func (s *Executor) Run(ctx context.Context, state pipeline.State) pipeline.Result {
	queries := state.ExecutableQueries()
	if len(queries) == 0 {
		return pipeline.Fail(pipeline.NewError(pipeline.KindAllQueriesFailed, "no queries to execute"))
	}

	group := s.pool.NewGroup()
	for _, q := range queries {
		group.Submit(func() pipeline.QueryResult {
			return s.execute(ctx, state.RequestID, q)
		})
	}
	results, err := group.Wait()
	if err != nil {
		return pipeline.Fail(pipeline.NewError(pipeline.KindInternal, "query pool failed: %v", err).WithCause(err))
	}

	set := pipeline.ExecutionResults{Results: results}
	if set.Succeeded() == 0 {
		failures := make([]string, 0, len(results))
		for _, r := range results {
			failures = append(failures, fmt.Sprintf("%s: %s", r.QueryID, r.Error.Kind))
		}
		return pipeline.Fail(pipeline.NewError(pipeline.KindAllQueriesFailed,
			"all %d queries failed (%s)", len(results), strings.Join(failures, ", ")))
	}
	return pipeline.Emit(pipeline.Delta{pipeline.FieldResults: set})
}

func (s *Executor) execute(ctx context.Context, requestID string, q pipeline.Query) pipeline.QueryResult {
	timeout := q.Timeout
	if timeout <= 0 {
		timeout = safety.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := pipeline.QueryResult{QueryID: q.ID, StepID: q.StepID, SQL: q.SQL}
	start := s.clock.Now()
	resp, err := s.querier.Query(ctx, q.SQL)
	result.Elapsed = s.clock.Since(start)

	if err != nil {
		kind := pipeline.KindQueryExecution
		msg := err.Error()
		if errors.Is(err, querier.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			kind = pipeline.KindQueryTimeout
			msg = fmt.Sprintf("query exceeded its %s budget", timeout)
		}
		s.log.Info("executor: query failed", "request_id", requestID, "query", q.ID, "kind", kind, "error", msg)
		result.Error = &pipeline.QueryError{Kind: kind, Message: msg}
		return result
	}

	rows := resp.Rows
	if len(rows) > s.maxRows {
		rows = rows[:s.maxRows]
		result.Truncated = true
	}
	result.Truncated = result.Truncated || resp.Truncated
	result.Columns = resp.Columns
	result.Rows = make([]map[string]any, len(rows))
	for i, row := range rows {
		result.Rows[i] = row
	}
	result.RowCount = len(rows)

	s.log.Info("executor: query executed", "request_id", requestID, "query", q.ID, "rows", result.RowCount, "duration", result.Elapsed)
	return result
}
