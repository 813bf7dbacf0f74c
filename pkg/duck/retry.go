package duck

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	maxRetries        = 8
	initialRetryDelay = 50 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
)

// isTransactionConflictError reports whether err is a write-write conflict
// that succeeds when retried.
func isTransactionConflictError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "Transaction conflict") ||
		strings.Contains(errStr, "write-write conflict")
}

// Retry runs fn, retrying with exponential backoff while it fails with a
// transaction conflict. Any other error is returned immediately.
func Retry(ctx context.Context, log *slog.Logger, operation string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialRetryDelay
	bo.MaxInterval = maxRetryDelay

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if !isTransactionConflictError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(maxRetries),
		backoff.WithNotify(func(err error, delay time.Duration) {
			log.Warn("duck: transaction conflict detected, retrying", "operation", operation, "attempt", attempts, "max_attempts", maxRetries, "delay", delay, "error", err)
		}),
	)
	if err == nil {
		if attempts > 1 {
			log.Info("duck: operation succeeded after retries", "operation", operation, "attempts", attempts)
		}
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("context cancelled after %d attempts: %w", attempts, err)
	}
	if isTransactionConflictError(err) {
		return fmt.Errorf("operation %s failed after %d attempts: %w", operation, attempts, err)
	}
	return err
}
