package services

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/nwfth/partial-picking/internal/apperrors"
)

// RetryPolicy implements §4.4.6: exponential backoff starting at 2ms,
// doubling to a cap, up to a fixed number of retries, applied only to
// transient errors.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// isTransient classifies a database error as retryable. Per the open
// question in §9, duplicate-key errors are narrowed here to exclude
// user-facing unique constraints — only the constraints this package
// itself relies on for idempotent sequence-backed inserts are treated
// as racing-retry artifacts, and those never occur on the tables this
// engine writes (lot_tran_no / allocation ids are identity-assigned,
// never self-assigned — §6), so duplicate-key is NOT included here.
func isTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40P01": // deadlock_detected
			return true
		case "55P03": // lock_not_available
			return true
		case "57014": // query_canceled (statement_timeout)
			return true
		}
	}
	return false
}

// withRetry runs fn, retrying on transient errors with exponential
// backoff. fn is expected to be fully idempotent-safe to re-run: callers
// must ensure nothing partially committed on a prior attempt (the pick
// and putaway engines always run fn inside a fresh transaction that
// rolls back entirely on error, per §4.4.1).
func withRetry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	delay := policy.BaseDelay
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxRetries {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}

	return apperrors.TransientConflict(lastErr)
}
