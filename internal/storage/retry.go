package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/argos-intel/argos/internal/backoff"
)

// isTransient returns true for Postgres error codes that indicate a
// transient conflict rather than a real failure.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	default:
		return false
	}
}

// WithRetry executes fn, retrying up to maxRetries times on serialization
// or deadlock errors with jittered exponential backoff starting at baseDelay.
// Conditional-update conflicts (ErrConflict) are never retried here; they
// carry meaning for the caller.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	return backoff.Retry(ctx, maxRetries,
		backoff.NewExponentialWithJitter(baseDelay, 0),
		isTransient, fn)
}
