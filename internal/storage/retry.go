package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes that mark a transaction as safe to re-run: the database
// aborted it to resolve contention, not because the statements were wrong.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}

// WithRetry runs fn, re-running it after a serialization failure or deadlock
// up to maxRetries more times. fn must be repeatable from the top — it owns
// its transaction and rebuilds it on every call. The wait doubles from
// baseDelay per attempt, plus jitter so competing writers drift apart. Any
// other error returns immediately.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isRetriable(err) || attempt == maxRetries {
			return err
		}

		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // spreads contention, not security-sensitive
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}
