package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// isRetriable reports whether err is a transient Postgres conflict
// worth another attempt: serialization failure (40001) or deadlock
// (40P01).
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// withRetry runs fn, retrying transient conflicts with jittered
// exponential backoff. Used on the update paths, where a finalizing
// call and a staff edit can land on the same row.
func (db *DB) withRetry(ctx context.Context, fn func() error) error {
	const attempts = 4
	delay := 50 * time.Millisecond

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !isRetriable(err) || attempt == attempts {
			return err
		}

		db.logger.Debug("storage: retrying after transient conflict", "attempt", attempt, "error", err)
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}
