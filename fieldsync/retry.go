package fieldsync

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATEs that indicate the transaction lost a race, not that the work is
// invalid. Rerunning the whole transaction is the documented remedy for all
// three.
var retryableSQLStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available, including lock_timeout
}

// isRetryablePGTxError reports whether err warrants another attempt of the
// enclosing transaction.
func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return retryableSQLStates[pgErr.SQLState()]
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withRetry runs fn up to maxAttempts times with doubling backoff between
// attempts. Only retryable Postgres transaction errors re-run fn; anything
// else, including context cancellation during the backoff sleep, returns
// immediately. fn receives the 1-based attempt number.
func withRetry(ctx context.Context, maxAttempts int, fn func(attempt int) error) error {
	backoff := 50 * time.Millisecond
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil || !isRetryablePGTxError(err) {
			return err
		}
		if attempt < maxAttempts {
			if sleepErr := sleepWithContext(ctx, backoff); sleepErr != nil {
				return sleepErr
			}
			backoff *= 2
		}
	}
	return err
}
