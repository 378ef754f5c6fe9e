package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ashureev/jingjin/internal/shared"
)

const maxTurnAttempts = 3

// withRetry replays op while the backend reports a concurrency conflict.
// Any other error ends the loop immediately.
func withRetry(ctx context.Context, logger *slog.Logger, op func() error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op()
		if err == nil {
			return struct{}{}, nil
		}
		if !shared.IsConflictError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		logger.Debug("Turn transaction conflicted, retrying", "attempt", attempt, "error", err)
		return struct{}{}, err
	},
		backoff.WithBackOff(newTurnBackOff()),
		backoff.WithMaxTries(maxTurnAttempts),
	)
	return err
}

func newTurnBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return b
}
