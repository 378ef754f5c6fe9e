package journey

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// StaleArchiver archives conversations with no activity since before.
type StaleArchiver interface {
	ArchiveStale(ctx context.Context, before time.Time) (int64, error)
}

// StartArchiver runs a background goroutine that periodically archives
// active conversations idle for longer than after. It returns when ctx is
// done.
func StartArchiver(ctx context.Context, repo StaleArchiver, after, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("Archiver started", "interval", interval, "after", after)

		for {
			select {
			case <-ticker.C:
				archiveStale(ctx, repo, after, logger)
			case <-ctx.Done():
				logger.Info("Archiver shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func archiveStale(ctx context.Context, repo StaleArchiver, after time.Duration, logger *slog.Logger) {
	before := time.Now().Add(-after)

	archived, err := backoff.Retry(ctx, func() (int64, error) {
		return repo.ArchiveStale(ctx, before)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("Archiver interrupted", "error", err)
			return
		}
		logger.Error("Archiver failed to archive stale conversations", "error", err)
		return
	}
	if archived > 0 {
		logger.Info("Archiver archived stale conversations", "count", archived, "before", before)
	}
}
