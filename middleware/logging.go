package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/chronoq/chronoq/job"
)

// Logging returns middleware that logs attempt start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Info("task started",
			slog.String("job_id", j.ID.String()),
			slog.String("kind", string(j.Kind)),
			slog.Int("attempt", j.AttemptCount+1),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("task failed",
				slog.String("job_id", j.ID.String()),
				slog.Int("attempt", j.AttemptCount+1),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("task completed",
				slog.String("job_id", j.ID.String()),
				slog.Int("attempt", j.AttemptCount+1),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
