package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/jobboard/job"
)

// Logging returns middleware that logs task start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *job.Task, next Handler) error {
		logger.Info("task started",
			slog.String("task", t.Name),
			slog.String("job_id", t.JobID),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("task failed",
				slog.String("task", t.Name),
				slog.String("job_id", t.JobID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("task completed",
				slog.String("task", t.Name),
				slog.String("job_id", t.JobID),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
