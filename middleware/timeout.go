package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/jobboard/job"
)

// Timeout returns middleware that enforces a per-task execution deadline.
// The registry's per-task timeout wins; fallback applies otherwise. A zero
// result leaves the context untouched.
func Timeout(logger *slog.Logger, registry *job.Registry, fallback time.Duration) Middleware {
	return func(ctx context.Context, t *job.Task, next Handler) error {
		limit := fallback
		if registry != nil {
			if d := registry.Options(t.Name).Timeout; d > 0 {
				limit = d
			}
		}
		if limit > 0 {
			logger.Debug("task timeout set",
				slog.String("job_id", t.JobID),
				slog.Duration("timeout", limit),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}
		return next(ctx)
	}
}
