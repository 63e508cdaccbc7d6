package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/jobboard/job"
)

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *job.Task, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("task handler panicked",
					slog.String("task", t.Name),
					slog.String("job_id", t.JobID),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic in task %s: %v", t.Name, r)
			}
		}()
		return next(ctx)
	}
}
