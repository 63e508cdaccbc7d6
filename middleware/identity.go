package middleware

import (
	"context"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/job"
)

// Identity returns middleware that places the task's job ID and user ID
// on the context so handlers and nested dispatches can read them with
// jobboard.JobIDFrom and jobboard.UserIDFrom.
func Identity() Middleware {
	return func(ctx context.Context, t *job.Task, next Handler) error {
		ctx = jobboard.WithJobID(ctx, t.JobID)
		if t.UserID != "" {
			ctx = jobboard.WithUserID(ctx, t.UserID)
		}
		return next(ctx)
	}
}
