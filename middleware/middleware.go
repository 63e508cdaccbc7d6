package middleware

import (
	"context"

	"github.com/xraph/jobboard/job"
)

// Handler is the terminal function that executes task logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the task being executed, and the
// next handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, t *job.Task, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// The first middleware in the list is the outermost wrapper.
//
// Example: Chain(logging, recover, identity) executes as:
//
//	logging → recover → identity → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, t *job.Task, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, t, prev)
			}
		}
		return h(ctx)
	}
}
