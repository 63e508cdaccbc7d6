// Package middleware provides composable middleware for task execution.
//
// A [Middleware] wraps a task handler. Middleware are composed with [Chain]
// and applied around every execution; the first middleware in the slice
// is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] logs task name, job ID, duration and outcome
//   - [Recover] turns panics into errors
//   - [Timeout] cancels the task context after the task's limit
//   - [Tracing] wraps execution in an OpenTelemetry span
//   - [Metrics] records per-task duration and outcome counters
//   - [Identity] puts the job ID and user ID on the context
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, t *job.Task, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
package middleware
