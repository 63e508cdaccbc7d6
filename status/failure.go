package status

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/xraph/jobboard/job"
)

// Error types recorded when an error does not name its own.
const (
	ErrorTypeExecution = "ExecutionError"
	ErrorTypeTimeout   = "TimeoutError"
	ErrorTypeCancelled = "CancelledError"
)

// Typed is implemented by errors that name their error_type.
type Typed interface {
	ErrorType() string
}

// Pathed is implemented by errors that point at a location in the input,
// such as a schema validation failure.
type Pathed interface {
	ErrorPath() string
}

// ErrorInfo classifies err into the structured form stored on FAILED jobs.
func ErrorInfo(err error, at time.Time) *job.ErrorInfo {
	info := &job.ErrorInfo{
		Type:      ErrorTypeExecution,
		Message:   err.Error(),
		Timestamp: at.UTC(),
	}

	var typed Typed
	var pathed Pathed
	switch {
	case errors.As(err, &typed):
		info.Type = typed.ErrorType()
	case errors.Is(err, context.DeadlineExceeded):
		info.Type = ErrorTypeTimeout
	case errors.Is(err, context.Canceled):
		info.Type = ErrorTypeCancelled
	}
	if errors.As(err, &pathed) {
		info.Path = pathed.ErrorPath()
	}
	return info
}

// Fail records cause as the job's FAILED error. The recorded error is
// returned alongside any store failure so callers can still report cause
// to their own backend.
func (e *Engine) Fail(ctx context.Context, jobID string, cause error) (*job.Record, error) {
	info := ErrorInfo(cause, e.now())
	rec, err := e.SetStatus(ctx, jobID, job.StateFailed, &job.Record{
		Error:   info,
		Message: info.Message,
	})
	if err != nil {
		e.logger.Error("failed to record job failure",
			slog.String("job_id", jobID),
			slog.String("error_type", info.Type),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return rec, nil
}
