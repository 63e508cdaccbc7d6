package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/jobboard/job"
)

// tracerName is the instrumentation scope name for jobboard tracing.
const tracerName = "github.com/xraph/jobboard"

// Tracing returns middleware that wraps task execution in an OpenTelemetry
// span. With no global TracerProvider this is a pass-through.
//
// Span attributes: jobboard.job.id, jobboard.task.name,
// jobboard.task.id, jobboard.user.id.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, t *job.Task, next Handler) error {
		ctx, span := tracer.Start(ctx, "jobboard.task.execute",
			trace.WithAttributes(
				attribute.String("jobboard.job.id", t.JobID),
				attribute.String("jobboard.task.name", t.Name),
				attribute.String("jobboard.task.id", t.ID),
				attribute.String("jobboard.user.id", t.UserID),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
