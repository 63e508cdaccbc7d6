package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/jobboard/job"
)

// meterName is the instrumentation scope name for jobboard metrics.
const meterName = "github.com/xraph/jobboard"

// Metrics returns middleware that records per-task execution metrics using
// the global OTel MeterProvider. Without a configured provider the noop
// instruments make this a pass-through.
//
// Instruments:
//   - jobboard.task.duration (Float64Histogram): execution time in seconds,
//     with attributes: task, status ("ok" or "error")
//   - jobboard.task.executions (Int64Counter): total executions,
//     with attributes: task, status ("ok" or "error")
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	duration, dErr := meter.Float64Histogram(
		"jobboard.task.duration",
		metric.WithDescription("Duration of task execution in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	executions, eErr := meter.Int64Counter(
		"jobboard.task.executions",
		metric.WithDescription("Total number of task executions"),
		metric.WithUnit("{execution}"),
	)
	_ = eErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, t *job.Task, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("task", t.Name),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)

		return err
	}
}
