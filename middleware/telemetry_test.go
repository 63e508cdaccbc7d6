package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	mw "github.com/xraph/jobboard/middleware"
)

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestMetrics_RecordsOutcome(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := mw.MetricsWithMeter(mp.Meter("test"))

	_ = m(context.Background(), newTestTask(), func(_ context.Context) error { return nil })
	_ = m(context.Background(), newTestTask(), func(_ context.Context) error { return errors.New("boom") })

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	if findMetric(rm, "jobboard.task.duration") == nil {
		t.Fatal("jobboard.task.duration not found")
	}
	metric := findMetric(rm, "jobboard.task.executions")
	if metric == nil {
		t.Fatal("jobboard.task.executions not found")
	}
	sum, ok := metric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("expected Sum[int64] data type")
	}
	byStatus := map[string]int64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("status"))
		byStatus[v.AsString()] += dp.Value
	}
	if byStatus["ok"] != 1 || byStatus["error"] != 1 {
		t.Errorf("executions by status = %v", byStatus)
	}
}

func TestTracing_SpanAttributesAndStatus(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	m := mw.TracingWithTracer(tp.Tracer("test"))

	want := errors.New("fail")
	err := m(context.Background(), newTestTask(), func(_ context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("err = %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "jobboard.task.execute" {
		t.Errorf("span name = %q", span.Name())
	}
	if span.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", span.Status().Code)
	}
	attrs := map[attribute.Key]string{}
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value.AsString()
	}
	if attrs["jobboard.job.id"] != "job-1" || attrs["jobboard.task.name"] != "example_long_task" {
		t.Errorf("attributes = %v", attrs)
	}
}
