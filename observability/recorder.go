package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/jobboard/catalog"
	"github.com/xraph/jobboard/job"
	"github.com/xraph/jobboard/status"
)

const meterName = "github.com/xraph/jobboard/observability"

var _ status.Notifier = (*Recorder)(nil)

// Recorder counts job writes. Instruments:
//   - jobboard.job.updates (Int64Counter): every status write, with
//     attributes: state, type
//   - jobboard.job.finished (Int64Counter): writes entering SUCCEEDED,
//     FAILED or CANCELLED, with attributes: state, type
type Recorder struct {
	meter    metric.Meter
	updates  metric.Int64Counter
	finished metric.Int64Counter
}

// NewRecorder uses the global MeterProvider.
func NewRecorder() *Recorder {
	return NewRecorderWithMeter(otel.Meter(meterName))
}

// NewRecorderWithMeter uses meter.
func NewRecorderWithMeter(meter metric.Meter) *Recorder {
	updates, uErr := meter.Int64Counter(
		"jobboard.job.updates",
		metric.WithDescription("Job status writes"),
		metric.WithUnit("{update}"),
	)
	_ = uErr // noop fallback guaranteed by OTel API contract

	finished, fErr := meter.Int64Counter(
		"jobboard.job.finished",
		metric.WithDescription("Jobs reaching a terminal state"),
		metric.WithUnit("{job}"),
	)
	_ = fErr // noop fallback guaranteed by OTel API contract

	return &Recorder{meter: meter, updates: updates, finished: finished}
}

// Notify implements status.Notifier.
func (r *Recorder) Notify(ctx context.Context, rec *job.Record) error {
	typ := rec.Type
	if typ == "" {
		typ = "unknown"
	}
	attrs := metric.WithAttributes(
		attribute.String("state", string(rec.State)),
		attribute.String("type", typ),
	)
	r.updates.Add(ctx, 1, attrs)
	if rec.State.Terminal() {
		r.finished.Add(ctx, 1, attrs)
	}
	return nil
}

// MirrorSource reports the catalog mirror's health.
type MirrorSource interface {
	MirrorStatus() catalog.MirrorStatus
}

// ObserveMirror registers jobboard.catalog.mirror.failures, the number of
// mirror writes failed since the last success, and
// jobboard.catalog.mirror.last_synced, the Unix time of that success.
// Nothing is reported while mirroring is disabled.
func (r *Recorder) ObserveMirror(src MirrorSource) error {
	failures, err := r.meter.Int64ObservableGauge(
		"jobboard.catalog.mirror.failures",
		metric.WithDescription("Consecutive failed catalog mirror writes"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return err
	}
	lastSynced, err := r.meter.Int64ObservableGauge(
		"jobboard.catalog.mirror.last_synced",
		metric.WithDescription("Unix time of the last successful catalog mirror write"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := src.MirrorStatus()
		if !st.Enabled {
			return nil
		}
		o.ObserveInt64(failures, int64(st.Failures))
		if st.LastSyncedAt != nil {
			o.ObserveInt64(lastSynced, st.LastSyncedAt.Unix())
		}
		return nil
	}, failures, lastSynced)
	return err
}
