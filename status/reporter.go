package status

import (
	"context"

	"github.com/xraph/jobboard/job"
)

// Reporter relays task progress into SetStatus(RUNNING, ...) for one job.
// A nil *Reporter discards reports, so task bodies can report
// unconditionally.
type Reporter struct {
	engine *Engine
	jobID  string
}

// Reporter returns a progress reporter bound to jobID.
func (e *Engine) Reporter(jobID string) *Reporter {
	return &Reporter{engine: e, jobID: jobID}
}

// JobID returns the job this reporter writes to.
func (r *Reporter) JobID() string {
	if r == nil {
		return ""
	}
	return r.jobID
}

// Progress records percent complete and an optional message.
func (r *Reporter) Progress(ctx context.Context, percent float64, message string) error {
	return r.Step(ctx, percent, "", message)
}

// Step records percent complete with a step label and message.
func (r *Reporter) Step(ctx context.Context, percent float64, step, message string) error {
	if r == nil {
		return nil
	}
	_, err := r.engine.SetStatus(ctx, r.jobID, job.StateRunning, &job.Record{
		Progress:    job.Float(percent),
		CurrentStep: step,
		Message:     message,
	})
	return err
}

type reporterKey struct{}

// WithReporter attaches r to ctx.
func WithReporter(ctx context.Context, r *Reporter) context.Context {
	return context.WithValue(ctx, reporterKey{}, r)
}

// ReporterFrom returns the reporter attached to ctx, or nil.
func ReporterFrom(ctx context.Context) *Reporter {
	r, _ := ctx.Value(reporterKey{}).(*Reporter) //nolint:errcheck // missing key yields nil
	return r
}
