// Package status is the single writer path for job state. It merges
// partial updates into job records, keeps the recency and per-state
// indexes consistent, and publishes an upsert notification for every
// write.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/job"
)

// Notifier receives the merged record after every write.
type Notifier interface {
	Notify(ctx context.Context, rec *job.Record) error
}

// Engine implements touch, setStatus and fetch over a job.Store.
type Engine struct {
	store    job.Store
	notifier Notifier
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets where upserts are published. Without one, writes are
// not announced.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithTTL sets the retention window reset on every write.
func WithTTL(d time.Duration) Option {
	return func(e *Engine) { e.ttl = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides how retry job IDs are allocated.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// New creates an Engine over store.
func New(store job.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		ttl:    jobboard.DefaultConfig().JobTTL,
		logger: slog.Default(),
		now:    time.Now,
		newID:  jobboard.NewJobID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the backing store.
func (e *Engine) Store() job.Store { return e.store }

// Touch upserts every set field of rec, refreshes updated_at, places the
// job in the recency index and exactly one state index, resets its
// expiry, and publishes the merged record. It returns the merged record.
//
// Touch writes fields only; a record still stored as a blob must go
// through SetStatus, which migrates it.
func (e *Engine) Touch(ctx context.Context, rec *job.Record) (*job.Record, error) {
	if rec == nil || rec.ID == "" {
		return nil, jobboard.ErrMissingJobID
	}

	now := e.now().UTC()
	w := rec.Clone()
	w.UpdatedAt = &now

	fields, err := job.EncodeFields(w)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveFields(ctx, w.ID, fields, e.ttl); err != nil {
		return nil, fmt.Errorf("jobboard/status: touch %q: %w", w.ID, err)
	}

	merged, _, err := e.Fetch(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	if merged == nil {
		// Expired between write and read; what we wrote is the best view.
		merged = w
	}

	if err := e.store.IndexJob(ctx, merged.ID, merged.State, now); err != nil {
		return nil, fmt.Errorf("jobboard/status: index %q: %w", merged.ID, err)
	}

	e.notify(ctx, merged)
	return merged, nil
}

// SetStatus reads the job, overlays patch and state, stamps started_at on
// the first RUNNING and finished_at on the first terminal state, and
// writes the result through Touch. Fields absent from patch are kept. A
// legacy blob record is dropped and rewritten as a field map.
//
// Moving a SUCCEEDED or FAILED job to a different state, or a RUNNING
// job back to QUEUED, returns jobboard.ErrInvalidState.
func (e *Engine) SetStatus(ctx context.Context, jobID string, state job.State, patch *job.Record) (*job.Record, error) {
	if jobID == "" {
		return nil, jobboard.ErrMissingJobID
	}
	if !state.Valid() {
		return nil, fmt.Errorf("jobboard/status: set %q to %q: %w", jobID, state, jobboard.ErrInvalidState)
	}

	current, shape, err := e.Fetch(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		current = &job.Record{ID: jobID}
	}
	if current.State.Terminal() && current.State != state {
		return nil, fmt.Errorf("jobboard/status: %q is %s, cannot move to %s: %w",
			jobID, current.State, state, jobboard.ErrInvalidState)
	}
	if state == job.StateQueued && current.State == job.StateRunning {
		return nil, fmt.Errorf("jobboard/status: %q is %s, cannot move back to %s: %w",
			jobID, current.State, state, jobboard.ErrInvalidState)
	}

	merged := current.Clone()
	merged.Merge(patch)
	merged.ID = jobID
	merged.State = state

	now := e.now().UTC()
	if state == job.StateRunning && merged.StartedAt == nil {
		merged.StartedAt = &now
	}
	if state.Terminal() && merged.FinishedAt == nil {
		merged.FinishedAt = &now
	}

	if shape == job.ShapeBlob {
		e.logger.Info("migrating blob job record to fields", slog.String("job_id", jobID))
		if err := e.store.DropRecord(ctx, jobID); err != nil {
			return nil, fmt.Errorf("jobboard/status: drop blob %q: %w", jobID, err)
		}
	}

	return e.Touch(ctx, merged)
}

// Fetch returns the decoded record and the shape it was stored in. An
// absent record yields (nil, job.ShapeAbsent, nil). A blob that is not a
// JSON object yields an empty record with job.ShapeBlob.
func (e *Engine) Fetch(ctx context.Context, jobID string) (*job.Record, job.Shape, error) {
	raw, err := e.store.LoadRecord(ctx, jobID)
	if err != nil {
		return nil, job.ShapeAbsent, fmt.Errorf("jobboard/status: fetch %q: %w", jobID, err)
	}
	rec, err := raw.Decode(jobID)
	if err != nil {
		if raw.Shape != job.ShapeBlob {
			return nil, raw.Shape, err
		}
		// An unreadable legacy blob reads as an empty record and is
		// replaced by a field map on the next SetStatus.
		e.logger.Warn("undecodable blob job record",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return &job.Record{ID: jobID}, raw.Shape, nil
	}
	return rec, raw.Shape, nil
}

// Get returns the normalized record or jobboard.ErrJobNotFound.
func (e *Engine) Get(ctx context.Context, jobID string) (*job.Record, error) {
	rec, _, err := e.Fetch(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, jobboard.ErrJobNotFound
	}
	return Normalize(rec), nil
}

// PrepareRetry creates a new QUEUED job carrying the params of a FAILED
// or CANCELLED job. The caller dispatches it.
func (e *Engine) PrepareRetry(ctx context.Context, jobID string) (*job.Record, error) {
	old, err := e.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !old.State.Retryable() {
		return nil, fmt.Errorf("jobboard/status: retry %q in state %s: %w", jobID, old.State, jobboard.ErrRetryNotAllowed)
	}

	now := e.now().UTC()
	rec := &job.Record{
		ID:        e.newID(),
		Type:      old.Type,
		Task:      old.Task,
		State:     job.StateQueued,
		Progress:  job.Float(0),
		CreatedAt: &now,
		Params:    old.Params,
		Message:   "Retry of " + old.ID,
	}
	return e.Touch(ctx, rec)
}

func (e *Engine) notify(ctx context.Context, rec *job.Record) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, rec); err != nil {
		e.logger.Warn("job notification failed",
			slog.String("job_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}
