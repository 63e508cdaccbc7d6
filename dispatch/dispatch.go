// Package dispatch routes allow-listed tasks to execution backends.
//
// Every task name is statically routed to one backend: the in-process
// worker pool (immediate) or the broker (deferred, durable). The
// dispatcher writes the QUEUED record before handing the task over so a
// job is visible the moment its ID is returned.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/job"
	"github.com/xraph/jobboard/status"
)

// Backend executes or stores submitted tasks. worker.Pool and
// broker.Backend implement it.
type Backend interface {
	Name() string
	Submit(ctx context.Context, t *job.Task) error
}

// Handle reports where a task went.
type Handle struct {
	JobID   string `json:"job_id"`
	Task    string `json:"task"`
	Backend string `json:"backend"`
}

// Request describes a job submission.
type Request struct {
	// Task is the allow-listed task name.
	Task string

	// JobID is optional; a new ID is generated when empty.
	JobID string

	// Type is the record type. Defaults to the task's registered job type,
	// then to Task.
	Type string

	// Params is the JSON payload handed to the task.
	Params json.RawMessage

	// UserID identifies the submitter for per-user limits.
	UserID string
}

// Error is recorded on a job whose task could not be handed to its
// backend.
type Error struct {
	Task    string
	Backend string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch %s to %s: %v", e.Task, e.Backend, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorType names this failure in job records.
func (e *Error) ErrorType() string { return "DispatchError" }

// Dispatcher validates task names against the registry and submits tasks
// to their routed backend.
type Dispatcher struct {
	registry *job.Registry
	engine   *status.Engine
	routes   map[string]string
	backends map[string]Backend
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRoutes sets the task → backend name table.
func WithRoutes(routes map[string]string) Option {
	return func(d *Dispatcher) { d.routes = maps.Clone(routes) }
}

// WithRoute routes one task.
func WithRoute(task, backend string) Option {
	return func(d *Dispatcher) { d.routes[task] = backend }
}

// WithBackend registers b under b.Name().
func WithBackend(b Backend) Option {
	return func(d *Dispatcher) { d.backends[b.Name()] = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithIDGenerator overrides job ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) { d.newID = fn }
}

// WithClock overrides the clock used for created_at.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher.
func New(registry *job.Registry, engine *status.Engine, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		engine:   engine,
		routes:   make(map[string]string),
		backends: make(map[string]Backend),
		logger:   slog.Default(),
		newID:    jobboard.NewJobID,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Validate checks that every registered task routes to a registered
// backend.
func (d *Dispatcher) Validate() error {
	var errs []error
	for _, name := range d.registry.Names() {
		if _, err := d.backendFor(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tasks returns the allow-listed task names with their backend, sorted
// by name.
func (d *Dispatcher) Tasks() []Handle {
	names := d.registry.Names()
	out := make([]Handle, 0, len(names))
	for _, name := range names {
		out = append(out, Handle{Task: name, Backend: d.routes[name]})
	}
	return out
}

func (d *Dispatcher) backendFor(task string) (Backend, error) {
	route, ok := d.routes[task]
	if !ok {
		return nil, fmt.Errorf("jobboard/dispatch: task %q has no route: %w", task, jobboard.ErrNoBackend)
	}
	b, ok := d.backends[route]
	if !ok {
		return nil, fmt.Errorf("jobboard/dispatch: task %q routed to %q: %w", task, route, jobboard.ErrNoBackend)
	}
	return b, nil
}

// Enqueue hands taskName to its backend. When jobID is empty it is taken
// from payload's "job_id" field, else generated. The returned handle
// always carries the final job ID.
//
// Enqueue does not write a job record; use Submit for that.
func (d *Dispatcher) Enqueue(ctx context.Context, taskName, jobID string, payload json.RawMessage) (Handle, error) {
	if !d.registry.Has(taskName) {
		return Handle{}, fmt.Errorf("jobboard/dispatch: %q: %w", taskName, jobboard.ErrUnknownTask)
	}
	backend, err := d.backendFor(taskName)
	if err != nil {
		return Handle{}, err
	}

	if jobID == "" {
		jobID = jobIDFromPayload(payload)
	}
	if jobID == "" {
		jobID = d.newID()
	}

	t := &job.Task{
		ID:         uuid.NewString(),
		Name:       taskName,
		JobID:      jobID,
		UserID:     jobboard.UserIDFrom(ctx),
		Payload:    payload,
		EnqueuedAt: d.now().UTC(),
	}
	h := Handle{JobID: jobID, Task: taskName, Backend: backend.Name()}

	if err := backend.Submit(ctx, t); err != nil {
		return h, &Error{Task: taskName, Backend: backend.Name(), Err: err}
	}

	d.logger.Debug("task enqueued",
		slog.String("task", taskName),
		slog.String("job_id", jobID),
		slog.String("backend", backend.Name()),
	)
	return h, nil
}

// Submit writes a QUEUED record for req and enqueues its task. If the
// backend rejects the task the job is marked FAILED with a DispatchError
// and the error is returned.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*job.Record, Handle, error) {
	if !d.registry.Has(req.Task) {
		return nil, Handle{}, fmt.Errorf("jobboard/dispatch: %q: %w", req.Task, jobboard.ErrUnknownTask)
	}
	if req.UserID != "" {
		ctx = jobboard.WithUserID(ctx, req.UserID)
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = d.newID()
	}
	typ := req.Type
	if typ == "" {
		typ = d.registry.Options(req.Task).JobType
	}
	if typ == "" {
		typ = req.Task
	}

	now := d.now().UTC()
	rec, err := d.engine.Touch(ctx, &job.Record{
		ID:        jobID,
		Type:      typ,
		Task:      req.Task,
		State:     job.StateQueued,
		Progress:  job.Float(0),
		CreatedAt: &now,
		Params:    req.Params,
		Message:   "Queued",
	})
	if err != nil {
		return nil, Handle{}, err
	}

	h, err := d.Enqueue(ctx, req.Task, jobID, req.Params)
	if err != nil {
		if failed, failErr := d.engine.Fail(ctx, jobID, err); failErr == nil {
			rec = failed
		}
		return rec, h, err
	}
	return rec, h, nil
}

// Retry creates a new job from a FAILED or CANCELLED one and enqueues it.
func (d *Dispatcher) Retry(ctx context.Context, jobID string) (*job.Record, Handle, error) {
	old, err := d.engine.Get(ctx, jobID)
	if err != nil {
		return nil, Handle{}, err
	}
	task := old.Task
	if task == "" && d.registry.Has(old.Type) {
		// Records written before the task name was stored.
		task = old.Type
	}
	if !d.registry.Has(task) {
		return nil, Handle{}, fmt.Errorf("jobboard/dispatch: retry %q: task %q: %w", jobID, task, jobboard.ErrUnknownTask)
	}

	rec, err := d.engine.PrepareRetry(ctx, jobID)
	if err != nil {
		return nil, Handle{}, err
	}

	h, err := d.Enqueue(ctx, task, rec.ID, rec.Params)
	if err != nil {
		if failed, failErr := d.engine.Fail(ctx, rec.ID, err); failErr == nil {
			rec = failed
		}
		return rec, h, err
	}
	d.logger.Info("job retried",
		slog.String("job_id", jobID),
		slog.String("retry_job_id", rec.ID),
		slog.String("task", task),
	)
	return rec, h, nil
}

func jobIDFromPayload(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var probe struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.JobID
}
