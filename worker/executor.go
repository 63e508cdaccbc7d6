// Package worker executes tasks: an Executor that runs one task through
// middleware and its registered handler while reporting into the status
// engine, and a Pool that is the dispatcher's immediate backend.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/job"
	"github.com/xraph/jobboard/middleware"
	"github.com/xraph/jobboard/status"
)

// Executor runs a single task through middleware and the registered
// handler, then records the outcome on the job.
type Executor struct {
	registry *job.Registry
	engine   *status.Engine
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	engine *status.Engine,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry: registry,
		engine:   engine,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs t and records its outcome.
//
// On start the job moves to RUNNING. On success it moves to SUCCEEDED
// with the handler's result and progress 100. On failure it moves to
// FAILED with a structured error and the error is returned so the
// backend can record the failed delivery too.
//
// A job that is already SUCCEEDED or FAILED is not run again; Execute
// returns nil so a redelivered message is acknowledged.
func (e *Executor) Execute(ctx context.Context, t *job.Task) error {
	handler, ok := e.registry.Get(t.Name)
	if !ok {
		err := fmt.Errorf("jobboard/worker: %q: %w", t.Name, jobboard.ErrUnknownTask)
		e.fail(ctx, t, err)
		return err
	}

	if _, err := e.engine.SetStatus(ctx, t.JobID, job.StateRunning, &job.Record{
		Task:    t.Name,
		Message: "Task started",
	}); err != nil {
		if errors.Is(err, jobboard.ErrInvalidState) {
			e.logger.Warn("skipping task for finished job",
				slog.String("task", t.Name),
				slog.String("job_id", t.JobID),
			)
			return nil
		}
		return fmt.Errorf("jobboard/worker: mark %q running: %w", t.JobID, err)
	}

	ctx = status.WithReporter(ctx, e.engine.Reporter(t.JobID))

	var result any
	terminal := func(ctx context.Context) error {
		var err error
		result, err = handler(ctx, t)
		return err
	}

	if err := e.mw(ctx, t, terminal); err != nil {
		e.fail(ctx, t, err)
		return err
	}

	raw, err := encodeResult(result)
	if err != nil {
		err = fmt.Errorf("jobboard/worker: encode result of %q: %w", t.Name, err)
		e.fail(ctx, t, err)
		return err
	}

	if _, err := e.engine.SetStatus(context.WithoutCancel(ctx), t.JobID, job.StateSucceeded, &job.Record{
		Progress: job.Float(100),
		Result:   raw,
		Message:  "Task completed successfully",
	}); err != nil {
		e.logger.Error("failed to record task success",
			slog.String("task", t.Name),
			slog.String("job_id", t.JobID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// fail records cause on the job. The write uses a context detached from
// cancellation so a timed-out task can still be marked FAILED.
func (e *Executor) fail(ctx context.Context, t *job.Task, cause error) {
	_, _ = e.engine.Fail(context.WithoutCancel(ctx), t.JobID, cause) //nolint:errcheck // Fail logs store errors itself
}

func encodeResult(v any) (json.RawMessage, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return r, nil
	case []byte:
		if json.Valid(r) {
			return json.RawMessage(r), nil
		}
	}
	return json.Marshal(v)
}
