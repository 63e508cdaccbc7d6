// Package runner executes catalog items as jobs. It resolves the
// requested version, validates the inputs against the version's schema,
// locates the task source and runs it through a Loader, relaying the
// task's progress reports into the job's RUNNING status.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/catalog"
	"github.com/xraph/jobboard/job"
	"github.com/xraph/jobboard/status"
)

// TaskName is the dispatcher task that runs catalog items.
const TaskName = "run_catalog_item"

// JobType is the record type of catalog executions.
const JobType = "catalog_execution"

// Params is the payload of a catalog execution.
type Params struct {
	ItemID  string         `json:"item_id"`
	Version string         `json:"version"`
	Inputs  map[string]any `json:"inputs"`
	UserID  string         `json:"user_id,omitempty"`
}

// Runner is the catalog execution bridge.
type Runner struct {
	registry *catalog.Registry
	loader   Loader
	logger   *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// New returns a Runner resolving items in registry and loading them with
// loader.
func New(registry *catalog.Registry, loader Loader, opts ...Option) *Runner {
	r := &Runner{
		registry: registry,
		loader:   loader,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds the run_catalog_item task to reg.
func (r *Runner) Register(reg *job.Registry, timeout time.Duration) {
	job.RegisterDefinition(reg, job.NewDefinition(TaskName, r.Run,
		job.WithJobType(JobType),
		job.WithTimeout(timeout),
	))
}

// Run executes p.ItemID at p.Version ("latest" allowed). Progress is
// written through the status reporter in ctx, if any. Inputs that fail
// the schema return a *catalog.ValidationError, recorded on the job as
// a SchemaValidationError.
func (r *Runner) Run(ctx context.Context, p Params) (any, error) {
	rep := status.ReporterFrom(ctx)
	r.progress(ctx, rep, 5, "Starting task execution")

	d, err := r.registry.Resolve(ctx, p.ItemID, p.Version)
	if err != nil {
		return nil, err
	}

	inputs := p.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	if err := catalog.ValidateInputs(d.Schema, inputs); err != nil {
		return nil, err
	}

	// Versions registered without sources (JSON imports) have no
	// directory; loaders that need none still get a chance.
	dir, dirErr := r.registry.ResolveLocalPath(ctx, d.ItemID, d.Version)
	if dirErr != nil && !errors.Is(dirErr, jobboard.ErrBundleNotFound) {
		return nil, dirErr
	}
	task, err := r.loader.Load(ctx, d, dir)
	if err != nil {
		if dirErr != nil && errors.Is(err, jobboard.ErrLoaderNotFound) {
			return nil, dirErr
		}
		return nil, err
	}

	r.logger.Info("running catalog item",
		slog.String("ref", d.Ref()),
		slog.String("job_id", rep.JobID()),
		slog.String("dir", dir),
	)
	result, err := task.Run(ctx, inputs, func(ctx context.Context, percent float64, message string) {
		r.progress(ctx, rep, percent, message)
	})
	if err != nil {
		return nil, fmt.Errorf("jobboard/runner: %s: %w", d.Ref(), err)
	}
	return result, nil
}

// progress writes a RUNNING report. A failed write is logged and does
// not stop the task.
func (r *Runner) progress(ctx context.Context, rep *status.Reporter, percent float64, message string) {
	if err := rep.Progress(ctx, clamp(percent), message); err != nil {
		r.logger.Warn("progress report failed",
			slog.String("job_id", rep.JobID()),
			slog.String("error", err.Error()),
		)
	}
}

func clamp(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
