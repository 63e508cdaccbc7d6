package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/catalog"
)

// Progress receives (percent, message) reports from a running task.
type Progress func(ctx context.Context, percent float64, message string)

// Task is a loaded catalog task body.
type Task interface {
	Run(ctx context.Context, inputs map[string]any, progress Progress) (any, error)
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context, inputs map[string]any, progress Progress) (any, error)

// Run calls f.
func (f TaskFunc) Run(ctx context.Context, inputs map[string]any, progress Progress) (any, error) {
	return f(ctx, inputs, progress)
}

// Loader turns a resolved version directory into a runnable Task. A
// loader that does not handle d returns an error wrapping
// jobboard.ErrLoaderNotFound.
type Loader interface {
	Load(ctx context.Context, d *catalog.Descriptor, dir string) (Task, error)
}

// Chain tries each loader in order and returns the first Task loaded.
type Chain []Loader

var _ Loader = Chain(nil)

// Load implements Loader.
func (c Chain) Load(ctx context.Context, d *catalog.Descriptor, dir string) (Task, error) {
	for _, l := range c {
		t, err := l.Load(ctx, d, dir)
		if errors.Is(err, jobboard.ErrLoaderNotFound) {
			continue
		}
		return t, err
	}
	return nil, fmt.Errorf("jobboard/runner: %s: %w", d.Ref(), jobboard.ErrLoaderNotFound)
}
