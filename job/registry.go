package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// HandlerFunc is a type-erased task handler. It receives the raw task and
// returns the JSON-serializable result stored on SUCCEEDED.
type HandlerFunc func(ctx context.Context, t *Task) (any, error)

// Options configures per-task behavior.
type Options struct {
	// Timeout bounds one execution. Zero means no per-task limit.
	Timeout time.Duration

	// JobType is the record type written at submit. Defaults to the task
	// name.
	JobType string
}

// Option is a functional option for a task definition.
type Option func(*Options)

// WithTimeout sets the maximum execution duration.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithJobType overrides the record type written at submit.
func WithJobType(t string) Option {
	return func(o *Options) { o.JobType = t }
}

// Definition is a typed task definition. T is the payload type.
type Definition[T any] struct {
	Name    string
	Handler func(ctx context.Context, payload T) (any, error)
	Opts    Options
}

// NewDefinition creates a typed task definition.
func NewDefinition[T any](name string, handler func(ctx context.Context, payload T) (any, error), opts ...Option) *Definition[T] {
	def := &Definition[T]{Name: name, Handler: handler}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}

type entry struct {
	handler HandlerFunc
	opts    Options
}

// Registry is the allow-list of task names and their handlers.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a type-erased handler under name.
func (r *Registry) Register(name string, h HandlerFunc, opts ...Option) {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{handler: h, opts: o}
}

// RegisterDefinition registers a typed definition, wrapping its handler
// in a closure that JSON-unmarshals the payload into T.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, t *Task) (any, error) {
		var p T
		if len(t.Payload) > 0 {
			if err := json.Unmarshal(t.Payload, &p); err != nil {
				return nil, fmt.Errorf("unmarshal payload for task %q: %w", def.Name, err)
			}
		}
		return def.Handler(ctx, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Name] = entry{handler: handler, opts: def.Opts}
}

// Get returns the handler for name.
func (r *Registry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.handler, ok
}

// Options returns the options registered with name.
func (r *Registry) Options(name string) Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name].opts
}

// Has reports whether name is allow-listed.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names returns all registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
