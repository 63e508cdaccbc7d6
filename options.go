package jobboard

import "time"

// Option adjusts a Config. Options are applied on top of DefaultConfig
// by callers that build configuration in code rather than from a file.
type Option func(*Config)

// NewConfig returns DefaultConfig with opts applied.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithRedisURL sets the shared store location.
func WithRedisURL(url string) Option {
	return func(c *Config) { c.RedisURL = url }
}

// WithJobTTL sets the job retention window.
func WithJobTTL(d time.Duration) Option {
	return func(c *Config) { c.JobTTL = d }
}

// WithConcurrency sets the worker goroutine count.
func WithConcurrency(n int) Option {
	return func(c *Config) { c.Concurrency = n }
}

// WithRoute routes a task name to a backend.
func WithRoute(task, backend string) Option {
	return func(c *Config) {
		routes := make(map[string]string, len(c.Routes)+1)
		for k, v := range c.Routes {
			routes[k] = v
		}
		routes[task] = backend
		c.Routes = routes
	}
}

// WithCatalogDir roots every catalog path under dir.
func WithCatalogDir(dir string) Option {
	return func(c *Config) {
		c.Catalog.Root = dir + "/items"
		c.Catalog.RegistryFile = dir + "/registry.json"
		c.Catalog.WorkDir = dir + "/work"
		c.Catalog.StagingDir = dir + "/staging"
		c.Catalog.Blob.Dir = dir + "/bundles"
	}
}
