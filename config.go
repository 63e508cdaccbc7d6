package jobboard

import (
	"fmt"
	"time"
)

// Backend names used in Config.Routes.
const (
	BackendPool   = "pool"
	BackendBroker = "broker"
)

// Config is the explicit process configuration. It is built once at
// startup and handed to every component that needs it.
type Config struct {
	// RedisURL locates the shared job store, e.g. redis://localhost:6379/0.
	// Empty selects the in-memory store (single process only).
	RedisURL string `mapstructure:"redis_url"`

	// KeyPrefix prefixes every job record key ("job:" + id).
	KeyPrefix string `mapstructure:"key_prefix"`

	// IndexKey is the recency-ordered index of all job IDs.
	IndexKey string `mapstructure:"index_key"`

	// Channel is the pub/sub channel carrying upsert notifications.
	Channel string `mapstructure:"channel"`

	// JobTTL is the retention window applied on every write.
	JobTTL time.Duration `mapstructure:"job_ttl"`

	// Concurrency is the number of worker goroutines in the pool backend
	// and in broker consumers.
	Concurrency int `mapstructure:"concurrency"`

	// PoolQueueSize bounds the pool backend's pending queue.
	PoolQueueSize int `mapstructure:"pool_queue_size"`

	// ShutdownTimeout is the maximum time to wait for in-flight tasks.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// TaskTimeout caps a single task execution. Zero disables the cap.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`

	// Routes maps task names to BackendPool or BackendBroker. Every
	// allow-listed task must have a route.
	Routes map[string]string `mapstructure:"routes"`

	// Schedules submits tasks on recurring cron schedules.
	Schedules []ScheduleConfig `mapstructure:"schedules"`

	// ScheduleTZ is the IANA time zone schedules are evaluated in.
	ScheduleTZ string `mapstructure:"schedule_tz"`

	Broker  BrokerConfig  `mapstructure:"broker"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Log     LogConfig     `mapstructure:"log"`
}

// ScheduleConfig is one recurring task submission.
type ScheduleConfig struct {
	Name string `mapstructure:"name"`

	// Spec is a 5-field cron expression or a descriptor like "@hourly".
	Spec string `mapstructure:"spec"`

	Task   string         `mapstructure:"task"`
	Params map[string]any `mapstructure:"params"`
}

// BrokerConfig configures the deferred backend.
type BrokerConfig struct {
	// Kind is "redis" (list queue on RedisURL) or "amqp".
	Kind string `mapstructure:"kind"`

	// Queue is the Redis list key or AMQP queue name.
	Queue string `mapstructure:"queue"`

	// AMQPURL is the RabbitMQ connection string when Kind is "amqp".
	AMQPURL string `mapstructure:"amqp_url"`

	// PollTimeout bounds a single blocking pop.
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// CatalogConfig configures the catalog registry and its storage.
type CatalogConfig struct {
	// Root holds the local layout {item}/{version}/... .
	Root string `mapstructure:"root"`

	// RegistryFile is the registry's JSON document.
	RegistryFile string `mapstructure:"registry_file"`

	// WorkDir holds extracted working copies of bundles.
	WorkDir string `mapstructure:"work_dir"`

	// StagingDir receives uploaded bundles before import.
	StagingDir string `mapstructure:"staging_dir"`

	// Blob selects bundle storage.
	Blob BlobConfig `mapstructure:"blob"`

	// MirrorDSN is the Postgres connection string of the relational
	// mirror. Empty disables mirroring.
	MirrorDSN string `mapstructure:"mirror_dsn"`

	// TaskInterpreters maps task file extensions to interpreters for
	// subprocess execution, e.g. ".py" -> "python3".
	TaskInterpreters map[string]string `mapstructure:"task_interpreters"`
}

// BlobConfig selects and configures bundle blob storage.
type BlobConfig struct {
	// Kind is "fs" or "minio".
	Kind string `mapstructure:"kind"`

	// Dir is the bundle directory for Kind "fs".
	Dir string `mapstructure:"dir"`

	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// HTTPConfig configures the HTTP boundary.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:       "job:",
		IndexKey:        "jobs:index",
		Channel:         "channel:jobs",
		JobTTL:          72 * time.Hour,
		Concurrency:     4,
		PoolQueueSize:   1024,
		ShutdownTimeout: 30 * time.Second,
		ScheduleTZ:      "UTC",
		Routes: map[string]string{
			"example_long_task":          BackendPool,
			"run_catalog_item":           BackendPool,
			"provision_server_task":      BackendBroker,
			"import_catalog_item_task":   BackendBroker,
			"import_catalog_bundle_task": BackendBroker,
			"sync_catalog_registry_task": BackendBroker,
			"sync_catalog_item":          BackendBroker,
			"sync_catalog_item_from_git": BackendBroker,
		},
		Broker: BrokerConfig{
			Kind:        "redis",
			Queue:       "jobboard:tasks",
			PollTimeout: 5 * time.Second,
		},
		Catalog: CatalogConfig{
			Root:         "data/catalog/items",
			RegistryFile: "data/catalog/registry.json",
			WorkDir:      "data/catalog/work",
			StagingDir:   "data/catalog/staging",
			Blob: BlobConfig{
				Kind: "fs",
				Dir:  "data/catalog/bundles",
			},
			TaskInterpreters: map[string]string{
				".py": "python3",
				".sh": "sh",
			},
		},
		HTTP: HTTPConfig{Addr: ":8000"},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Validate checks internal consistency.
func (c Config) Validate() error {
	if c.KeyPrefix == "" || c.IndexKey == "" || c.Channel == "" {
		return fmt.Errorf("jobboard: config: key prefix, index key and channel are required")
	}
	if c.JobTTL <= 0 {
		return fmt.Errorf("jobboard: config: job_ttl must be positive, got %s", c.JobTTL)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("jobboard: config: concurrency must be positive, got %d", c.Concurrency)
	}
	for task, backend := range c.Routes {
		switch backend {
		case BackendPool, BackendBroker:
		default:
			return fmt.Errorf("jobboard: config: task %q routed to unknown backend %q", task, backend)
		}
	}
	switch c.Broker.Kind {
	case "redis", "amqp", "":
	default:
		return fmt.Errorf("jobboard: config: unknown broker kind %q", c.Broker.Kind)
	}
	if c.Broker.Kind == "amqp" && c.Broker.AMQPURL == "" {
		return fmt.Errorf("jobboard: config: broker.amqp_url is required for amqp")
	}
	if _, err := time.LoadLocation(c.ScheduleTZ); err != nil {
		return fmt.Errorf("jobboard: config: schedule_tz: %w", err)
	}
	for _, sc := range c.Schedules {
		if sc.Name == "" || sc.Spec == "" || sc.Task == "" {
			return fmt.Errorf("jobboard: config: schedule needs name, spec and task")
		}
		if _, ok := c.Routes[sc.Task]; !ok {
			return fmt.Errorf("jobboard: config: schedule %q: task %q has no route", sc.Name, sc.Task)
		}
	}
	switch c.Catalog.Blob.Kind {
	case "fs", "minio":
	default:
		return fmt.Errorf("jobboard: config: unknown blob kind %q", c.Catalog.Blob.Kind)
	}
	return nil
}

// StateIndexKey returns the per-state index key for state.
func (c Config) StateIndexKey(state string) string {
	return c.IndexKey + ":state:" + state
}
