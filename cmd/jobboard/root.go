package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xraph/jobboard"
)

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:           "jobboard",
	Short:         "Self-service job dashboard",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return loadEnvFile(envFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
}

// loadEnvFile loads path into the process environment. A missing file is
// not an error; variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// setDefaults registers every key of jobboard.DefaultConfig so that
// JOBBOARD_* variables can override nested keys.
func setDefaults(v *viper.Viper) {
	d := jobboard.DefaultConfig()

	v.SetDefault("redis_url", d.RedisURL)
	v.SetDefault("key_prefix", d.KeyPrefix)
	v.SetDefault("index_key", d.IndexKey)
	v.SetDefault("channel", d.Channel)
	v.SetDefault("job_ttl", d.JobTTL)
	v.SetDefault("concurrency", d.Concurrency)
	v.SetDefault("pool_queue_size", d.PoolQueueSize)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("task_timeout", d.TaskTimeout)
	v.SetDefault("routes", d.Routes)
	v.SetDefault("schedule_tz", d.ScheduleTZ)

	v.SetDefault("broker.kind", d.Broker.Kind)
	v.SetDefault("broker.queue", d.Broker.Queue)
	v.SetDefault("broker.amqp_url", d.Broker.AMQPURL)
	v.SetDefault("broker.poll_timeout", d.Broker.PollTimeout)

	v.SetDefault("catalog.root", d.Catalog.Root)
	v.SetDefault("catalog.registry_file", d.Catalog.RegistryFile)
	v.SetDefault("catalog.work_dir", d.Catalog.WorkDir)
	v.SetDefault("catalog.staging_dir", d.Catalog.StagingDir)
	v.SetDefault("catalog.mirror_dsn", d.Catalog.MirrorDSN)
	v.SetDefault("catalog.task_interpreters", d.Catalog.TaskInterpreters)
	v.SetDefault("catalog.blob.kind", d.Catalog.Blob.Kind)
	v.SetDefault("catalog.blob.dir", d.Catalog.Blob.Dir)
	v.SetDefault("catalog.blob.endpoint", d.Catalog.Blob.Endpoint)
	v.SetDefault("catalog.blob.access_key", d.Catalog.Blob.AccessKey)
	v.SetDefault("catalog.blob.secret_key", d.Catalog.Blob.SecretKey)
	v.SetDefault("catalog.blob.bucket", d.Catalog.Blob.Bucket)
	v.SetDefault("catalog.blob.use_ssl", d.Catalog.Blob.UseSSL)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// loadConfig layers defaults, the optional config file and JOBBOARD_*
// environment variables, in increasing precedence.
func loadConfig(v *viper.Viper, path string) (jobboard.Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("JOBBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// REDIS_URL is honoured without the prefix for compatibility with
	// existing deployments.
	if err := v.BindEnv("redis_url", "JOBBOARD_REDIS_URL", "REDIS_URL"); err != nil {
		return jobboard.Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return jobboard.Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg jobboard.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return jobboard.Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return jobboard.Config{}, err
	}
	return cfg, nil
}

// newLogger builds the process logger described by c.
func newLogger(c jobboard.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", c.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(c.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Format)
	}
}

// setup loads the configuration and logger shared by every command.
func setup() (jobboard.Config, *slog.Logger, error) {
	cfg, err := loadConfig(viper.New(), cfgFile)
	if err != nil {
		return cfg, nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return cfg, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}
