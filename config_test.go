package jobboard_test

import (
	"context"
	"testing"
	"time"

	"github.com/xraph/jobboard"
)

func TestDefaultConfig_Valid(t *testing.T) {
	t.Parallel()
	cfg := jobboard.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.JobTTL != 72*time.Hour || cfg.KeyPrefix != "job:" {
		t.Errorf("ttl/prefix = %s %q", cfg.JobTTL, cfg.KeyPrefix)
	}
	if got := cfg.StateIndexKey("FAILED"); got != "jobs:index:state:FAILED" {
		t.Errorf("StateIndexKey = %q", got)
	}
}

func TestNewConfig_Options(t *testing.T) {
	t.Parallel()
	cfg := jobboard.NewConfig(
		jobboard.WithRedisURL("redis://cache:6379/2"),
		jobboard.WithJobTTL(time.Hour),
		jobboard.WithConcurrency(9),
		jobboard.WithRoute("example_long_task", jobboard.BackendBroker),
		jobboard.WithCatalogDir("/srv/catalog"),
	)
	if cfg.RedisURL != "redis://cache:6379/2" || cfg.JobTTL != time.Hour || cfg.Concurrency != 9 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Routes["example_long_task"] != jobboard.BackendBroker {
		t.Errorf("route = %q", cfg.Routes["example_long_task"])
	}
	if cfg.Catalog.Root != "/srv/catalog/items" || cfg.Catalog.Blob.Dir != "/srv/catalog/bundles" {
		t.Errorf("catalog = %+v", cfg.Catalog)
	}

	// WithRoute copies the map; the defaults are untouched.
	if jobboard.DefaultConfig().Routes["example_long_task"] != jobboard.BackendPool {
		t.Error("WithRoute mutated the default routes")
	}
}

func TestConfig_ValidateRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*jobboard.Config)
	}{
		{"empty prefix", func(c *jobboard.Config) { c.KeyPrefix = "" }},
		{"zero ttl", func(c *jobboard.Config) { c.JobTTL = 0 }},
		{"zero concurrency", func(c *jobboard.Config) { c.Concurrency = 0 }},
		{"unknown backend", func(c *jobboard.Config) { c.Routes = map[string]string{"t": "cloud"} }},
		{"unknown broker", func(c *jobboard.Config) { c.Broker.Kind = "kafka" }},
		{"amqp without url", func(c *jobboard.Config) { c.Broker.Kind = "amqp" }},
		{"unknown blob", func(c *jobboard.Config) { c.Catalog.Blob.Kind = "gcs" }},
		{"bad tz", func(c *jobboard.Config) { c.ScheduleTZ = "Mars/Olympus" }},
		{"schedule without spec", func(c *jobboard.Config) {
			c.Schedules = []jobboard.ScheduleConfig{{Name: "n", Task: "example_long_task"}}
		}},
		{"schedule unrouted task", func(c *jobboard.Config) {
			c.Schedules = []jobboard.ScheduleConfig{{Name: "n", Spec: "@hourly", Task: "rm_rf"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := jobboard.DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestContextValues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if jobboard.JobIDFrom(ctx) != "" || jobboard.UserIDFrom(ctx) != "" {
		t.Fatal("empty context carries values")
	}
	ctx = jobboard.WithUserID(jobboard.WithJobID(ctx, "job_1"), "u1")
	if jobboard.JobIDFrom(ctx) != "job_1" || jobboard.UserIDFrom(ctx) != "u1" {
		t.Errorf("values = %q %q", jobboard.JobIDFrom(ctx), jobboard.UserIDFrom(ctx))
	}
}
