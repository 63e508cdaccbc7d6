// Package tasks holds the built-in demonstration task bodies. Both report
// progress through the status reporter carried by ctx and pause through
// an injectable sleep so tests run instantly.
package tasks

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/xraph/jobboard/catalog/runner"
	"github.com/xraph/jobboard/job"
	"github.com/xraph/jobboard/status"
)

// Task names.
const (
	ExampleLong     = "example_long_task"
	ProvisionServer = "provision_server_task"
)

// Tasks carries the shared dependencies of the built-in bodies.
type Tasks struct {
	sleep  runner.SleepFunc
	logger *slog.Logger
	now    func() time.Time
}

// Option configures Tasks.
type Option func(*Tasks)

// WithSleep replaces the pause between steps.
func WithSleep(fn runner.SleepFunc) Option {
	return func(t *Tasks) { t.sleep = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tasks) { t.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tasks) { t.now = now }
}

// New returns the built-in task set.
func New(opts ...Option) *Tasks {
	t := &Tasks{
		sleep:  runner.Sleep,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register adds both tasks to reg.
func (t *Tasks) Register(reg *job.Registry, timeout time.Duration) {
	job.RegisterDefinition(reg, job.NewDefinition(ExampleLong, t.ExampleLong,
		job.WithJobType(ExampleLong), job.WithTimeout(timeout)))
	job.RegisterDefinition(reg, job.NewDefinition(ProvisionServer, t.ProvisionServer,
		job.WithJobType("provision_server"), job.WithTimeout(timeout)))
}

func (t *Tasks) report(ctx context.Context, pct float64, step string) {
	rep := status.ReporterFrom(ctx)
	if err := rep.Step(ctx, pct, step, ""); err != nil {
		t.logger.Warn("progress report failed",
			slog.String("job_id", rep.JobID()),
			slog.String("error", err.Error()),
		)
	}
}

func (t *Tasks) timestamp() string {
	return t.now().UTC().Format(time.RFC3339)
}

// ──────────────────────────────────────────────────
// example_long_task
// ──────────────────────────────────────────────────

// LongRequest is the payload of example_long_task.
type LongRequest struct {
	ReportType string `json:"report_type,omitempty"`
}

// LongResult is returned by ExampleLong.
type LongResult struct {
	Message        string `json:"message"`
	ProcessedItems int    `json:"processed_items"`
	ReportType     string `json:"report_type"`
	CompletionTime string `json:"completion_time"`
}

// ExampleLong runs five one-second steps, reporting 20% after each.
func (t *Tasks) ExampleLong(ctx context.Context, req LongRequest) (any, error) {
	const steps = 5
	for i := 1; i <= steps; i++ {
		if err := t.sleep(ctx, time.Second); err != nil {
			return nil, err
		}
		t.report(ctx, float64(i)/steps*100, "")
	}

	reportType := req.ReportType
	if reportType == "" {
		reportType = "default"
	}
	return &LongResult{
		Message:        "Task completed successfully",
		ProcessedItems: 100,
		ReportType:     reportType,
		CompletionTime: t.timestamp(),
	}, nil
}

// ──────────────────────────────────────────────────
// provision_server_task
// ──────────────────────────────────────────────────

// ServerConfig describes the server to provision.
type ServerConfig struct {
	Name         string            `json:"name,omitempty"`
	InstanceType string            `json:"instance_type,omitempty"`
	Region       string            `json:"region,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// ProvisionRequest is the payload of provision_server_task.
type ProvisionRequest struct {
	ServerConfig ServerConfig `json:"server_config"`
}

// ProvisionResult is returned by ProvisionServer.
type ProvisionResult struct {
	Message       string            `json:"message"`
	ServerID      string            `json:"server_id"`
	InstanceType  string            `json:"instance_type"`
	Region        string            `json:"region"`
	IPAddress     string            `json:"ip_address"`
	SSHKey        string            `json:"ssh_key"`
	Tags          map[string]string `json:"tags"`
	ProvisionedAt string            `json:"provisioned_at"`
}

var provisionSteps = []struct {
	name     string
	progress int
}{
	{"Validating configuration", 10},
	{"Allocating compute resources", 20},
	{"Setting up networking", 35},
	{"Installing operating system", 50},
	{"Configuring security groups", 65},
	{"Installing software packages", 80},
	{"Running health checks", 90},
	{"Finalizing setup", 100},
}

// ProvisionServer simulates provisioning through eight named steps.
func (t *Tasks) ProvisionServer(ctx context.Context, req ProvisionRequest) (any, error) {
	jobID := status.ReporterFrom(ctx).JobID()
	t.report(ctx, 0, "Starting provisioning")

	for _, s := range provisionSteps {
		if err := t.sleep(ctx, time.Duration(2+s.progress%3)*time.Second); err != nil {
			return nil, err
		}
		t.report(ctx, float64(s.progress), s.name)
	}

	cfg := req.ServerConfig
	name := orDefault(cfg.Name, "server")
	tags := cfg.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	return &ProvisionResult{
		Message:       "Server provisioned successfully",
		ServerID:      "srv-" + prefix(jobID, 8),
		InstanceType:  orDefault(cfg.InstanceType, "t3.medium"),
		Region:        orDefault(cfg.Region, "us-east-1"),
		IPAddress:     fmt.Sprintf("10.0.%d.%d", octet(jobID), octet(prefix(jobID, 8))),
		SSHKey:        name + "-key",
		Tags:          tags,
		ProvisionedAt: t.timestamp(),
	}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func prefix(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// octet maps s onto 1..254.
func octet(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s)) //nolint:errcheck // hash writes never fail
	return h.Sum32()%254 + 1
}
