package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/job"
	"github.com/xraph/jobboard/middleware"
	"github.com/xraph/jobboard/status"
	"github.com/xraph/jobboard/store/memory"
	"github.com/xraph/jobboard/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	engine   *status.Engine
	registry *job.Registry
	executor *worker.Executor
}

func newFixture(t *testing.T, mws ...middleware.Middleware) *fixture {
	t.Helper()
	logger := testLogger()
	eng := status.New(memory.New(), status.WithLogger(logger))
	reg := job.NewRegistry()
	mws = append([]middleware.Middleware{middleware.Recover(logger)}, mws...)
	return &fixture{
		engine:   eng,
		registry: reg,
		executor: worker.NewExecutor(reg, eng, logger, mws...),
	}
}

func (f *fixture) queue(t *testing.T, jobID, task string) *job.Task {
	t.Helper()
	if _, err := f.engine.Touch(context.Background(), &job.Record{
		ID: jobID, Type: task, Task: task, State: job.StateQueued, Progress: job.Float(0),
	}); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	return &job.Task{ID: "dlv-" + jobID, Name: task, JobID: jobID}
}

func (f *fixture) get(t *testing.T, jobID string) *job.Record {
	t.Helper()
	rec, err := f.engine.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Get(%s): %v", jobID, err)
	}
	return rec
}

func TestExecute_Success(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	type payload struct {
		N int `json:"n"`
	}
	job.RegisterDefinition(f.registry, job.NewDefinition("double",
		func(ctx context.Context, p payload) (any, error) {
			if err := status.ReporterFrom(ctx).Progress(ctx, 50, "halfway"); err != nil {
				return nil, err
			}
			return map[string]int{"n": p.N * 2}, nil
		}))

	tk := f.queue(t, "j1", "double")
	tk.Payload = json.RawMessage(`{"n":21}`)

	if err := f.executor.Execute(context.Background(), tk); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	rec := f.get(t, "j1")
	if rec.State != job.StateSucceeded {
		t.Fatalf("state = %s, want SUCCEEDED", rec.State)
	}
	if string(rec.Result) != `{"n":42}` {
		t.Errorf("result = %s", rec.Result)
	}
	if rec.Progress == nil || *rec.Progress != 100 {
		t.Errorf("progress = %v, want 100", rec.Progress)
	}
	if rec.Message != "Task completed successfully" {
		t.Errorf("message = %q", rec.Message)
	}
	if rec.StartedAt == nil || rec.FinishedAt == nil {
		t.Errorf("started_at=%v finished_at=%v", rec.StartedAt, rec.FinishedAt)
	}
}

func TestExecute_FailureRecordedAndReturned(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	boom := errors.New("disk full")
	f.registry.Register("broken", func(context.Context, *job.Task) (any, error) {
		return nil, boom
	})

	err := f.executor.Execute(context.Background(), f.queue(t, "j1", "broken"))
	if !errors.Is(err, boom) {
		t.Fatalf("Execute = %v, want %v", err, boom)
	}

	rec := f.get(t, "j1")
	if rec.State != job.StateFailed {
		t.Fatalf("state = %s, want FAILED", rec.State)
	}
	if rec.Error == nil || rec.Error.Type != status.ErrorTypeExecution || rec.Error.Message != "disk full" {
		t.Errorf("error = %+v", rec.Error)
	}
	if rec.Result != nil {
		t.Errorf("result = %s, want none", rec.Result)
	}
}

func TestExecute_PanicBecomesFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.registry.Register("panicky", func(context.Context, *job.Task) (any, error) {
		panic("kaboom")
	})

	if err := f.executor.Execute(context.Background(), f.queue(t, "j1", "panicky")); err == nil {
		t.Fatal("expected error")
	}
	if rec := f.get(t, "j1"); rec.State != job.StateFailed {
		t.Fatalf("state = %s, want FAILED", rec.State)
	}
}

func TestExecute_TimeoutClassified(t *testing.T) {
	t.Parallel()
	f := newFixture(t, middleware.Timeout(testLogger(), nil, 10*time.Millisecond))
	f.registry.Register("slow", func(ctx context.Context, _ *job.Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	if err := f.executor.Execute(context.Background(), f.queue(t, "j1", "slow")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Execute = %v, want DeadlineExceeded", err)
	}
	rec := f.get(t, "j1")
	if rec.State != job.StateFailed || rec.Error == nil || rec.Error.Type != status.ErrorTypeTimeout {
		t.Fatalf("record = %+v", rec)
	}
}

func TestExecute_UnknownTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.executor.Execute(context.Background(), f.queue(t, "j1", "nope"))
	if !errors.Is(err, jobboard.ErrUnknownTask) {
		t.Fatalf("Execute = %v, want ErrUnknownTask", err)
	}
	if rec := f.get(t, "j1"); rec.State != job.StateFailed {
		t.Fatalf("state = %s, want FAILED", rec.State)
	}
}

func TestExecute_SkipsFinishedJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	calls := 0
	f.registry.Register("once", func(context.Context, *job.Task) (any, error) {
		calls++
		return nil, nil
	})

	tk := f.queue(t, "j1", "once")
	for range 2 {
		if err := f.executor.Execute(context.Background(), tk); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
}

func TestExecute_IdentityOnContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, middleware.Identity())

	var seen string
	f.registry.Register("who", func(ctx context.Context, _ *job.Task) (any, error) {
		seen = jobboard.JobIDFrom(ctx)
		return nil, nil
	})

	if err := f.executor.Execute(context.Background(), f.queue(t, "j9", "who")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if seen != "j9" {
		t.Fatalf("JobIDFrom = %q, want j9", seen)
	}
}
