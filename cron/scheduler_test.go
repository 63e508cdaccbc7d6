package cron_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/jobboard/cron"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recorder) submit(_ context.Context, task string, _ json.RawMessage) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.calls = append(r.calls, task)
	return "job-" + task, nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestScheduler_AddValidates(t *testing.T) {
	t.Parallel()
	s := cron.NewScheduler((&recorder{}).submit, cron.NewMemoryLocker(), cron.WithLogger(testLogger()))

	tests := []struct {
		name  string
		entry cron.Entry
	}{
		{"missing name", cron.Entry{Schedule: "@hourly", Task: "t"}},
		{"missing task", cron.Entry{Name: "a", Schedule: "@hourly"}},
		{"bad schedule", cron.Entry{Name: "a", Schedule: "every now and then", Task: "t"}},
	}
	for _, tt := range tests {
		if err := s.Add(tt.entry); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}

	if err := s.Add(cron.Entry{Name: "sync", Schedule: "@hourly", Task: "t"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(cron.Entry{Name: "sync", Schedule: "@daily", Task: "t"}); err == nil {
		t.Error("expected duplicate name error")
	}
}

func TestScheduler_TickFiresDueEntries(t *testing.T) {
	t.Parallel()
	clk := &clock{now: time.Date(2026, 1, 1, 10, 0, 30, 0, time.UTC)}
	rec := &recorder{}
	s := cron.NewScheduler(rec.submit, cron.NewMemoryLocker(),
		cron.WithClock(clk.Now), cron.WithLogger(testLogger()))

	if err := s.Add(cron.Entry{Name: "registry-sync", Schedule: "*/5 * * * *", Task: "sync_catalog_registry_task"}); err != nil {
		t.Fatal(err)
	}
	entries := s.Entries()
	if len(entries) != 1 || !entries[0].NextRunAt.Equal(time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC)) {
		t.Fatalf("entries = %+v", entries)
	}

	s.Tick(context.Background())
	if rec.count() != 0 {
		t.Fatalf("fired before due")
	}

	clk.Advance(5 * time.Minute)
	s.Tick(context.Background())
	s.Tick(context.Background())
	if rec.count() != 1 {
		t.Fatalf("calls = %d, want 1", rec.count())
	}

	e := s.Entries()[0]
	if e.LastJobID != "job-sync_catalog_registry_task" || e.LastRunAt == nil {
		t.Errorf("entry = %+v", e)
	}
	if !e.NextRunAt.Equal(time.Date(2026, 1, 1, 10, 10, 0, 0, time.UTC)) {
		t.Errorf("next = %s", e.NextRunAt)
	}
}

func TestScheduler_SharedLockFiresOnce(t *testing.T) {
	t.Parallel()
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	locker := cron.NewMemoryLocker()
	rec := &recorder{}

	var schedulers []*cron.Scheduler
	for _, owner := range []string{"a", "b", "c"} {
		s := cron.NewScheduler(rec.submit, locker,
			cron.WithClock(clk.Now), cron.WithOwner(owner), cron.WithLogger(testLogger()))
		if err := s.Add(cron.Entry{Name: "hourly", Schedule: "@hourly", Task: "example_long_task"}); err != nil {
			t.Fatal(err)
		}
		schedulers = append(schedulers, s)
	}

	clk.Advance(time.Hour)
	for _, s := range schedulers {
		s.Tick(context.Background())
	}
	if rec.count() != 1 {
		t.Fatalf("calls = %d, want 1", rec.count())
	}

	clk.Advance(time.Hour)
	for _, s := range schedulers {
		s.Tick(context.Background())
	}
	if rec.count() != 2 {
		t.Fatalf("calls = %d, want 2", rec.count())
	}
}

func TestScheduler_RecordsSubmitError(t *testing.T) {
	t.Parallel()
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rec := &recorder{err: errors.New("backend unavailable")}
	s := cron.NewScheduler(rec.submit, cron.NewMemoryLocker(),
		cron.WithClock(clk.Now), cron.WithLogger(testLogger()))
	if err := s.Add(cron.Entry{Name: "e", Schedule: "@every 1m", Task: "t"}); err != nil {
		t.Fatal(err)
	}

	clk.Advance(time.Minute)
	s.Tick(context.Background())
	if got := s.Entries()[0].LastError; got != "backend unavailable" {
		t.Errorf("LastError = %q", got)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s := cron.NewScheduler(rec.submit, cron.NewMemoryLocker(),
		cron.WithTickInterval(5*time.Millisecond), cron.WithLogger(testLogger()))
	if err := s.Add(cron.Entry{Name: "fast", Schedule: "@every 1s", Task: "t"}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if rec.count() == 0 {
		t.Fatal("entry never fired")
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryLocker_Expires(t *testing.T) {
	t.Parallel()
	l := cron.NewMemoryLocker()
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "k", "a", 20*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	if ok, _ := l.Acquire(ctx, "k", "b", time.Second); ok {
		t.Fatal("second acquire succeeded while held")
	}
	time.Sleep(30 * time.Millisecond)
	if ok, _ := l.Acquire(ctx, "k", "b", time.Second); !ok {
		t.Fatal("acquire after expiry failed")
	}
}
