package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// SubmitFunc submits task with params and returns the new job ID. The
// engine provides the implementation.
type SubmitFunc func(ctx context.Context, task string, params json.RawMessage) (string, error)

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLockTTL sets how long a fired occurrence stays locked.
func WithLockTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.lockTTL = d }
}

// WithLocation sets the time zone schedules are evaluated in. UTC by
// default.
func WithLocation(loc *time.Location) SchedulerOption {
	return func(s *Scheduler) { s.loc = loc }
}

// WithOwner sets the lock owner recorded for this process.
func WithOwner(owner string) SchedulerOption {
	return func(s *Scheduler) { s.owner = owner }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scheduler fires entries on a tick loop.
type Scheduler struct {
	submit SubmitFunc
	locker Locker
	logger *slog.Logger
	now    func() time.Time
	loc    *time.Location
	owner  string

	tickInterval time.Duration
	lockTTL      time.Duration

	mu        sync.Mutex
	entries   map[string]*Entry
	schedules map[string]cronlib.Schedule

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewScheduler creates a Scheduler.
func NewScheduler(submit SubmitFunc, locker Locker, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		submit:       submit,
		locker:       locker,
		logger:       slog.Default(),
		now:          time.Now,
		loc:          time.UTC,
		owner:        "jobboard",
		tickInterval: time.Second,
		lockTTL:      10 * time.Minute,
		entries:      make(map[string]*Entry),
		schedules:    make(map[string]cronlib.Schedule),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers an entry and computes its first run. Names are unique.
func (s *Scheduler) Add(e Entry) error {
	if e.Name == "" || e.Task == "" {
		return fmt.Errorf("jobboard/cron: entry name and task are required")
	}
	sched, err := ParseSchedule(e.Schedule)
	if err != nil {
		return fmt.Errorf("jobboard/cron: entry %q: %w", e.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[e.Name]; dup {
		return fmt.Errorf("jobboard/cron: duplicate entry %q", e.Name)
	}
	next := sched.Next(s.now().In(s.loc))
	e.NextRunAt = &next
	s.entries[e.Name] = &e
	s.schedules[e.Name] = sched
	return nil
}

// Entries returns a snapshot of every entry, sorted by name.
func (s *Scheduler) Entries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start launches the tick loop. Starting twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.tickLoop(context.WithoutCancel(ctx), s.stopCh)
	s.logger.Info("cron scheduler started",
		slog.Int("entries", len(s.entries)),
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the tick loop to stop and waits for it.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every entry whose next run is due and schedules its
// following run. It is called by the tick loop and may be called
// directly.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().In(s.loc)

	s.mu.Lock()
	var due []*Entry
	for name, e := range s.entries {
		if e.NextRunAt == nil || e.NextRunAt.After(now) {
			continue
		}
		due = append(due, e.clone())
		next := s.schedules[name].Next(now)
		e.NextRunAt = &next
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *Entry, now time.Time) {
	key := e.Name + ":" + strconv.FormatInt(e.NextRunAt.Unix(), 10)
	acquired, err := s.locker.Acquire(ctx, key, s.owner, s.lockTTL)
	if err != nil {
		s.logger.Error("acquire cron lock error",
			slog.String("cron_name", e.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	if !acquired {
		return // Another process fired it.
	}

	jobID, err := s.submit(ctx, e.Task, e.Params)

	s.mu.Lock()
	if cur, ok := s.entries[e.Name]; ok {
		at := now
		cur.LastRunAt = &at
		cur.LastJobID = jobID
		cur.LastError = ""
		if err != nil {
			cur.LastError = err.Error()
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cron submit error",
			slog.String("cron_name", e.Name),
			slog.String("task", e.Task),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("cron fired",
		slog.String("cron_name", e.Name),
		slog.String("task", e.Task),
		slog.String("job_id", jobID),
	)
}
