package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-task admission limits.
type Config struct {
	// Task is the task name the limits apply to.
	Task string `mapstructure:"task"`

	// MaxConcurrency limits how many executions of Task may run at once
	// in the local pool. Zero means no task-specific limit.
	MaxConcurrency int `mapstructure:"max_concurrency"`

	// RateLimit is the sustained executions per second. Zero disables
	// rate limiting.
	RateLimit float64 `mapstructure:"rate_limit"`

	// RateBurst is the token-bucket burst. Defaults to 1 when RateLimit
	// is set.
	RateBurst int `mapstructure:"rate_burst"`
}

type taskState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager gates task executions by per-task and per-user limits.
// It is safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*taskState
	users map[string]*userState
}

// NewManager creates a Manager. Tasks without a Config are unlimited.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		tasks: make(map[string]*taskState, len(configs)),
		users: make(map[string]*userState),
	}
	for _, cfg := range configs {
		m.tasks[cfg.Task] = newTaskState(cfg)
	}
	return m
}

func newTaskState(cfg Config) *taskState {
	ts := &taskState{config: cfg}
	ts.limiter = newLimiter(cfg.RateLimit, cfg.RateBurst)
	return ts
}

func newLimiter(limit float64, burst int) *rate.Limiter {
	if limit <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}

// Acquire reports whether an execution of task for userID may start now.
// On true the active counters are incremented and the caller MUST call
// Release when the execution ends.
func (m *Manager) Acquire(task, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.tasks[task]
	if ts != nil && ts.config.MaxConcurrency > 0 && ts.active >= ts.config.MaxConcurrency {
		return false
	}

	var us *userState
	if userID != "" {
		us = m.users[userKey(task, userID)]
		if us != nil && us.maxConcurrency > 0 && us.active >= us.maxConcurrency {
			return false
		}
	}

	// Spend rate tokens only once both concurrency gates pass.
	if ts != nil && ts.limiter != nil && !ts.limiter.Allow() {
		return false
	}
	if us != nil && us.limiter != nil && !us.limiter.Allow() {
		return false
	}

	if ts != nil {
		ts.active++
	}
	if us != nil {
		us.active++
	}
	return true
}

// Release decrements the active counters for task and userID.
func (m *Manager) Release(task, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts := m.tasks[task]; ts != nil && ts.active > 0 {
		ts.active--
	}
	if userID != "" {
		if us := m.users[userKey(task, userID)]; us != nil && us.active > 0 {
			us.active--
		}
	}
}

// SetConfig creates or replaces the limits for cfg.Task, keeping the
// current active count.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := newTaskState(cfg)
	if existing := m.tasks[cfg.Task]; existing != nil {
		ts.active = existing.active
	}
	m.tasks[cfg.Task] = ts
}

// ActiveCount returns the number of running executions of task.
func (m *Manager) ActiveCount(task string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts := m.tasks[task]; ts != nil {
		return ts.active
	}
	return 0
}
