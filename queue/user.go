package queue

import "golang.org/x/time/rate"

// UserConfig limits one user's executions of one task.
type UserConfig struct {
	Task           string
	UserID         string
	RateLimit      float64
	RateBurst      int
	MaxConcurrency int
}

type userState struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

func userKey(task, userID string) string { return task + ":" + userID }

// SetUserConfig configures limits for a task+user pair. Calling it again
// replaces the previous limits.
func (m *Manager) SetUserConfig(cfg UserConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := userKey(cfg.Task, cfg.UserID)
	us := &userState{
		maxConcurrency: cfg.MaxConcurrency,
		limiter:        newLimiter(cfg.RateLimit, cfg.RateBurst),
	}
	if existing := m.users[key]; existing != nil {
		us.active = existing.active
	}
	m.users[key] = us
}

// UserActiveCount returns the running executions of task for userID.
func (m *Manager) UserActiveCount(task, userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if us := m.users[userKey(task, userID)]; us != nil {
		return us.active
	}
	return 0
}
