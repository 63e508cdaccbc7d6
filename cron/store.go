package cron

import (
	"context"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Locker grants one owner per key until the TTL expires.
type Locker interface {
	// Acquire returns true when owner now holds key.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
}

// ──────────────────────────────────────────────────
// Memory
// ──────────────────────────────────────────────────

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	now   func() time.Time
	locks map[string]time.Time
}

// NewMemoryLocker creates a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{now: time.Now, locks: make(map[string]time.Time)}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(_ context.Context, key, _ string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, until := range l.locks {
		if !until.After(now) {
			delete(l.locks, k)
		}
	}
	if _, held := l.locks[key]; held {
		return false, nil
	}
	l.locks[key] = now.Add(ttl)
	return true, nil
}

// ──────────────────────────────────────────────────
// Redis
// ──────────────────────────────────────────────────

// RedisLocker shares locks between processes through Redis.
type RedisLocker struct {
	client goredis.UniversalClient
	prefix string
}

// NewRedisLocker creates a RedisLocker whose keys start with prefix.
func NewRedisLocker(client goredis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// Acquire implements Locker with SET NX PX.
func (l *RedisLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.prefix+key, owner, ttl).Result()
}

var (
	_ Locker = (*MemoryLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)
