// Package redis implements job.Store on Redis. Job records are Hashes
// with a TTL, the recency index and per-state indexes are Sorted Sets
// scored by write time, and upsert notifications travel over Pub/Sub.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/jobboard/job"
)

var _ job.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeys overrides the key layout.
func WithKeys(k Keys) Option {
	return func(s *Store) { s.keys = k }
}

// Store implements job.Store backed by Redis.
type Store struct {
	client goredis.Cmdable
	keys   Keys
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, keys: DefaultKeys, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
