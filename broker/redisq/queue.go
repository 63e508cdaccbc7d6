// Package redisq implements broker.Queue on Redis lists.
//
// Messages are pushed on the left of {name} and moved atomically to
// {name}:processing when popped (BLMOVE), so a worker that dies mid-task
// leaves its message recoverable. Ack removes it from processing; Nack
// either returns it to {name} or parks it on {name}:failed.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/jobboard/broker"
)

var _ broker.Queue = (*Queue)(nil)

// Queue is a Redis list backed broker.Queue.
type Queue struct {
	client      goredis.Cmdable
	name        string
	pollTimeout time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithPollTimeout sets how long Pop blocks before returning empty.
func WithPollTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollTimeout = d
		}
	}
}

// New creates a Queue on the list name.
func New(client goredis.Cmdable, name string, opts ...Option) *Queue {
	q := &Queue{client: client, name: name, pollTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) processingKey() string { return q.name + ":processing" }
func (q *Queue) failedKey() string     { return q.name + ":failed" }

// Push appends body.
func (q *Queue) Push(ctx context.Context, body []byte) error {
	if err := q.client.LPush(ctx, q.name, body).Err(); err != nil {
		return fmt.Errorf("jobboard/redisq: lpush %q: %w", q.name, err)
	}
	return nil
}

// Pop moves the oldest message into the processing list and returns it.
func (q *Queue) Pop(ctx context.Context) (broker.Delivery, error) {
	body, err := q.client.BLMove(ctx, q.name, q.processingKey(), "RIGHT", "LEFT", q.pollTimeout).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobboard/redisq: blmove %q: %w", q.name, err)
	}
	return &delivery{queue: q, body: body}, nil
}

// Recover returns every message left in the processing list to the
// queue. Call it once at startup before any consumer runs.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processingKey(), q.name, "RIGHT", "RIGHT").Err()
		if errors.Is(err, goredis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("jobboard/redisq: recover %q: %w", q.name, err)
		}
		n++
	}
}

// Len returns the number of waiting messages.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}

// Failed returns up to limit parked messages, newest first.
func (q *Queue) Failed(ctx context.Context, limit int64) ([][]byte, error) {
	vals, err := q.client.LRange(ctx, q.failedKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("jobboard/redisq: lrange %q: %w", q.failedKey(), err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Close is a no-op; the caller owns the Redis client.
func (q *Queue) Close() error { return nil }

type delivery struct {
	queue *Queue
	body  []byte
}

func (d *delivery) Body() []byte { return d.body }

func (d *delivery) Ack(ctx context.Context) error {
	if err := d.queue.client.LRem(ctx, d.queue.processingKey(), 1, d.body).Err(); err != nil {
		return fmt.Errorf("jobboard/redisq: ack: %w", err)
	}
	return nil
}

func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	target := d.queue.failedKey()
	if requeue {
		target = d.queue.name
	}
	pipe := d.queue.client.TxPipeline()
	pipe.LRem(ctx, d.queue.processingKey(), 1, d.body)
	if requeue {
		// The right end pops first, so a requeued message runs next.
		pipe.RPush(ctx, target, d.body)
	} else {
		pipe.LPush(ctx, target, d.body)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobboard/redisq: nack: %w", err)
	}
	return nil
}
