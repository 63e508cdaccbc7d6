package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/xraph/jobboard/backoff"
	"github.com/xraph/jobboard/job"
)

// Executor runs one task. worker.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, t *job.Task) error
}

// Consumer pulls tasks from a Queue and hands them to an Executor.
//
// A task whose execution fails is nacked without requeue: the failure is
// already recorded on the job and a retry is a new job. Malformed
// messages are nacked the same way. Queue errors back off and retry.
type Consumer struct {
	queue       Queue
	executor    Executor
	concurrency int
	backoff     backoff.Strategy
	logger      *slog.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConcurrency sets how many messages are processed at once.
func WithConcurrency(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithBackoff sets the delay strategy used after queue errors.
func WithBackoff(s backoff.Strategy) ConsumerOption {
	return func(c *Consumer) { c.backoff = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = l }
}

// NewConsumer creates a Consumer.
func NewConsumer(q Queue, exec Executor, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		queue:       q,
		executor:    exec,
		concurrency: 1,
		backoff:     backoff.DefaultStrategy(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is cancelled. In-flight executions finish
// before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("broker consumer starting", slog.Int("concurrency", c.concurrency))

	var wg sync.WaitGroup
	for range c.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx)
		}()
	}
	wg.Wait()

	c.logger.Info("broker consumer stopped")
	return nil
}

func (c *Consumer) loop(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		d, err := c.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			c.logger.Warn("broker pop failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			if waitErr := backoff.Wait(ctx, c.backoff, attempt); waitErr != nil {
				return
			}
			continue
		}
		attempt = 0
		if d == nil {
			continue
		}
		c.handle(ctx, d)
	}
}

func (c *Consumer) handle(ctx context.Context, d Delivery) {
	// Settle deliveries even when shutdown cancelled ctx mid-task.
	settleCtx := context.WithoutCancel(ctx)

	t, err := DecodeTask(d.Body())
	if err != nil {
		c.logger.Error("dropping malformed task message", slog.String("error", err.Error()))
		c.settle(d.Nack(settleCtx, false))
		return
	}

	if err := c.executor.Execute(ctx, t); err != nil {
		c.settle(d.Nack(settleCtx, false))
		return
	}
	c.settle(d.Ack(settleCtx))
}

func (c *Consumer) settle(err error) {
	if err != nil {
		c.logger.Error("failed to settle delivery", slog.String("error", err.Error()))
	}
}
