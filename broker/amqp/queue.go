// Package amqp implements broker.Queue on RabbitMQ.
//
// Tasks are published persistent to a durable queue on the default
// exchange and consumed with manual acknowledgements. A nack without
// requeue hands the message to the queue's dead-letter exchange when one
// is configured.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/xraph/jobboard/broker"
)

var _ broker.Queue = (*Queue)(nil)

// Queue is a RabbitMQ backed broker.Queue. It redials lazily after the
// connection drops.
type Queue struct {
	url         string
	name        string
	prefetch    int
	pollTimeout time.Duration
	deadLetter  string
	logger      *slog.Logger

	mu         sync.Mutex
	conn       *amqp.Connection
	pubCh      *amqp.Channel
	consumeCh  *amqp.Channel
	deliveries <-chan amqp.Delivery
}

// Option configures a Queue.
type Option func(*Queue)

// WithPrefetch sets the consumer prefetch count.
func WithPrefetch(n int) Option {
	return func(q *Queue) { q.prefetch = n }
}

// WithPollTimeout sets how long Pop waits before returning empty.
func WithPollTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollTimeout = d
		}
	}
}

// WithDeadLetterExchange declares the queue with x-dead-letter-exchange.
func WithDeadLetterExchange(exchange string) Option {
	return func(q *Queue) { q.deadLetter = exchange }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New dials url and declares the durable queue name.
func New(url, name string, opts ...Option) (*Queue, error) {
	q := &Queue{
		url:         url,
		name:        name,
		prefetch:    1,
		pollTimeout: 5 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.connectLocked(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) connectLocked() error {
	if q.conn != nil && !q.conn.IsClosed() {
		return nil
	}
	q.deliveries = nil

	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("jobboard/amqp: dial: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close() //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("jobboard/amqp: open channel: %w", err)
	}

	var args amqp.Table
	if q.deadLetter != "" {
		args = amqp.Table{"x-dead-letter-exchange": q.deadLetter}
	}
	if _, err := pubCh.QueueDeclare(q.name, true, false, false, false, args); err != nil {
		_ = conn.Close() //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("jobboard/amqp: declare %q: %w", q.name, err)
	}

	q.conn = conn
	q.pubCh = pubCh
	q.consumeCh = nil
	q.logger.Info("amqp connected", slog.String("queue", q.name))
	return nil
}

// Push publishes body as a persistent JSON message.
func (q *Queue) Push(ctx context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.connectLocked(); err != nil {
		return err
	}
	err := q.pubCh.PublishWithContext(ctx,
		"",
		q.name,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("jobboard/amqp: publish %q: %w", q.name, err)
	}
	return nil
}

// Pop waits up to the poll timeout for the next delivery.
func (q *Queue) Pop(ctx context.Context) (broker.Delivery, error) {
	deliveries, err := q.consume()
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(q.pollTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d, ok := <-deliveries:
		if !ok {
			q.mu.Lock()
			q.deliveries = nil
			q.mu.Unlock()
			return nil, errors.New("jobboard/amqp: delivery channel closed")
		}
		return &delivery{d: d}, nil
	}
}

func (q *Queue) consume() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.connectLocked(); err != nil {
		return nil, err
	}
	if q.deliveries != nil {
		return q.deliveries, nil
	}

	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("jobboard/amqp: open consume channel: %w", err)
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("jobboard/amqp: qos: %w", err)
	}
	msgs, err := ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("jobboard/amqp: consume %q: %w", q.name, err)
	}
	q.consumeCh = ch
	q.deliveries = msgs
	return msgs, nil
}

// Close closes the connection.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.conn == nil || q.conn.IsClosed() {
		return nil
	}
	return q.conn.Close()
}

type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Body() []byte { return d.d.Body }

func (d *delivery) Ack(_ context.Context) error {
	return d.d.Ack(false)
}

func (d *delivery) Nack(_ context.Context, requeue bool) error {
	return d.d.Nack(false, requeue)
}
