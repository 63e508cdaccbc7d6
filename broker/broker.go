// Package broker is the dispatcher's deferred backend. Tasks are
// serialized onto a durable Queue and executed later by a Consumer,
// possibly in another process. Implementations live in broker/redisq
// (Redis lists) and broker/amqp (RabbitMQ).
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/job"
)

// Queue is a durable FIFO of encoded tasks.
type Queue interface {
	// Push appends body to the queue.
	Push(ctx context.Context, body []byte) error

	// Pop waits for the next message. It returns (nil, nil) when its poll
	// window elapses with nothing to deliver.
	Pop(ctx context.Context) (Delivery, error)

	// Close releases the queue's connections.
	Close() error
}

// Delivery is one message taken from a Queue. Exactly one of Ack or Nack
// must be called.
type Delivery interface {
	Body() []byte

	// Ack removes the message permanently.
	Ack(ctx context.Context) error

	// Nack gives the message back. With requeue it becomes available
	// again; without it the message is parked as failed.
	Nack(ctx context.Context, requeue bool) error
}

// Backend submits tasks to a Queue.
type Backend struct {
	queue Queue
}

// NewBackend creates a Backend writing to q.
func NewBackend(q Queue) *Backend {
	return &Backend{queue: q}
}

// Name identifies this backend in routing tables.
func (b *Backend) Name() string { return jobboard.BackendBroker }

// Submit encodes t and pushes it.
func (b *Backend) Submit(ctx context.Context, t *job.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("jobboard/broker: encode %q: %w", t.Name, err)
	}
	if err := b.queue.Push(ctx, body); err != nil {
		return fmt.Errorf("jobboard/broker: push %q: %w", t.Name, err)
	}
	return nil
}

// DecodeTask decodes a message body written by Backend.Submit.
func DecodeTask(body []byte) (*job.Task, error) {
	var t job.Task
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("jobboard/broker: decode task: %w", err)
	}
	if t.Name == "" || t.JobID == "" {
		return nil, fmt.Errorf("jobboard/broker: decode task: missing name or job_id")
	}
	return &t, nil
}
