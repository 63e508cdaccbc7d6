package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/xraph/jobboard/job"
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// Broker is the in-process fan-out point for upsert events. It satisfies
// status.Notifier so a single-process deployment can publish straight
// into it; multi-process deployments feed it from Redis pub/sub instead.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	subscribers sync.Map // subscriberID → *Subscriber

	totalPublished atomic.Int64
	totalDelivered atomic.Int64

	bufferSize int
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:     NewTopicRegistry(),
		logger:     logger,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Topics returns the topic registry.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a subscriber on the given topics. With no topics the
// subscriber receives every upsert.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	if len(topics) == 0 {
		topics = []string{TopicJobs}
	}
	sub := NewSubscriber(subscriberID, b.bufferSize)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// Publish broadcasts evt to every matching topic.
func (b *Broker) Publish(evt *Event) {
	delivered := b.topics.Broadcast(resolveTopics(evt), evt)
	b.totalPublished.Add(1)
	b.totalDelivered.Add(int64(delivered))
}

// Notify publishes an upsert for rec.
func (b *Broker) Notify(_ context.Context, rec *job.Record) error {
	evt, err := NewUpsert(rec)
	if err != nil {
		return err
	}
	b.Publish(evt)
	return nil
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	var dropped int64
	b.subscribers.Range(func(_, v any) bool {
		count++
		dropped += v.(*Subscriber).Dropped() //nolint:errcheck // sync.Map always stores *Subscriber
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDelivered:  b.totalDelivered.Load(),
		TotalDropped:    dropped,
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDelivered  int64 `json:"total_delivered"`
	TotalDropped    int64 `json:"total_dropped"`
}

// Close closes every subscriber.
func (b *Broker) Close() {
	b.subscribers.Range(func(key, value any) bool {
		value.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker closed")
}
