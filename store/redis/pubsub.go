package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/jobboard/job"
	"github.com/xraph/jobboard/stream"
)

// Publisher publishes upsert events on a Redis channel. It satisfies
// status.Notifier.
type Publisher struct {
	client  goredis.Cmdable
	channel string
}

// NewPublisher creates a Publisher for channel.
func NewPublisher(client goredis.Cmdable, channel string) *Publisher {
	return &Publisher{client: client, channel: channel}
}

// Notify publishes {"type":"upsert","job":rec}.
func (p *Publisher) Notify(ctx context.Context, rec *job.Record) error {
	evt, err := stream.NewUpsert(rec)
	if err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("jobboard/redis: marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("jobboard/redis: publish %q: %w", p.channel, err)
	}
	return nil
}

// Relay forwards events from a Redis channel into a local stream.Broker,
// so every process serving live updates sees writes from every worker.
type Relay struct {
	client  goredis.UniversalClient
	channel string
	broker  *stream.Broker
	logger  *slog.Logger
}

// NewRelay creates a Relay.
func NewRelay(client goredis.UniversalClient, channel string, broker *stream.Broker, logger *slog.Logger) *Relay {
	return &Relay{client: client, channel: channel, broker: broker, logger: logger}
}

// Run subscribes and forwards until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ps := r.client.Subscribe(ctx, r.channel)
	defer ps.Close() //nolint:errcheck // best-effort close on shutdown

	// Wait for the subscription confirmation so no event published after
	// Run starts is missed.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("jobboard/redis: subscribe %q: %w", r.channel, err)
	}
	r.logger.Info("relaying job events", slog.String("channel", r.channel))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			evt, err := stream.DecodeEvent([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("dropping malformed job event",
					slog.String("channel", msg.Channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			r.broker.Publish(evt)
		}
	}
}
