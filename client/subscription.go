package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/jobboard/backoff"
	"github.com/xraph/jobboard/job"
	"github.com/xraph/jobboard/stream"
)

// WatchOptions narrows a Watch stream. With neither field set every job
// upsert is delivered.
type WatchOptions struct {
	JobID string
	State job.State
}

func (o WatchOptions) values() url.Values {
	v := url.Values{}
	if o.JobID != "" {
		v.Set("job_id", o.JobID)
	}
	if o.State != "" {
		v.Set("state", string(o.State))
	}
	return v
}

// wsURL returns the /ws/jobs endpoint with the ws or wss scheme.
func (c *Client) wsURL(opts WatchOptions) string {
	u := *c.base
	u.Scheme = "ws"
	if c.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = c.base.Path + "/ws/jobs"
	u.RawQuery = opts.values().Encode()
	return u.String()
}

// Watch opens the live update feed and returns a channel of upsert
// events. Events published before the connection is established are not
// replayed. The channel is closed when ctx is done or the connection is
// lost and cannot be re-established. A slow reader drops events.
func (c *Client) Watch(ctx context.Context, opts WatchOptions) (<-chan *stream.Event, error) {
	conn, err := c.dial(ctx, opts)
	if err != nil {
		return nil, err
	}

	ch := make(chan *stream.Event, 64)
	go func() {
		defer close(ch)
		for {
			c.readLoop(ctx, conn, ch)
			if ctx.Err() != nil || !c.reconnect {
				return
			}
			if conn = c.redial(ctx, opts); conn == nil {
				return
			}
		}
	}()
	return ch, nil
}

func (c *Client) dial(ctx context.Context, opts WatchOptions) (net.Conn, error) {
	conn, _, _, err := ws.Dial(ctx, c.wsURL(opts))
	if err != nil {
		return nil, fmt.Errorf("jobboard/client: websocket dial: %w", err)
	}
	return conn, nil
}

// readLoop forwards server frames to ch until the connection fails or
// ctx is done. It always closes conn.
func (c *Client) readLoop(ctx context.Context, conn net.Conn, ch chan<- *stream.Event) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close() //nolint:errcheck // closed on every exit path

	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("live feed read error", slog.String("error", err.Error()))
			}
			return
		}
		evt, err := stream.DecodeEvent(data)
		if err != nil {
			c.logger.Warn("live feed: invalid event", slog.String("error", err.Error()))
			continue
		}
		select {
		case ch <- evt:
		default:
			c.logger.Debug("live feed: dropped event", slog.String("job_id", evt.JobID))
		}
	}
}

// redial reconnects with exponential backoff, returning nil once the
// retries are exhausted or ctx is done.
func (c *Client) redial(ctx context.Context, opts WatchOptions) net.Conn {
	strategy := backoff.NewExponential(c.baseDelay, 30*time.Second)
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if backoff.Wait(ctx, strategy, attempt) != nil {
			return nil
		}
		c.logger.Info("live feed reconnecting", slog.Int("attempt", attempt))
		conn, err := c.dial(ctx, opts)
		if err != nil {
			c.logger.Warn("live feed reconnect failed", slog.String("error", err.Error()))
			continue
		}
		c.logger.Info("live feed reconnected")
		return conn
	}
	c.logger.Error("live feed: max reconnection attempts reached")
	return nil
}
