package client

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithReconnect enables automatic reconnection of Watch streams with the
// given parameters.
func WithReconnect(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.reconnect = true
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
	}
}
