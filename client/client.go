// Package client provides a Go client for a remote job board: job
// submission and lookup over HTTP, catalog operations, and the /ws/jobs
// live update feed.
//
// Usage:
//
//	c, err := client.New("http://localhost:8000")
//
//	// Submit a job and follow it.
//	id, err := c.Submit(ctx, api.CreateJobRequest{ReportType: "sales"})
//	ch, err := c.Watch(ctx, client.WatchOptions{JobID: id})
//	for evt := range ch {
//	    fmt.Println(evt.JobID, evt.State)
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xraph/jobboard/api"
)

// Client talks to a job board API.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger

	// Reconnection of Watch streams.
	reconnect  bool
	maxRetries int
	baseDelay  time.Duration
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("jobboard/client: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("jobboard/client: unsupported scheme %q", u.Scheme)
	}

	c := &Client{
		base:       u,
		http:       &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		maxRetries: 5,
		baseDelay:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Error is a non-2xx API response.
type Error struct {
	StatusCode int
	api.APIError
}

func (e *Error) Error() string {
	return fmt.Sprintf("jobboard/client: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// endpoint resolves path against the base URL.
func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends a JSON request and decodes a JSON response into out. A nil
// body sends no payload; a nil out discards the response.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("jobboard/client: marshal request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), rdr)
	if err != nil {
		return fmt.Errorf("jobboard/client: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("jobboard/client: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // body fully read below

	if resp.StatusCode >= http.StatusBadRequest {
		var eb api.ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Error.Code == "" {
			eb.Error = api.APIError{Code: "http_error", Message: resp.Status}
		}
		return &Error{StatusCode: resp.StatusCode, APIError: eb.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("jobboard/client: decode response: %w", err)
	}
	return nil
}

// Health returns the service health. A 503 is reported as an *Error.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
