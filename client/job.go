package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/xraph/jobboard/api"
	"github.com/xraph/jobboard/catalog/runner"
	"github.com/xraph/jobboard/job"
)

// Submit creates a job and returns its ID.
func (c *Client) Submit(ctx context.Context, req api.CreateJobRequest) (string, error) {
	var out api.JobResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", nil, req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// RunCatalogItem queues a catalog item execution. Inputs are validated
// by the server before the job is created.
func (c *Client) RunCatalogItem(ctx context.Context, p runner.Params) (string, error) {
	var out api.JobResponse
	if err := c.do(ctx, http.MethodPost, "/jobs/catalog", nil, p, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// ProvisionServer queues a server provisioning job.
func (c *Client) ProvisionServer(ctx context.Context, req api.ProvisionServerRequest) (string, error) {
	var out api.JobResponse
	if err := c.do(ctx, http.MethodPost, "/provision/server", nil, req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// GetJob retrieves a job by ID.
func (c *Client) GetJob(ctx context.Context, jobID string) (*job.Record, error) {
	var rec job.Record
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Retry creates a new job from a failed or cancelled one and returns the
// new job's ID.
func (c *Client) Retry(ctx context.Context, jobID string) (string, error) {
	var out api.JobResponse
	path := "/jobs/" + url.PathEscape(jobID) + "/retry"
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// ListOptions filters ListJobs. Zero values use the server defaults.
type ListOptions struct {
	State    job.State
	Search   string
	Page     int
	PageSize int
}

func (o ListOptions) values() url.Values {
	v := url.Values{}
	if o.State != "" {
		v.Set("state", string(o.State))
	}
	if o.Search != "" {
		v.Set("q", o.Search)
	}
	if o.Page > 0 {
		v.Set("page", strconv.Itoa(o.Page))
	}
	if o.PageSize > 0 {
		v.Set("page_size", strconv.Itoa(o.PageSize))
	}
	return v
}

// ListJobs returns one page of jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, opts ListOptions) (*api.JobList, error) {
	var out api.JobList
	if err := c.do(ctx, http.MethodGet, "/jobs", opts.values(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForJob polls until the job reaches a terminal state or ctx is done.
func (c *Client) WaitForJob(ctx context.Context, jobID string, interval time.Duration) (*job.Record, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rec, err := c.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if rec.State.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, fmt.Errorf("jobboard/client: wait for %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}
