package status

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xraph/jobboard/job"
)

// Page size bounds for List.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	scanChunk = 500
)

// Query selects a page of jobs.
type Query struct {
	// State filters by state. Empty lists every job.
	State job.State
	// Search matches case-insensitively against job ID and type.
	Search string
	// Page is 1-based.
	Page     int
	PageSize int
}

// Page is one page of normalized job records, newest first.
type Page struct {
	Jobs     []*job.Record `json:"jobs"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Total    int64         `json:"total"`
}

func (q *Query) normalize() {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	q.Search = strings.ToLower(strings.TrimSpace(q.Search))
}

// List returns a page of jobs from the recency or state index. Index
// entries whose record has expired are pruned as they are encountered.
// With a search term the whole index is scanned and Total counts matches.
func (e *Engine) List(ctx context.Context, q Query) (*Page, error) {
	q.normalize()
	offset := int64(q.Page-1) * int64(q.PageSize)

	if q.Search != "" {
		return e.search(ctx, q, offset)
	}

	total, err := e.store.CountJobs(ctx, q.State)
	if err != nil {
		return nil, fmt.Errorf("jobboard/status: count jobs: %w", err)
	}
	ids, err := e.store.RangeJobs(ctx, q.State, offset, int64(q.PageSize))
	if err != nil {
		return nil, fmt.Errorf("jobboard/status: range jobs: %w", err)
	}

	jobs := make([]*job.Record, 0, len(ids))
	for _, jobID := range ids {
		rec, err := e.loadListed(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			jobs = append(jobs, rec)
		}
	}
	return &Page{Jobs: jobs, Page: q.Page, PageSize: q.PageSize, Total: total}, nil
}

func (e *Engine) search(ctx context.Context, q Query, offset int64) (*Page, error) {
	jobs := make([]*job.Record, 0, q.PageSize)
	var matched int64

	for start := int64(0); ; start += scanChunk {
		ids, err := e.store.RangeJobs(ctx, q.State, start, scanChunk)
		if err != nil {
			return nil, fmt.Errorf("jobboard/status: range jobs: %w", err)
		}
		for _, jobID := range ids {
			rec, err := e.loadListed(ctx, jobID)
			if err != nil {
				return nil, err
			}
			if rec == nil || !matches(rec, q.Search) {
				continue
			}
			if matched >= offset && len(jobs) < q.PageSize {
				jobs = append(jobs, rec)
			}
			matched++
		}
		if len(ids) < scanChunk {
			break
		}
	}
	return &Page{Jobs: jobs, Page: q.Page, PageSize: q.PageSize, Total: matched}, nil
}

func (e *Engine) loadListed(ctx context.Context, jobID string) (*job.Record, error) {
	rec, _, err := e.Fetch(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		if err := e.store.UnindexJob(ctx, jobID); err != nil {
			e.logger.Warn("prune expired job from index failed",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
		return nil, nil //nolint:nilnil // expired entries are skipped
	}
	return Normalize(rec), nil
}

func matches(rec *job.Record, term string) bool {
	return strings.Contains(strings.ToLower(rec.ID), term) ||
		strings.Contains(strings.ToLower(rec.Type), term)
}

// Normalize fills display defaults on a copy of rec: unknown type and
// state, created_at from updated_at, and zero progress.
func Normalize(rec *job.Record) *job.Record {
	out := rec.Clone()
	if out.Type == "" {
		out.Type = "unknown"
	}
	if out.State == "" {
		out.State = job.StateUnknown
	}
	if out.CreatedAt == nil && out.UpdatedAt != nil {
		t := *out.UpdatedAt
		out.CreatedAt = &t
	}
	if out.Progress == nil {
		out.Progress = job.Float(0)
	}
	return out
}
