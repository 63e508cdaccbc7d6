package cron

import (
	"encoding/json"
	"time"
)

// Entry is one recurring task submission.
type Entry struct {
	Name     string          `json:"name"`
	Schedule string          `json:"schedule"`
	Task     string          `json:"task"`
	Params   json.RawMessage `json:"params,omitempty"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastJobID string     `json:"last_job_id,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

func (e *Entry) clone() *Entry {
	cp := *e
	if e.LastRunAt != nil {
		t := *e.LastRunAt
		cp.LastRunAt = &t
	}
	if e.NextRunAt != nil {
		t := *e.NextRunAt
		cp.NextRunAt = &t
	}
	return &cp
}
