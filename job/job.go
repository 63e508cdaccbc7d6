package job

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateQueued means the job was dispatched and awaits a worker.
	StateQueued State = "QUEUED"
	// StateRunning means a worker is executing the job.
	StateRunning State = "RUNNING"
	// StateSucceeded means the job finished and carries a result.
	StateSucceeded State = "SUCCEEDED"
	// StateFailed means the job body raised and carries an error.
	StateFailed State = "FAILED"
	// StateCancelled is reserved; nothing in the core produces it.
	StateCancelled State = "CANCELLED"
	// StateUnknown labels listed records that never had a state.
	StateUnknown State = "UNKNOWN"
)

// States lists every indexable state.
func States() []State {
	return []State{StateQueued, StateRunning, StateSucceeded, StateFailed, StateCancelled}
}

// Valid reports whether s is one of States.
func (s State) Valid() bool {
	for _, st := range States() {
		if s == st {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is allowed for the
// same job ID.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Retryable reports whether a retry may be created from s.
func (s State) Retryable() bool {
	return s == StateFailed || s == StateCancelled
}

// ParseState parses a state name case-insensitively.
func ParseState(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("job: unknown state %q", s)
	}
	return st, nil
}

// ErrorInfo is the structured failure stored on FAILED jobs.
type ErrorInfo struct {
	Type      string    `json:"error_type"`
	Message   string    `json:"error_message"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"error_path,omitempty"`
}

// Record is a job's persisted state. A Record passed to a write may be
// partial: nil pointers, empty strings and empty raw messages are "not
// set" and leave the stored value untouched.
type Record struct {
	ID          string          `json:"id"`
	Type        string          `json:"type,omitempty"`
	Task        string          `json:"task,omitempty"`
	State       State           `json:"state,omitempty"`
	Progress    *float64        `json:"progress,omitempty"`
	CreatedAt   *time.Time      `json:"created_at,omitempty"`
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ErrorInfo      `json:"error,omitempty"`
	CurrentStep string          `json:"current_step,omitempty"`
	Message     string          `json:"message,omitempty"`

	// Extra carries stored fields this version does not model, so they
	// survive a blob-to-fields migration.
	Extra map[string]string `json:"-"`
}

// Merge overlays every set field of patch onto r. ID is never changed.
func (r *Record) Merge(patch *Record) {
	if patch == nil {
		return
	}
	if patch.Type != "" {
		r.Type = patch.Type
	}
	if patch.Task != "" {
		r.Task = patch.Task
	}
	if patch.State != "" {
		r.State = patch.State
	}
	if patch.Progress != nil {
		r.Progress = patch.Progress
	}
	if patch.CreatedAt != nil {
		r.CreatedAt = patch.CreatedAt
	}
	if patch.UpdatedAt != nil {
		r.UpdatedAt = patch.UpdatedAt
	}
	if patch.StartedAt != nil {
		r.StartedAt = patch.StartedAt
	}
	if patch.FinishedAt != nil {
		r.FinishedAt = patch.FinishedAt
	}
	if len(patch.Params) > 0 {
		r.Params = patch.Params
	}
	if len(patch.Result) > 0 {
		r.Result = patch.Result
	}
	if patch.Error != nil {
		r.Error = patch.Error
	}
	if patch.CurrentStep != "" {
		r.CurrentStep = patch.CurrentStep
	}
	if patch.Message != "" {
		r.Message = patch.Message
	}
	for k, v := range patch.Extra {
		if r.Extra == nil {
			r.Extra = make(map[string]string, len(patch.Extra))
		}
		r.Extra[k] = v
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := &Record{ID: r.ID}
	c.Merge(r)
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return c
}

// Float returns a pointer to v, for building partial records.
func Float(v float64) *float64 { return &v }

// Time returns a pointer to t, for building partial records.
func Time(t time.Time) *time.Time { return &t }
