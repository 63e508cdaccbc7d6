package job

import (
	"encoding/json"
	"time"
)

// Task is one dispatched unit of work: the message a backend carries
// from Enqueue to a worker.
type Task struct {
	// ID identifies this delivery, distinct from the job ID.
	ID string `json:"id"`

	// Name is the allow-listed task name.
	Name string `json:"name"`

	// JobID is the job this execution reports into.
	JobID string `json:"job_id"`

	// UserID is the submitting user, if known.
	UserID string `json:"user_id,omitempty"`

	// Payload is the task's JSON argument.
	Payload json.RawMessage `json:"payload,omitempty"`

	// EnqueuedAt is when the dispatcher accepted the task.
	EnqueuedAt time.Time `json:"enqueued_at"`
}
