package job

import (
	"context"
	"time"
)

// Store is the persistence contract for job records and their indexes.
// Record writes and index writes are separate calls: a reader between
// them may briefly see a stale index entry, but after IndexJob returns
// the ID is in exactly one state index.
type Store interface {
	// LoadRecord returns the record in whatever shape it is stored.
	// A missing record yields Raw{Shape: ShapeAbsent} and no error.
	LoadRecord(ctx context.Context, jobID string) (Raw, error)

	// SaveFields merges fields into the field-map record and resets its
	// expiry to ttl. Fields not named are left untouched.
	SaveFields(ctx context.Context, jobID string, fields map[string]string, ttl time.Duration) error

	// DropRecord removes the record in any shape. Indexes are untouched.
	DropRecord(ctx context.Context, jobID string) error

	// IndexJob scores jobID at `at` in the recency index and in the index
	// for state, removing it from every other state index. An empty state
	// only updates the recency index.
	IndexJob(ctx context.Context, jobID string, state State, at time.Time) error

	// UnindexJob removes jobID from every index.
	UnindexJob(ctx context.Context, jobID string) error

	// RangeJobs returns IDs newest first from the state index, or from the
	// recency index when state is empty.
	RangeJobs(ctx context.Context, state State, offset, limit int64) ([]string, error)

	// CountJobs returns the cardinality of the selected index.
	CountJobs(ctx context.Context, state State) (int64, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}
