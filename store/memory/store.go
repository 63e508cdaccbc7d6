// Package memory implements job.Store in process memory. Safe for
// concurrent access. Intended for unit testing, development and
// single-process deployments without Redis.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/job"
)

var _ job.Store = (*Store)(nil)

type record struct {
	fields  map[string]string
	blob    []byte
	expires time.Time
}

// Store is an in-memory job.Store.
type Store struct {
	mu sync.RWMutex

	records map[string]*record
	recency map[string]float64
	states  map[job.State]map[string]float64
	closed  bool

	now func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		records: make(map[string]*record),
		recency: make(map[string]float64),
		states:  make(map[job.State]map[string]float64),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Ping fails only after Close.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return jobboard.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// ──────────────────────────────────────────────────
// Records
// ──────────────────────────────────────────────────

// LoadRecord returns the stored shape for jobID.
func (s *Store) LoadRecord(_ context.Context, jobID string) (job.Raw, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[jobID]
	if !ok || s.expired(r) {
		return job.Raw{Shape: job.ShapeAbsent}, nil
	}
	if r.blob != nil {
		return job.Raw{Shape: job.ShapeBlob, Blob: append([]byte(nil), r.blob...)}, nil
	}
	return job.Raw{Shape: job.ShapeFields, Fields: maps.Clone(r.fields)}, nil
}

// SaveFields merges fields into the field-map record.
func (s *Store) SaveFields(_ context.Context, jobID string, fields map[string]string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[jobID]
	if !ok || s.expired(r) {
		r = &record{fields: make(map[string]string, len(fields))}
		s.records[jobID] = r
	}
	if r.blob != nil {
		return &WrongTypeError{JobID: jobID}
	}
	for k, v := range fields {
		r.fields[k] = v
	}
	if ttl > 0 {
		r.expires = s.now().Add(ttl)
	}
	return nil
}

// PutBlob stores a record in the legacy single-value shape.
func (s *Store) PutBlob(_ context.Context, jobID string, blob []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &record{blob: append([]byte(nil), blob...)}
	if ttl > 0 {
		r.expires = s.now().Add(ttl)
	}
	s.records[jobID] = r
	return nil
}

// DropRecord removes the record.
func (s *Store) DropRecord(_ context.Context, jobID string) error {
	s.mu.Lock()
	delete(s.records, jobID)
	s.mu.Unlock()
	return nil
}

// TTL returns the remaining lifetime of a record, or zero when absent.
func (s *Store) TTL(jobID string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[jobID]
	if !ok || r.expires.IsZero() {
		return 0
	}
	return r.expires.Sub(s.now())
}

func (s *Store) expired(r *record) bool {
	return !r.expires.IsZero() && !s.now().Before(r.expires)
}

// ──────────────────────────────────────────────────
// Indexes
// ──────────────────────────────────────────────────

// IndexJob places jobID in the recency index and exactly one state index.
func (s *Store) IndexJob(_ context.Context, jobID string, state job.State, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	score := float64(at.UnixNano()) / 1e9
	s.recency[jobID] = score
	for st, idx := range s.states {
		if st != state {
			delete(idx, jobID)
		}
	}
	if state == "" {
		return nil
	}
	idx, ok := s.states[state]
	if !ok {
		idx = make(map[string]float64)
		s.states[state] = idx
	}
	idx[jobID] = score
	return nil
}

// UnindexJob removes jobID from every index.
func (s *Store) UnindexJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recency, jobID)
	for _, idx := range s.states {
		delete(idx, jobID)
	}
	return nil
}

// RangeJobs returns IDs newest first.
func (s *Store) RangeJobs(_ context.Context, state job.State, offset, limit int64) ([]string, error) {
	s.mu.RLock()
	idx := s.index(state)
	type scored struct {
		id    string
		score float64
	}
	all := make([]scored, 0, len(idx))
	for id, score := range idx {
		all = append(all, scored{id, score})
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].id > all[j].id
	})

	if offset >= int64(len(all)) {
		return []string{}, nil
	}
	end := int64(len(all))
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]string, 0, end-offset)
	for _, sc := range all[offset:end] {
		out = append(out, sc.id)
	}
	return out, nil
}

// CountJobs returns the cardinality of the selected index.
func (s *Store) CountJobs(_ context.Context, state job.State) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.index(state))), nil
}

// StatesOf returns every state index containing jobID.
func (s *Store) StatesOf(jobID string) []job.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []job.State
	for st, idx := range s.states {
		if _, ok := idx[jobID]; ok {
			out = append(out, st)
		}
	}
	return out
}

func (s *Store) index(state job.State) map[string]float64 {
	if state == "" {
		return s.recency
	}
	return s.states[state]
}
