package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/jobboard/job"
)

// LoadRecord reads the record in whichever shape the key holds.
func (s *Store) LoadRecord(ctx context.Context, jobID string) (job.Raw, error) {
	key := s.keys.job(jobID)

	kind, err := s.client.Type(ctx, key).Result()
	if err != nil {
		return job.Raw{}, fmt.Errorf("jobboard/redis: type %q: %w", key, err)
	}

	switch kind {
	case "hash":
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return job.Raw{}, fmt.Errorf("jobboard/redis: hgetall %q: %w", key, err)
		}
		if len(fields) == 0 {
			// Expired between TYPE and HGETALL.
			return job.Raw{Shape: job.ShapeAbsent}, nil
		}
		return job.Raw{Shape: job.ShapeFields, Fields: fields}, nil
	case "string":
		blob, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return job.Raw{Shape: job.ShapeAbsent}, nil
		}
		if err != nil {
			return job.Raw{}, fmt.Errorf("jobboard/redis: get %q: %w", key, err)
		}
		return job.Raw{Shape: job.ShapeBlob, Blob: blob}, nil
	case "none":
		return job.Raw{Shape: job.ShapeAbsent}, nil
	default:
		return job.Raw{}, fmt.Errorf("jobboard/redis: key %q has unsupported type %q", key, kind)
	}
}

// SaveFields merges fields into the record hash and resets its TTL.
func (s *Store) SaveFields(ctx context.Context, jobID string, fields map[string]string, ttl time.Duration) error {
	key := s.keys.job(jobID)

	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, values)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobboard/redis: save %q: %w", key, err)
	}
	return nil
}

// DropRecord deletes the record key.
func (s *Store) DropRecord(ctx context.Context, jobID string) error {
	if err := s.client.Del(ctx, s.keys.job(jobID)).Err(); err != nil {
		return fmt.Errorf("jobboard/redis: drop %q: %w", jobID, err)
	}
	return nil
}

// IndexJob moves jobID into the index for state and refreshes its
// recency score.
func (s *Store) IndexJob(ctx context.Context, jobID string, state job.State, at time.Time) error {
	score := float64(at.UnixNano()) / 1e9

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.keys.Index, goredis.Z{Score: score, Member: jobID})
	for _, st := range job.States() {
		if st != state {
			pipe.ZRem(ctx, s.keys.state(st), jobID)
		}
	}
	if state != "" {
		pipe.ZAdd(ctx, s.keys.state(state), goredis.Z{Score: score, Member: jobID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobboard/redis: index %q: %w", jobID, err)
	}
	return nil
}

// UnindexJob removes jobID from every index.
func (s *Store) UnindexJob(ctx context.Context, jobID string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.keys.Index, jobID)
	for _, st := range job.States() {
		pipe.ZRem(ctx, s.keys.state(st), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobboard/redis: unindex %q: %w", jobID, err)
	}
	return nil
}

// RangeJobs returns IDs newest first.
func (s *Store) RangeJobs(ctx context.Context, state job.State, offset, limit int64) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = offset + limit - 1
	}
	ids, err := s.client.ZRevRange(ctx, s.keys.index(state), offset, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("jobboard/redis: range %q: %w", s.keys.index(state), err)
	}
	return ids, nil
}

// CountJobs returns the cardinality of the selected index.
func (s *Store) CountJobs(ctx context.Context, state job.State) (int64, error) {
	n, err := s.client.ZCard(ctx, s.keys.index(state)).Result()
	if err != nil {
		return 0, fmt.Errorf("jobboard/redis: count %q: %w", s.keys.index(state), err)
	}
	return n, nil
}

// PutBlob writes a record in the legacy single-value shape. Only older
// deployments produced these; it exists for migration tooling and tests.
func (s *Store) PutBlob(ctx context.Context, jobID string, blob []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.keys.job(jobID), blob, ttl).Err(); err != nil {
		return fmt.Errorf("jobboard/redis: put blob %q: %w", jobID, err)
	}
	return nil
}
