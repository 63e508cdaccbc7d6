package redis

import "github.com/xraph/jobboard/job"

// Keys holds the Redis key layout for job records and indexes:
//
//	{Prefix}{id}                 job record (hash, or legacy string blob)
//	{Index}                      ZSET of every job ID scored by last write
//	{Index}:state:{STATE}        ZSET of job IDs currently in STATE
type Keys struct {
	Prefix string
	Index  string
}

// DefaultKeys matches jobboard.DefaultConfig.
var DefaultKeys = Keys{Prefix: "job:", Index: "jobs:index"}

// ── Job keys ──

func (k Keys) job(jobID string) string { return k.Prefix + jobID }

// ── Index keys ──

func (k Keys) state(st job.State) string { return k.Index + ":state:" + string(st) }

func (k Keys) index(st job.State) string {
	if st == "" {
		return k.Index
	}
	return k.state(st)
}
