// Package cron submits allow-listed tasks on a recurring schedule.
//
// Schedules come from configuration. Every process that runs a
// [Scheduler] evaluates the same entries; a [Locker] keyed by entry name
// and due time makes each occurrence fire once across processes.
//
// # Entry
//
// An [Entry] represents a recurring submission:
//   - Schedule: standard 5-field cron expression or a descriptor such as
//     "@hourly" or "@every 15m"
//   - Task: the allow-listed task name
//   - Params: static JSON parameters passed to every submission
//
// # Locking
//
// [NewMemoryLocker] serves a single process. [NewRedisLocker] shares
// locks through the job store's Redis with SET NX and a TTL.
package cron
