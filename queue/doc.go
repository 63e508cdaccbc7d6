// Package queue gates task executions in the local worker pool by
// per-task and per-user limits.
//
// A [Config] caps how many executions of one task run at once and how
// fast they may start:
//
//	queue.Config{
//	    Task:           "run_catalog_item",
//	    MaxConcurrency: 2,
//	    RateLimit:      5,  // executions per second
//	    RateBurst:      10,
//	}
//
// [Manager] enforces those limits with a token-bucket limiter
// (golang.org/x/time/rate) and an active-count gate:
//
//	m := queue.NewManager(configs...)
//	if m.Acquire(task, userID) {
//	    defer m.Release(task, userID)
//	    // execute
//	}
//
// Tasks without a Config have no limit beyond the pool's concurrency.
package queue
