// Package jobboard is the core of a self-service job dashboard. Clients
// submit named, parameterized jobs; a worker tier executes them
// asynchronously; every state change is persisted, indexed for listing,
// and fanned out to live subscribers.
//
// A secondary catalog subsystem stores versioned, schema-validated task
// bundles (manifest + JSON Schema + executable code) that run as ordinary
// jobs.
//
// # Quick Start
//
//	cfg := jobboard.NewConfig(jobboard.WithRedisURL("redis://localhost:6379/0"))
//
//	eng, err := engine.Build(ctx, cfg, engine.WithLogger(logger))
//	if err != nil { ... }
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Stop(ctx)
//
//	rec, _, err := eng.Dispatcher().Submit(ctx, dispatch.Request{
//	    Task:   "example_long_task",
//	    Params: json.RawMessage(`{"report_type": "sales"}`),
//	})
//
// # Architecture
//
// The status package is the only writer path for job state. It merges
// partial updates into a job's record (job.Store), keeps the recency and
// per-state indexes consistent, and publishes an upsert event for every
// write. The dispatch package routes task names to one of two backends:
// an in-process worker pool or a deferred broker (Redis list or AMQP).
// The catalog package owns the version registry, and catalog/runner
// bridges a registered version to the status engine.
//
// Job IDs are TypeIDs ("job_01h..."), but any opaque string is accepted
// for records written by older deployments.
package jobboard
