// Package engine wires the job board together from a jobboard.Config.
//
// # Building an Engine
//
//	cfg := jobboard.DefaultConfig()
//	cfg.RedisURL = "redis://localhost:6379/0"
//
//	eng, err := engine.Build(ctx, cfg, engine.WithLogger(logger))
//	if err != nil { ... }
//	if err := eng.Check(ctx); err != nil { ... }
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Stop(shutdownCtx)
//
// # Components
//
//   - job store: Redis when RedisURL is set, in-memory otherwise
//   - status engine publishing to Redis pub/sub (relayed into the local
//     stream) or straight to the local stream, plus the metrics recorder
//   - catalog registry with fs or minio bundle storage and an optional
//     Postgres mirror
//   - task allow-list: run_catalog_item, the import and sync tasks, and
//     the built-in demonstration tasks
//   - worker pool (immediate backend) and broker queue (deferred backend,
//     Redis list or AMQP) with its consumer
//   - dispatcher routing every task to one of the two backends
//
// Without Redis and without AMQP there is no deferred backend; tasks
// routed to the broker run in the local pool instead.
//
// # Options
//
//   - [WithLogger]: set the logger for every component
//   - [WithStore], [WithRedisClient], [WithQueue]: inject connections
//   - [WithMiddleware]: append to the execution chain
//   - [WithQueueConfig]: per-task admission limits in the pool
//   - [WithGitRunner], [WithSleep]: replace side effects in tests
//   - [WithTracerProvider], [WithMeterProvider]: OpenTelemetry providers
package engine
