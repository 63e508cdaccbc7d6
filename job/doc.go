// Package job defines the job record, its state machine, the storage
// shapes a record can take, the store contract and the task registry.
//
// # Record
//
// A [Record] is the mutable, TTL-bounded state of one unit of async work.
// Writes are partial: unset fields leave stored values alone.
//
//	QUEUED → RUNNING → SUCCEEDED
//	QUEUED → RUNNING → FAILED
//	FAILED | CANCELLED → (retry creates a new job ID) → QUEUED
//
// SUCCEEDED and FAILED are terminal for a given job ID.
//
// # Shapes
//
// Records are normally stored as a field map ([ShapeFields]). Older
// deployments stored one serialized JSON value per job ([ShapeBlob]);
// both decode to the same Record and blobs are rewritten as field maps on
// the next status update.
//
// # Registry
//
// [Registry] is the allow-list of task names. Register typed handlers at
// startup:
//
//	job.RegisterDefinition(registry, job.NewDefinition("example_long_task",
//	    func(ctx context.Context, in LongTaskInput) (any, error) {
//	        return run(ctx, in)
//	    },
//	))
package job
