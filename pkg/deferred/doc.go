// Package deferred runs entity method calls later, on a queue worker, inside
// a fresh transactional session of the same tenant and acting user.
//
// A call is described by a Call, turned into a Payload by the Builder and
// handed to the queue by the Dispatcher. The payload is self-contained: the
// entity type name, a reference to the target instance (never its field data),
// the method name, arguments and the ambient session context captured when the
// call was built. On the worker side the Executor decodes the payload inside
// its own session, so instances are re-read from storage and never reflect the
// producer's in-memory state.
//
// # Producer side
//
//	builder, _ := deferred.NewBuilder(entities, cfg)
//	client, _ := deferred.NewQueueClient(enqueuer, storage)
//	dispatcher, _ := deferred.NewDispatcher(builder, client, cfg)
//
//	ctx = txn.WithSession(ctx, sess)
//	handle, err := dispatcher.Apply(ctx, deferred.Call{
//	    Method:     "send_reminders",
//	    EntityType: "invoice",
//	    Args:       []any{[]any{}},
//	}, deferred.WithCountdown(time.Minute))
//
//	value, err := handle.Await(ctx, 30*time.Second)
//
// Dispatching needs an active session: its tenant and user address the task.
// With Config.Disabled set the Builder runs calls immediately and returns an
// *ImmediateResult, which the Dispatcher hands back without touching the queue.
//
// # Worker side
//
// Executor.Handler plugs into a queue.Worker. Every delivery walks
//
//	INIT -> ENSURE_SCHEMA -> CLEAR_CACHE -> DESERIALIZE -> INVOKE
//	     -> COMMIT | ROLLBACK_RETRY | ROLLBACK_FATAL
//
// ENSURE_SCHEMA runs once per tenant per process, CLEAR_CACHE before every
// task. The operation may return RetryAfter to ask for another attempt; a
// storage conflict (txn.ErrStorageConflict) is retried with the worker's
// backoff. Both roll back everything the attempt did.
//
// # Failures
//
// A failed call surfaces to the producer as *TaskFailedError whose Kind tells
// operation errors apart from undecodable payloads and infrastructure problems.
// The worker stores the error as "<kind>: <message>" and ParseFailure reads it
// back.
package deferred
