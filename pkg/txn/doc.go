// Package txn defines the transactional session collaborator used by deferred
// execution: opening a session for a tenant and acting user, committing or
// rolling it back, and carrying an ambient context (locale, tenant-scoped flags)
// as a stack of frames.
//
// Storage-contention failures are reported as ErrStorageConflict so callers can
// tell "retry the whole transaction" apart from every other failure:
//
//	if err := sess.Commit(ctx); txn.IsConflict(err) {
//	    // roll back and retry later
//	}
//
// MemoryStore is an in-process implementation with optimistic conflict detection,
// used in tests and local development. The pg package provides a PostgreSQL one.
package txn
