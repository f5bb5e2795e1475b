// Package cache provides TenantCache, a process-local LRU cache partitioned
// by tenant.
//
// Workers cache data read for one tenant (lookups, resolved settings,
// compiled rules) and must never serve it to another. Every tenant gets its
// own bounded LRU, and Clean drops a tenant's partition in one call:
//
//	widgets := cache.NewTenantCache[string, *Widget](cache.WithCapacity[string, *Widget](256))
//	widgets.Put("acme", "42", w)
//	w, ok := widgets.Get("acme", "42")
//
//	// Before running a task for acme:
//	_ = widgets.Clean(ctx, "acme")
//
// Clean has the signature of deferred.CacheCleaner's method, so a cache can be
// handed directly to the executor, which cleans it before every task.
//
// All methods are safe for concurrent use.
package cache
