package cache

import (
	"context"
	"sync"
)

// DefaultCapacity is the per-tenant capacity used when none is given.
const DefaultCapacity = 1024

// TenantCache is a process-local cache partitioned by tenant. Each tenant
// has its own LRU bounded by the configured capacity.
type TenantCache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	tenants  map[string]*lru[K, V]
	onEvict  func(tenant string, key K, value V)
}

// Option configures a TenantCache.
type Option[K comparable, V any] func(*TenantCache[K, V])

// WithCapacity bounds the number of entries kept per tenant.
// Non-positive values are ignored.
func WithCapacity[K comparable, V any](n int) Option[K, V] {
	return func(c *TenantCache[K, V]) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithEvictCallback registers fn to run whenever an entry leaves the cache,
// whether evicted, deleted or cleaned.
func WithEvictCallback[K comparable, V any](fn func(tenant string, key K, value V)) Option[K, V] {
	return func(c *TenantCache[K, V]) {
		c.onEvict = fn
	}
}

// NewTenantCache creates an empty cache.
func NewTenantCache[K comparable, V any](opts ...Option[K, V]) *TenantCache[K, V] {
	c := &TenantCache[K, V]{
		capacity: DefaultCapacity,
		tenants:  make(map[string]*lru[K, V]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value cached for key in tenant and marks it recently used.
func (c *TenantCache[K, V]) Get(tenant string, key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.tenants[tenant]; ok {
		return l.get(key)
	}
	var zero V
	return zero, false
}

// Put stores value for key in tenant, evicting the tenant's least recently
// used entry when it is full.
func (c *TenantCache[K, V]) Put(tenant string, key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.tenants[tenant]
	if !ok {
		l = newLRU[K, V](c.capacity, c.evictFunc(tenant))
		c.tenants[tenant] = l
	}
	l.put(key, value)
}

// Delete removes key from tenant and reports whether it was present.
func (c *TenantCache[K, V]) Delete(tenant string, key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.tenants[tenant]
	if !ok {
		return false
	}
	return l.delete(key)
}

// Len returns the number of entries cached for tenant.
func (c *TenantCache[K, V]) Len(tenant string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.tenants[tenant]; ok {
		return l.len()
	}
	return 0
}

// Clean drops everything cached for tenant. Other tenants are untouched.
func (c *TenantCache[K, V]) Clean(_ context.Context, tenant string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.tenants[tenant]; ok {
		l.purge()
		delete(c.tenants, tenant)
	}
	return nil
}

func (c *TenantCache[K, V]) evictFunc(tenant string) func(K, V) {
	if c.onEvict == nil {
		return nil
	}
	return func(key K, value V) {
		c.onEvict(tenant, key, value)
	}
}
