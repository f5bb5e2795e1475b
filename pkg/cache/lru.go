package cache

import "container/list"

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// lru is a bounded least-recently-used list. It is not safe for concurrent
// use; TenantCache serializes access.
type lru[K comparable, V any] struct {
	capacity int
	items    map[K]*list.Element
	order    *list.List
	onEvict  func(key K, value V)
}

func newLRU[K comparable, V any](capacity int, onEvict func(K, V)) *lru[K, V] {
	return &lru[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element),
		order:    list.New(),
		onEvict:  onEvict,
	}
}

func (c *lru[K, V]) get(key K) (V, bool) {
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*lruEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

func (c *lru[K, V]) put(key K, value V) {
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*lruEntry[K, V]).value = value
		return
	}

	c.items[key] = c.order.PushFront(&lruEntry[K, V]{key: key, value: value})
	if c.order.Len() > c.capacity {
		c.remove(c.order.Back())
	}
}

func (c *lru[K, V]) delete(key K) bool {
	elem, ok := c.items[key]
	if ok {
		c.remove(elem)
	}
	return ok
}

func (c *lru[K, V]) len() int {
	return c.order.Len()
}

// purge drops every entry, calling onEvict for each.
func (c *lru[K, V]) purge() {
	if c.onEvict != nil {
		for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
			entry := elem.Value.(*lruEntry[K, V])
			c.onEvict(entry.key, entry.value)
		}
	}
	c.items = make(map[K]*list.Element)
	c.order.Init()
}

func (c *lru[K, V]) remove(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*lruEntry[K, V])
	delete(c.items, entry.key)
	if c.onEvict != nil {
		c.onEvict(entry.key, entry.value)
	}
}
