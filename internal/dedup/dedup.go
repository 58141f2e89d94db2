package dedup

import (
	"container/list"
	"sync"
)

const defaultCapacity = 10000

// Cache is a bounded recency store of envelope ids. Once an id is present a
// frame carrying it must not be processed or forwarded again. Capacity is
// fixed; the least recently seen id is evicted first, so a very old duplicate
// can reappear as new. That window is the accepted cost of bounded memory.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

// Seen reports whether id was already recorded and records it if not. A hit
// refreshes the entry's recency. Empty ids are never tracked.
func (c *Cache) Seen(id string) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[id]; ok {
		c.order.MoveToFront(elem)
		return true
	}
	c.insert(id)
	return false
}

// Remember records id without reporting prior state, for code paths that
// checked separately before forwarding.
func (c *Cache) Remember(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[id]; ok {
		c.order.MoveToFront(elem)
		return
	}
	c.insert(id)
}

func (c *Cache) insert(id string) {
	c.entries[id] = c.order.PushFront(id)
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(string))
	}
}

// Len returns the number of tracked ids.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
