package factory

import (
	"container/list"
	"sync"
	"time"

	"github.com/conductorhq/conductor/pkg/models"
)

// pinnedLRU is an LRU cache of live agent instances whose entries can be
// pinned by in-flight requests. Pinned entries are never evicted; eviction
// walks from the least recently used end and skips anything with a nonzero
// pin count. When the cache is full and every entry is pinned, Add fails
// with a CapacityError rather than evicting under a request's feet.
type pinnedLRU struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*lruEntry
	order    *list.List // front = most recently used

	onEvict func(*models.AgentInstance)
}

type lruEntry struct {
	key      string
	instance *models.AgentInstance
	pins     int
	element  *list.Element
}

func newPinnedLRU(capacity int, onEvict func(*models.AgentInstance)) *pinnedLRU {
	if capacity <= 0 {
		capacity = 256
	}
	return &pinnedLRU{
		capacity: capacity,
		entries:  make(map[string]*lruEntry),
		order:    list.New(),
		onEvict:  onEvict,
	}
}

// Acquire returns the cached instance for key with its pin count bumped.
// The caller must Release exactly once. LastUsedAt is recorded here, under
// the cache lock, since the instance is shared across requests.
func (c *pinnedLRU) Acquire(key string) (*models.AgentInstance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e.pins++
	e.instance.LastUsedAt = time.Now().UTC()
	c.order.MoveToFront(e.element)
	return e.instance, true
}

// Release drops one pin from key. Entries stay cached after their last
// release; they just become evictable.
func (c *pinnedLRU) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && e.pins > 0 {
		e.pins--
	}
}

// Add inserts a freshly built instance already pinned once. If the cache
// is full it evicts the least recently used unpinned entry; if every entry
// is pinned the add fails and the caller must tear the instance down.
func (c *pinnedLRU) Add(key string, instance *models.AgentInstance) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		// Lost a race with another builder; pin the winner.
		e.pins++
		c.order.MoveToFront(e.element)
		return nil
	}

	for len(c.entries) >= c.capacity {
		if !c.evictOldestUnpinned() {
			return &models.CapacityError{Capacity: c.capacity}
		}
	}

	e := &lruEntry{key: key, instance: instance, pins: 1}
	e.element = c.order.PushFront(e)
	c.entries[key] = e
	return nil
}

// Remove evicts key regardless of recency. Pinned entries are not removed;
// the bool reports whether the entry is gone.
func (c *pinnedLRU) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return true
	}
	if e.pins > 0 {
		return false
	}
	c.remove(e)
	return true
}

// RemoveFunc evicts all unpinned entries matching the predicate and
// returns how many were removed.
func (c *pinnedLRU) RemoveFunc(match func(*models.AgentInstance) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*lruEntry
	for _, e := range c.entries {
		if e.pins == 0 && match(e.instance) {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		c.remove(e)
	}
	return len(victims)
}

// Each calls fn for every cached instance while holding the cache lock, so
// fn may read fields that Acquire writes. Keep fn cheap.
func (c *pinnedLRU) Each(fn func(*models.AgentInstance)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		fn(e.instance)
	}
}

func (c *pinnedLRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldestUnpinned walks from the back and removes the first entry with
// no pins. Caller holds the lock.
func (c *pinnedLRU) evictOldestUnpinned() bool {
	for el := c.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*lruEntry)
		if e.pins == 0 {
			c.remove(e)
			return true
		}
	}
	return false
}

func (c *pinnedLRU) remove(e *lruEntry) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
	if c.onEvict != nil {
		c.onEvict(e.instance)
	}
}
