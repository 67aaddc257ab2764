// Package cache holds byte values keyed by content: an in-memory LRU, a badger
// disk tier, and a two-level combination of both.
package cache

import (
	"container/list"
	"errors"
	"sync"
)

// ErrItemTooLarge is returned when a value exceeds the cache capacity.
var ErrItemTooLarge = errors.New("cache: item larger than capacity")

// Stats reports hit/miss counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Items     int64
	Size      int64
	Capacity  int64
}

// Memory is a size-bounded LRU cache.
type Memory struct {
	capacity int64
	size     int64

	items    map[string]*list.Element
	eviction *list.List

	mu    sync.Mutex
	stats Stats
}

type memoryEntry struct {
	key   string
	value []byte
}

// NewMemory creates an LRU cache holding at most capacity bytes.
func NewMemory(capacity int64) *Memory {
	return &Memory{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		eviction: list.New(),
	}
}

// Get returns the value and marks it most recently used.
func (c *Memory) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.eviction.MoveToFront(elem)
	c.stats.Hits++
	return elem.Value.(*memoryEntry).value, true
}

// Put stores value, evicting least recently used entries as needed.
func (c *Memory) Put(key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := int64(len(value))
	if n > c.capacity {
		return ErrItemTooLarge
	}
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*memoryEntry)
		c.size += n - int64(len(e.value))
		e.value = value
		c.eviction.MoveToFront(elem)
	} else {
		c.items[key] = c.eviction.PushFront(&memoryEntry{key: key, value: value})
		c.size += n
	}
	for c.size > c.capacity && c.eviction.Len() > 0 {
		c.evictOldest()
	}
	return nil
}

// evictOldest must be called with mu held.
func (c *Memory) evictOldest() {
	elem := c.eviction.Back()
	if elem == nil {
		return
	}
	c.eviction.Remove(elem)
	e := elem.Value.(*memoryEntry)
	delete(c.items, e.key)
	c.size -= int64(len(e.value))
	c.stats.Evictions++
}

// Stats returns a snapshot of the counters.
func (c *Memory) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Items = int64(len(c.items))
	s.Size = c.size
	s.Capacity = c.capacity
	return s
}
