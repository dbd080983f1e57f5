package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// MemoryCache is the L1 tier: a size-bounded LRU of entries. It never judges
// freshness itself; the manager does.
type MemoryCache struct {
	maxSize int
	items   map[string]*list.Element
	lru     *list.List
	mu      sync.Mutex
}

// NewMemoryCache creates an L1 tier holding at most maxSize entries
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}

	return &MemoryCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// Get returns the entry at any age and marks it most recently used
func (c *MemoryCache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	c.lru.MoveToFront(element)
	return *element.Value.(*Entry), true
}

// Set stores e, evicting the least recently used entry when full
func (c *MemoryCache) Set(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.items[e.Key]; ok {
		*element.Value.(*Entry) = e
		c.lru.MoveToFront(element)
		return
	}

	entry := e
	c.items[e.Key] = c.lru.PushFront(&entry)

	if c.lru.Len() > c.maxSize {
		if oldest := c.lru.Back(); oldest != nil {
			c.remove(oldest.Value.(*Entry).Key)
		}
	}
}

// Delete removes key
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(key)
}

// DeletePrefix removes every key starting with prefix
func (c *MemoryCache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.remove(key)
			n++
		}
	}
	return n
}

// Sweep removes entries whose StoredAt+TTL+grace is at or before now
func (c *MemoryCache) Sweep(now time.Time, grace time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []string
	for key, element := range c.items {
		e := element.Value.(*Entry)
		if !now.Before(e.StoredAt.Add(e.TTL + grace)) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.remove(key)
	}
	return len(expired)
}

// Len returns the number of entries
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// remove removes an item (caller must hold lock)
func (c *MemoryCache) remove(key string) {
	if element, ok := c.items[key]; ok {
		c.lru.Remove(element)
		delete(c.items, key)
	}
}
