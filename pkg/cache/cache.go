package cache

import (
	"container/list"
	"sync"
	"time"
)

// Entry is a cached value with access-time bookkeeping
type Entry struct {
	Key          string
	Value        interface{}
	InsertedAt   time.Time
	LastAccessed time.Time
}

// Stats exposes cache observability counters
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

// Cache is a bounded, TTL-aware LRU cache fronting snapshot storage.
// Safe for concurrent use: the capture/persist path and the background
// retention cleanup may touch it at the same time.
type Cache struct {
	mu       sync.Mutex
	maxSize  int
	ttl      time.Duration
	entries  map[string]*list.Element
	eviction *list.List // front = most recently used
	hits     int64
	misses   int64

	now func() time.Time // overridable in tests
}

// New creates a cache holding at most maxSize entries, each living at most
// ttl after its last write. ttl <= 0 disables expiry.
func New(maxSize int, ttl time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		maxSize:  maxSize,
		ttl:      ttl,
		entries:  make(map[string]*list.Element),
		eviction: list.New(),
		now:      time.Now,
	}
}

// Set inserts or updates a key. Inserting a new key at capacity evicts the
// least-recently-used entry first.
func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*Entry)
		entry.Value = value
		entry.InsertedAt = now
		entry.LastAccessed = now
		c.eviction.MoveToFront(elem)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	entry := &Entry{
		Key:          key,
		Value:        value,
		InsertedAt:   now,
		LastAccessed: now,
	}
	c.entries[key] = c.eviction.PushFront(entry)
}

// Get returns the cached value. A miss is reported both when the key is
// absent and when the entry aged past the TTL; expired entries are evicted
// lazily here.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	entry := elem.Value.(*Entry)
	if c.ttl > 0 && c.now().Sub(entry.InsertedAt) > c.ttl {
		c.removeElement(elem)
		c.misses++
		return nil, false
	}

	entry.LastAccessed = c.now()
	c.eviction.MoveToFront(elem)
	c.hits++
	return entry.Value, true
}

// Delete removes a key if present
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeElement(elem)
	}
}

// Clear resets all entries and counters
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.eviction.Init()
	c.hits = 0
	c.misses = 0
}

// GetStats returns hit/miss/size counters
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:   c.hits,
		Misses: c.misses,
		Size:   len(c.entries),
	}
}

func (c *Cache) evictOldest() {
	if oldest := c.eviction.Back(); oldest != nil {
		c.removeElement(oldest)
	}
}

func (c *Cache) removeElement(elem *list.Element) {
	entry := elem.Value.(*Entry)
	delete(c.entries, entry.Key)
	c.eviction.Remove(elem)
}
