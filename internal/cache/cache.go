// Package cache provides the process-lifetime read-through cache shared
// by the hybrid repositories.
//
// The cache sits in front of local reads so unrelated call sites don't
// each re-trigger a fetch. It is bounded (count-based LRU with explicit
// eviction) and purely an optimization: dropping every entry only forces
// a fresh read from the underlying store, never data loss.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Loader fetches the value on a cache miss.
type Loader func() (interface{}, error)

// Config holds cache tuning knobs.
type Config struct {
	// MaxEntries bounds the cache; the least recently used entry is
	// evicted past it. Zero means the default (32).
	MaxEntries int

	// TTL bounds staleness; entries older than this reload on access.
	// Zero disables expiry (the repositories already refresh in the
	// background, so a TTL is not needed for correctness).
	TTL time.Duration
}

// Cache is a read-through, write-invalidate cache keyed by string
// (entity kind, or kind plus a qualifier). Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	entries map[string]*list.Element
	order   *list.List // front = most recently used

	// gens counts invalidations per key. A load started before an
	// Invalidate must not be stored after it: the loaded value is a
	// pre-write snapshot that would otherwise stick until the next
	// write.
	gens map[string]uint64
}

type cacheEntry struct {
	key       string
	value     interface{}
	fetchedAt time.Time
}

// New creates a cache. If config is nil, defaults apply.
func New(config *Config) *Cache {
	max := 32
	var ttl time.Duration
	if config != nil {
		if config.MaxEntries > 0 {
			max = config.MaxEntries
		}
		ttl = config.TTL
	}

	return &Cache{
		max:     max,
		ttl:     ttl,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		gens:    make(map[string]uint64),
	}
}

// Get returns the cached value for key, invoking load on a miss or an
// expired entry. Concurrent callers may race to load the same key; the
// last loader's value stays cached, which is harmless since loaders read
// the same underlying store.
func (c *Cache) Get(key string, load Loader) (interface{}, error) {
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		if c.ttl == 0 || time.Since(entry.fetchedAt) < c.ttl {
			c.order.MoveToFront(el)
			c.mu.Unlock()
			return entry.value, nil
		}
		// Expired; drop and reload below.
		c.order.Remove(el)
		delete(c.entries, key)
	}
	gen, ok := c.gens[key]
	if !ok {
		// Register the key so Purge can bump it mid-load too.
		c.gens[key] = 0
	}
	c.mu.Unlock()

	value, err := load()
	if err != nil {
		return nil, err
	}

	c.put(key, value, gen)
	return value, nil
}

// put stores a freshly loaded value, evicting the LRU entry if needed.
// The value is dropped when the key was invalidated while the load was
// in flight; the caller still gets it, but the next read reloads.
func (c *Cache) put(key string, value interface{}, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[key] != gen {
		return
	}

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.value = value
		entry.fetchedAt = time.Now()
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{
		key:       key,
		value:     value,
		fetchedAt: time.Now(),
	})
	c.entries[key] = el

	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Invalidate drops the entry for key. Called by every write path for the
// corresponding entity kind.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gens[key]++
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Purge drops every entry, e.g. on memory pressure. The next read for
// each key reloads from the underlying store.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.gens {
		c.gens[key]++
	}
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
