package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	defaultLocalSize = 10000

	// expiryScan is how many tail entries evict inspects for an expired one.
	expiryScan = 16
)

// LRUCache is an in-process, size-bounded cache with per-entry expiry.
// When full, an expired entry near the tail is reclaimed before the least
// recently used live one.
type LRUCache struct {
	mu    sync.Mutex
	limit int
	index map[string]*list.Element
	lru   *list.List // front is most recently used
	now   func() time.Time

	hits, misses, evictions int64
}

type lruEntry struct {
	key     string
	value   []byte
	expires time.Time // zero never expires
}

func (e *lruEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// LRUStats is a snapshot of an LRUCache.
type LRUStats struct {
	Size      int   `json:"size"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// NewLRUCache holds at most maxSize entries; non-positive means 10000.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = defaultLocalSize
	}
	return &LRUCache{
		limit: maxSize,
		index: make(map[string]*list.Element),
		lru:   list.New(),
		now:   time.Now,
	}
}

func (c *LRUCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		c.misses++
		return nil, nil
	}
	e := el.Value.(*lruEntry)
	if e.expired(c.now()) {
		c.drop(el)
		c.misses++
		return nil, nil
	}
	c.lru.MoveToFront(el)
	c.hits++
	return e.value, nil
}

func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}

	if el, ok := c.index[key]; ok {
		e := el.Value.(*lruEntry)
		e.value, e.expires = value, expires
		c.lru.MoveToFront(el)
		return nil
	}

	c.index[key] = c.lru.PushFront(&lruEntry{key: key, value: value, expires: expires})
	for c.lru.Len() > c.limit {
		c.evict(now)
	}
	return nil
}

func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.drop(el)
	}
	return nil
}

func (c *LRUCache) Ping(context.Context) error { return nil }

// Close empties the cache. It stays usable.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = make(map[string]*list.Element)
	c.lru.Init()
	return nil
}

// Stats returns the current size and the capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len(), c.limit
}

// Snapshot returns size and counters.
func (c *LRUCache) Snapshot() LRUStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return LRUStats{
		Size:      c.lru.Len(),
		Capacity:  c.limit,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// evict removes one entry: an expired one among the oldest expiryScan if
// any, else the LRU tail.
func (c *LRUCache) evict(now time.Time) {
	el := c.lru.Back()
	for i := 0; el != nil && i < expiryScan; i, el = i+1, el.Prev() {
		if el.Value.(*lruEntry).expired(now) {
			c.drop(el)
			c.evictions++
			return
		}
	}
	if el = c.lru.Back(); el != nil {
		c.drop(el)
		c.evictions++
	}
}

func (c *LRUCache) drop(el *list.Element) {
	c.lru.Remove(el)
	delete(c.index, el.Value.(*lruEntry).key)
}
