// Package cache is the in-memory hot path for content bytes: a
// byte-capacity LRU with an optional idle TTL. A miss is never an error,
// only the signal to fall through to the content store.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

type entry struct {
	digest     string
	data       []byte
	accessedAt time.Time
}

// Statistics is a read-only snapshot of cache behavior. Observing it never
// affects cache contents.
type Statistics struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Puts      uint64  `json:"puts"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
	Entries   int     `json:"entries"`
	Bytes     int64   `json:"bytes"`
}

type Config struct {
	// Capacity bounds the cumulative cached bytes. Zero means the default
	// of 256 MiB.
	Capacity int64

	// IdleTTL expires entries not accessed for this long, checked lazily
	// on Get. Zero disables expiry.
	IdleTTL time.Duration
}

const DefaultCapacity = 256 << 20

// Cache is safe for concurrent use. A Get racing an eviction returns either
// the full prior value or a clean miss; entries are copied on the way in
// and out so callers can never observe a torn or aliased buffer.
type Cache struct {
	mu       sync.Mutex
	lru      *list.List // front = most recently used
	index    map[string]*list.Element
	capacity int64
	idleTTL  time.Duration
	bytes    int64

	hits      atomic.Uint64
	misses    atomic.Uint64
	puts      atomic.Uint64
	evictions atomic.Uint64
}

func New(cfg Config) *Cache {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		lru:      list.New(),
		index:    make(map[string]*list.Element),
		capacity: capacity,
		idleTTL:  cfg.IdleTTL,
	}
}

// Get returns a copy of the cached bytes for digest, or ok=false on a miss.
func (c *Cache) Get(digest string) ([]byte, bool) {
	c.mu.Lock()
	elem, ok := c.index[digest]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}

	ent := elem.Value.(*entry)
	if c.idleTTL > 0 && time.Since(ent.accessedAt) > c.idleTTL {
		c.removeLocked(elem)
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}

	ent.accessedAt = time.Now()
	c.lru.MoveToFront(elem)
	data := append([]byte(nil), ent.data...)
	c.mu.Unlock()

	c.hits.Add(1)
	return data, true
}

// Put caches a copy of data under digest, evicting least-recently-used
// entries until the byte capacity holds. Payloads larger than the whole
// capacity are not cached.
func (c *Cache) Put(digest string, data []byte) {
	c.puts.Add(1)
	if int64(len(data)) > c.capacity {
		return
	}

	stored := append([]byte(nil), data...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[digest]; ok {
		ent := elem.Value.(*entry)
		c.bytes += int64(len(stored)) - int64(len(ent.data))
		ent.data = stored
		ent.accessedAt = time.Now()
		c.lru.MoveToFront(elem)
	} else {
		elem := c.lru.PushFront(&entry{
			digest:     digest,
			data:       stored,
			accessedAt: time.Now(),
		})
		c.index[digest] = elem
		c.bytes += int64(len(stored))
	}

	for c.bytes > c.capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions.Add(1)
	}
}

// Remove drops a single entry if present.
func (c *Cache) Remove(digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.index[digest]; ok {
		c.removeLocked(elem)
	}
}

// Clear drops everything. Statistics are retained.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Init()
	c.index = make(map[string]*list.Element)
	c.bytes = 0
}

func (c *Cache) Stats() Statistics {
	c.mu.Lock()
	entries := len(c.index)
	bytes := c.bytes
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return Statistics{
		Hits:      hits,
		Misses:    misses,
		Puts:      c.puts.Load(),
		Evictions: c.evictions.Load(),
		HitRate:   rate,
		Entries:   entries,
		Bytes:     bytes,
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	ent := elem.Value.(*entry)
	c.lru.Remove(elem)
	delete(c.index, ent.digest)
	c.bytes -= int64(len(ent.data))
}
