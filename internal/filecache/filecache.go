// Package filecache implements the file-content cache of spec.md §4.2
// (C2): path -> bytes with TTL/LRU eviction under a byte budget.
//
// It is layered on github.com/nabbar/golib/cache's generic TTL cache
// (nabbar-golib/cache/interface.go: Store/Load/Walk with a single
// expiration duration fixed at construction) for the "idle > 1 hour"
// base eviction clock. That package has no notion of a total-bytes
// budget or per-entry reference counting, so the budget/LRU/ref-count
// logic required by spec.md §4.2 is implemented directly here, walking
// the library's Cache to find eviction candidates. TTL is refreshed on
// every cache hit by re-Store-ing the entry, since nabbar-golib/cache
// anchors expiration to the last Store call, not to Load (see
// nabbar-golib/cache/item/model.go).
package filecache

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	libcache "github.com/nabbar/golib/cache"
)

// DefaultBudget is the default total-bytes budget (§4.2: "100 MiB").
const DefaultBudget = 100 * 1024 * 1024

// DefaultMaxFileSize is the default single-entry size cap (§4.2: "50 MiB").
const DefaultMaxFileSize = 50 * 1024 * 1024

// DefaultIdleEvict is how long an entry may go unaccessed before a
// background sweep evicts it (§4.2: "idle > 1 hour").
const DefaultIdleEvict = time.Hour

// entry is the cache record of spec.md §3 ("File cache entry").
type entry struct {
	path       string
	bytes      []byte
	mtime      time.Time
	lastAccess atomic.Int64 // unix nano
	refCount   atomic.Int32
}

// Cache is a bounded, bucketed file-content cache.
type Cache struct {
	mu          sync.Mutex // guards totalBytes + eviction bookkeeping
	entries     libcache.Cache[string, *entry]
	totalBytes  int64
	budget      int64
	maxFileSize int64

	hits   atomic.Int64
	misses atomic.Int64

	idleEvict time.Duration
	cancel    context.CancelFunc
}

// Option configures a Cache at construction.
type Option func(*Cache)

// WithBudget overrides the total-bytes budget.
func WithBudget(n int64) Option { return func(c *Cache) { c.budget = n } }

// WithMaxFileSize overrides the single-entry size cap.
func WithMaxFileSize(n int64) Option { return func(c *Cache) { c.maxFileSize = n } }

// WithIdleEvict overrides the idle-eviction threshold.
func WithIdleEvict(d time.Duration) Option { return func(c *Cache) { c.idleEvict = d } }

// New creates a Cache and starts its background cleanup goroutine,
// sweeping every interval (spec.md §4.2: "cache_cleanup_interval").
func New(interval time.Duration, opts ...Option) *Cache {
	c := &Cache{
		budget:      DefaultBudget,
		maxFileSize: DefaultMaxFileSize,
		idleEvict:   DefaultIdleEvict,
	}

	for _, o := range opts {
		o(c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.entries = libcache.New[string, *entry](ctx, c.idleEvict)

	if interval <= 0 {
		interval = 5 * time.Minute
	}

	go c.sweepLoop(interval)

	return c
}

// Close stops the background sweep goroutine and the underlying cache's
// own context.
func (c *Cache) Close() {
	c.cancel()
}

// Get returns the cached bytes for path, or ok=false on a miss. Hits and
// misses are counted atomically (§4.2).
func (c *Cache) Get(path string) (data []byte, size int64, ok bool) {
	e, _, found := c.entries.Load(path)
	if !found {
		c.misses.Add(1)
		return nil, 0, false
	}

	e.lastAccess.Store(time.Now().UnixNano())
	e.refCount.Add(1)
	c.entries.Store(path, e) // re-anchor idle TTL to this access
	c.hits.Add(1)
	return e.bytes, int64(len(e.bytes)), true
}

// Release decrements the reference count obtained from Get. Each
// successful Get is matched by one Release: an entry whose count is
// above zero is skipped by budget eviction and by the idle sweep.
func (c *Cache) Release(path string) {
	if e, _, ok := c.entries.Load(path); ok {
		e.refCount.Add(-1)
	}
}

// Put inserts or replaces the cached bytes for path. Entries above
// max_file_size are refused (spec.md §4.2).
func (c *Cache) Put(path string, data []byte, mtime time.Time) bool {
	sz := int64(len(data))
	if sz > c.maxFileSize {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, _, ok := c.entries.Load(path); ok {
		c.totalBytes -= int64(len(old.bytes))
	}

	for c.totalBytes+sz > c.budget {
		if !c.evictOneLocked() {
			break
		}
	}

	e := &entry{path: path, bytes: data, mtime: mtime}
	e.lastAccess.Store(time.Now().UnixNano())

	c.entries.Store(path, e)
	c.totalBytes += sz

	return true
}

// evictOneLocked evicts the oldest-accessed entry, ties broken by
// earliest mtime (spec.md §4.2). Caller holds c.mu.
func (c *Cache) evictOneLocked() bool {
	var (
		victimKey string
		victim    *entry
		oldestAcc int64 = 1<<63 - 1
	)

	c.entries.Walk(func(key string, e *entry, _ time.Duration) bool {
		if e.refCount.Load() > 0 {
			return true // in use, don't evict
		}
		la := e.lastAccess.Load()
		if la < oldestAcc || (la == oldestAcc && victim != nil && e.mtime.Before(victim.mtime)) {
			oldestAcc = la
			victim = e
			victimKey = key
		}
		return true
	})

	if victim == nil {
		return false
	}

	c.entries.Delete(victimKey)
	c.totalBytes -= int64(len(victim.bytes))
	return true
}

// Preload reads path from disk and inserts it into the cache ahead of
// any request, per spec.md §4.2's `preload(path)` operation. It may be
// called from a helper thread (spec.md §4.6 Design Notes: "Cache
// preload may run on a helper thread and must not touch connection
// state") since it touches only the cache, never a connection.
func (c *Cache) Preload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	st, err := os.Stat(path)
	if err != nil {
		return err
	}

	c.Put(path, data, st.ModTime())
	return nil
}

// Invalidate removes path from the cache immediately.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, _, ok := c.entries.Load(path); ok {
		c.entries.Delete(path)
		c.totalBytes -= int64(len(e.bytes))
	}
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []string
	c.entries.Walk(func(key string, _ *entry, _ time.Duration) bool {
		keys = append(keys, key)
		return true
	})
	for _, k := range keys {
		c.entries.Delete(k)
	}
	c.totalBytes = 0
}

// Stats returns the current hit/miss/byte-budget counters, used by
// tests asserting spec.md §8's cache invariants.
type Stats struct {
	Hits       int64
	Misses     int64
	TotalBytes int64
	Entries    int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	c.entries.Walk(func(string, *entry, time.Duration) bool {
		n++
		return true
	})

	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		TotalBytes: c.totalBytes,
		Entries:    n,
	}
}

func (c *Cache) sweepLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-c.entries.Done():
			return
		case <-t.C:
			c.sweepIdle()
		}
	}
}

// sweepIdle evicts entries idle beyond idleEvict by this cache's own
// lastAccess bookkeeping, then asks the underlying library cache to
// clean up anything it considers expired by its own TTL clock.
func (c *Cache) sweepIdle() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []string
	c.entries.Walk(func(key string, e *entry, _ time.Duration) bool {
		if e.refCount.Load() > 0 {
			return true
		}
		last := time.Unix(0, e.lastAccess.Load())
		if now.Sub(last) >= c.idleEvict {
			victims = append(victims, key)
		}
		return true
	})

	for _, k := range victims {
		if e, _, ok := c.entries.Load(k); ok {
			c.totalBytes -= int64(len(e.bytes))
		}
		c.entries.Delete(k)
	}

	c.entries.Clean()
}
