// Package shardmap provides a segmented, reader/writer-locked hash table
// generic over comparable keys.
//
// It mirrors the concurrent-map idiom of github.com/nabbar/golib/atomic
// (a typed wrapper over a lock-protected store) but splits the key space
// across a fixed number of independently locked buckets, which is the
// discipline spec'd for the admission tables (§4.4), the file cache
// (§4.2) and the reactor's fd→handler table (§4.6): per-bucket
// serialization instead of one global lock.
package shardmap

import (
	"hash/maphash"
	"sync"
)

// Map is a segmented hash table. Zero value is not usable; use New.
type Map[V any] struct {
	seed    maphash.Seed
	buckets []*bucket[V]
	mask    uint64
}

type bucket[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// New returns a Map with the given number of buckets, rounded up to the
// next power of two. shards <= 0 defaults to 4096 (the reactor's default
// per spec.md §4.6).
func New[V any](shards int) *Map[V] {
	if shards <= 0 {
		shards = 4096
	}

	n := 1
	for n < shards {
		n <<= 1
	}

	m := &Map[V]{
		seed:    maphash.MakeSeed(),
		buckets: make([]*bucket[V], n),
		mask:    uint64(n - 1),
	}

	for i := range m.buckets {
		m.buckets[i] = &bucket[V]{m: make(map[string]V)}
	}

	return m
}

func (m *Map[V]) bucketFor(key string) *bucket[V] {
	var h maphash.Hash
	h.SetSeed(m.seed)
	_, _ = h.WriteString(key)
	return m.buckets[h.Sum64()&m.mask]
}

// Load returns the value stored for key, if any.
func (m *Map[V]) Load(key string) (V, bool) {
	b := m.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.m[key]
	return v, ok
}

// Store sets the value for key.
func (m *Map[V]) Store(key string, val V) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[key] = val
}

// Delete removes key, if present.
func (m *Map[V]) Delete(key string) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, key)
}

// LoadOrStore returns the existing value for key if present; otherwise
// it stores and returns the given value.
func (m *Map[V]) LoadOrStore(key string, val V) (V, bool) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	if v, ok := b.m[key]; ok {
		return v, true
	}

	b.m[key] = val
	return val, false
}

// Update atomically loads the current value (zero value if absent),
// passes it to fn, and stores the result. It returns what fn returned.
// fn must not block and must not call back into the Map.
func (m *Map[V]) Update(key string, fn func(cur V, ok bool) V) V {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.m[key]
	nv := fn(cur, ok)
	b.m[key] = nv
	return nv
}

// Range calls fn for every stored entry, bucket by bucket. fn must not
// call back into the Map. If fn returns false, iteration stops early.
func (m *Map[V]) Range(fn func(key string, val V) bool) {
	for _, b := range m.buckets {
		b.mu.RLock()
		for k, v := range b.m {
			if !fn(k, v) {
				b.mu.RUnlock()
				return
			}
		}
		b.mu.RUnlock()
	}
}

// DeleteMatch removes every entry for which pred returns true, acquiring
// each bucket's write lock in turn. Used by sweeps (admission/cache idle
// eviction, §4.2/§4.4).
func (m *Map[V]) DeleteMatch(pred func(key string, val V) bool) int {
	removed := 0

	for _, b := range m.buckets {
		b.mu.Lock()
		for k, v := range b.m {
			if pred(k, v) {
				delete(b.m, k)
				removed++
			}
		}
		b.mu.Unlock()
	}

	return removed
}

// Len returns the total number of entries across all buckets. O(shards).
func (m *Map[V]) Len() int {
	total := 0
	for _, b := range m.buckets {
		b.mu.RLock()
		total += len(b.m)
		b.mu.RUnlock()
	}
	return total
}
