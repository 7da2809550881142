package shardmap

import (
	"strconv"
	"sync"
	"testing"
)

func TestMapStoreLoadDelete(t *testing.T) {
	m := New[int](16)

	m.Store("a", 1)
	m.Store("b", 2)

	if v, ok := m.Load("a"); !ok || v != 1 {
		t.Fatalf("Load(a) = %v, %v; want 1, true", v, ok)
	}

	m.Delete("a")
	if _, ok := m.Load("a"); ok {
		t.Fatal("Load(a) after Delete: want ok=false")
	}

	if v, ok := m.Load("b"); !ok || v != 2 {
		t.Fatalf("Load(b) = %v, %v; want 2, true", v, ok)
	}
}

func TestMapLoadOrStore(t *testing.T) {
	m := New[int](8)

	v, loaded := m.LoadOrStore("x", 10)
	if loaded || v != 10 {
		t.Fatalf("first LoadOrStore = %v, %v; want 10, false", v, loaded)
	}

	v, loaded = m.LoadOrStore("x", 99)
	if !loaded || v != 10 {
		t.Fatalf("second LoadOrStore = %v, %v; want 10, true", v, loaded)
	}
}

func TestMapDeleteMatch(t *testing.T) {
	m := New[int](8)
	for i := 0; i < 10; i++ {
		m.Store(strconv.Itoa(i), i)
	}

	removed := m.DeleteMatch(func(_ string, v int) bool { return v%2 == 0 })
	if removed != 5 {
		t.Fatalf("DeleteMatch removed %d; want 5", removed)
	}
	if m.Len() != 5 {
		t.Fatalf("Len() = %d; want 5", m.Len())
	}
}

func TestMapShardsPowerOfTwo(t *testing.T) {
	m := New[int](10)
	if len(m.buckets) != 16 {
		t.Fatalf("buckets = %d; want 16 (next pow2 of 10)", len(m.buckets))
	}

	def := New[int](0)
	if len(def.buckets) != 4096 {
		t.Fatalf("default buckets = %d; want 4096", len(def.buckets))
	}
}

func TestMapConcurrentAccess(t *testing.T) {
	m := New[int](64)
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := strconv.Itoa(i % 20)
			m.Update(key, func(cur int, ok bool) int { return cur + 1 })
		}(i)
	}

	wg.Wait()

	total := 0
	m.Range(func(_ string, v int) bool {
		total += v
		return true
	})
	if total != 100 {
		t.Fatalf("sum of updates = %d; want 100", total)
	}
}
