package filecache

import (
	"testing"
	"time"
)

func newTestCache(opts ...Option) *Cache {
	return New(time.Hour, opts...) // long sweep interval; tests drive eviction directly
}

func TestPutAndGet(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	if !c.Put("/a.txt", []byte("hello"), time.Now()) {
		t.Fatal("Put: want true")
	}

	data, size, ok := c.Get("/a.txt")
	if !ok {
		t.Fatal("Get: want ok=true")
	}
	if string(data) != "hello" || size != 5 {
		t.Fatalf("Get = %q, %d; want hello, 5", data, size)
	}
}

func TestGetMissCountsStats(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	if _, _, ok := c.Get("/missing"); ok {
		t.Fatal("Get on missing key: want ok=false")
	}

	st := c.Stats()
	if st.Misses != 1 {
		t.Fatalf("Misses = %d; want 1", st.Misses)
	}
}

func TestPutRefusesOversizeEntry(t *testing.T) {
	c := newTestCache(WithMaxFileSize(4))
	defer c.Close()

	if c.Put("/big", []byte("12345"), time.Now()) {
		t.Fatal("Put: want false for entry over max_file_size")
	}
}

func TestPutEvictsUnderBudgetPressure(t *testing.T) {
	c := newTestCache(WithBudget(10), WithMaxFileSize(10))
	defer c.Close()

	c.Put("/a", []byte("12345"), time.Now())
	time.Sleep(time.Millisecond) // ensure distinct lastAccess ordering
	c.Put("/b", []byte("12345"), time.Now())

	// budget is 10, both entries total 10: fits exactly, no eviction yet
	if c.Stats().Entries != 2 {
		t.Fatalf("Entries = %d; want 2 before exceeding budget", c.Stats().Entries)
	}

	time.Sleep(time.Millisecond)
	c.Put("/c", []byte("12345"), time.Now()) // must evict /a (oldest) to fit

	if _, _, ok := c.Get("/a"); ok {
		t.Fatal("Get(/a): want evicted")
	}
	if c.Stats().TotalBytes > 10 {
		t.Fatalf("TotalBytes = %d; want <= budget (10)", c.Stats().TotalBytes)
	}
}

func TestEvictionSkipsInUseEntries(t *testing.T) {
	c := newTestCache(WithBudget(5), WithMaxFileSize(5))
	defer c.Close()

	c.Put("/held", []byte("abcde"), time.Now())
	c.Get("/held") // bumps refCount to 1, pinning it

	c.Put("/other", []byte("fghij"), time.Now())

	if _, _, ok := c.Get("/held"); !ok {
		t.Fatal("Get(/held): want still present, in-use entries must not be evicted")
	}
}

func TestInvalidate(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	c.Put("/x", []byte("data"), time.Now())
	c.Invalidate("/x")

	if _, _, ok := c.Get("/x"); ok {
		t.Fatal("Get(/x) after Invalidate: want ok=false")
	}
}

func TestClearEmptiesCache(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	c.Put("/a", []byte("1"), time.Now())
	c.Put("/b", []byte("2"), time.Now())
	c.Clear()

	st := c.Stats()
	if st.Entries != 0 || st.TotalBytes != 0 {
		t.Fatalf("Stats after Clear = %+v; want zero entries/bytes", st)
	}
}

func TestReplacingEntryUpdatesByteAccounting(t *testing.T) {
	c := newTestCache()
	defer c.Close()

	c.Put("/x", []byte("12345"), time.Now())
	c.Put("/x", []byte("12"), time.Now())

	if c.Stats().TotalBytes != 2 {
		t.Fatalf("TotalBytes after replace = %d; want 2", c.Stats().TotalBytes)
	}
}
