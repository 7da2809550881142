// Package admission implements the per-IP admission filter of spec.md
// §4.4 (C4): a concurrent-connection table and a token-bucket rate
// table, both keyed by client IP and serialized per bucket via
// internal/shardmap. Grounded directly on spec.md §4.4's algorithm.
package admission

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lamper001/x-server/internal/shardmap"
)

// Limits bundles the admission thresholds sourced from the
// configuration snapshot (spec.md §3 Configuration snapshot).
type Limits struct {
	MaxConnectionsPerIP int
	MaxRequestsPerSecond int
	MaxRequestsBurst     int
}

// connRecord is the concurrent-connection half of spec.md §3's per-IP
// admission record.
type connRecord struct {
	active       atomic.Int32
	lastActivity atomic.Int64 // unix nano
}

// rateRecord is the token-bucket half of spec.md §3's per-IP admission
// record.
type rateRecord struct {
	mu               sync.Mutex
	windowStart      time.Time
	requestCount     int
	burstCount       int
	lastActivity     time.Time
}

// Filter owns both tables for one worker process.
type Filter struct {
	limits Limits

	conns *shardmap.Map[*connRecord]
	rates *shardmap.Map[*rateRecord]

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Filter and starts its two background sweeps.
func New(limits Limits, cleanupInterval time.Duration) *Filter {
	f := &Filter{
		limits: limits,
		conns:  shardmap.New[*connRecord](1024),
		rates:  shardmap.New[*rateRecord](1024),
		stop:   make(chan struct{}),
	}

	if cleanupInterval <= 0 {
		cleanupInterval = 30 * time.Second
	}

	go f.sweepLoop(cleanupInterval)

	return f
}

// Close stops the background sweeps.
func (f *Filter) Close() {
	f.stopOnce.Do(func() { close(f.stop) })
}

// AcquireConn attempts to admit a new connection from ip. It returns
// false if the per-IP concurrent-connection limit would be exceeded
// (spec.md §4.4: "fails with limit_exceeded").
func (f *Filter) AcquireConn(ip string) bool {
	rec, _ := f.conns.LoadOrStore(ip, &connRecord{})

	for {
		cur := rec.active.Load()
		if f.limits.MaxConnectionsPerIP > 0 && int(cur) >= f.limits.MaxConnectionsPerIP {
			return false
		}
		if rec.active.CompareAndSwap(cur, cur+1) {
			rec.lastActivity.Store(time.Now().UnixNano())
			return true
		}
	}
}

// ReleaseConn releases a connection slot previously acquired for ip.
func (f *Filter) ReleaseConn(ip string) {
	if rec, ok := f.conns.Load(ip); ok {
		rec.active.Add(-1)
		rec.lastActivity.Store(time.Now().UnixNano())
	}
}

// AllowRequest applies the token-bucket algorithm of spec.md §4.4 and
// returns whether the request is admitted.
func (f *Filter) AllowRequest(ip string) bool {
	rec, _ := f.rates.LoadOrStore(ip, &rateRecord{windowStart: time.Now()})

	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := time.Now()

	if now.After(rec.windowStart.Add(time.Second)) {
		elapsedSec := int(now.Sub(rec.windowStart) / time.Second)
		rec.requestCount = 0
		rec.windowStart = now

		if elapsedSec > 0 && rec.burstCount > 0 {
			dec := elapsedSec
			if dec > rec.burstCount {
				dec = rec.burstCount
			}
			rec.burstCount -= dec
		}
	}

	rec.lastActivity = now

	if f.limits.MaxRequestsPerSecond <= 0 || rec.requestCount < f.limits.MaxRequestsPerSecond {
		rec.requestCount++
		return true
	}

	if rec.burstCount < f.limits.MaxRequestsBurst {
		rec.burstCount++
		return true
	}

	return false
}

func (f *Filter) sweepLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-t.C:
			f.sweepConns()
			f.sweepRates()
		}
	}
}

func (f *Filter) sweepConns() {
	now := time.Now()
	f.conns.DeleteMatch(func(_ string, r *connRecord) bool {
		if r.active.Load() != 0 {
			return false
		}
		last := time.Unix(0, r.lastActivity.Load())
		return now.Sub(last) >= 60*time.Second
	})
}

func (f *Filter) sweepRates() {
	now := time.Now()
	f.rates.DeleteMatch(func(_ string, r *rateRecord) bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return now.Sub(r.lastActivity) >= 300*time.Second
	})
}
