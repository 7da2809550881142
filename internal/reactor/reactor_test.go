package reactor

import (
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newTestReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New(Config{MaxEvents: 16, BatchSize: 16, TimeoutMS: 50, Shards: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegisterDispatchesReadable(t *testing.T) {
	r := newTestReactor(t)

	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer pr.Close()
	defer pw.Close()

	if err := unix.SetNonblock(int(pr.Fd()), true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}

	var (
		mu    sync.Mutex
		fired bool
	)

	onRead := func(fd int) {
		mu.Lock()
		fired = true
		mu.Unlock()
		buf := make([]byte, 16)
		unix.Read(fd, buf)
	}

	if err := r.Register(int(pr.Fd()), EventRead, onRead, nil, "tag"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	go r.Run()
	defer r.Stop()

	pw.Write([]byte("hi"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		f := fired
		mu.Unlock()
		if f {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !fired {
		t.Fatal("onRead callback was never invoked after writing to the pipe")
	}
}

func TestUserPtrRegisteredAndUnregistered(t *testing.T) {
	r := newTestReactor(t)

	pr, pw, _ := os.Pipe()
	defer pr.Close()
	defer pw.Close()
	unix.SetNonblock(int(pr.Fd()), true)

	if err := r.Register(int(pr.Fd()), EventRead, func(int) {}, nil, "hello"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	v, ok := r.UserPtr(int(pr.Fd()))
	if !ok || v != "hello" {
		t.Fatalf("UserPtr = %v, %v; want hello, true", v, ok)
	}

	r.Unregister(int(pr.Fd()))

	if _, ok := r.UserPtr(int(pr.Fd())); ok {
		t.Fatal("UserPtr after Unregister: want ok=false")
	}
}

func TestStopInterruptsRun(t *testing.T) {
	r := newTestReactor(t)

	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	r.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop within 2s")
	}
}

func TestWaitForHandlersIdleReturnsWhenNoneInFlight(t *testing.T) {
	r := newTestReactor(t)
	start := time.Now()
	r.WaitForHandlersIdle(500 * time.Millisecond)
	if time.Since(start) > 400*time.Millisecond {
		t.Fatal("WaitForHandlersIdle should return promptly when no handlers are in flight")
	}
}
