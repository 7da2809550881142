// Package connection implements the per-connection state machine of
// spec.md §4.7 (C7): ACCEPTED -> READING -> DISPATCHING -> RESPONDING ->
// CLOSING, driven by the reactor (internal/reactor) and feeding the
// incremental parser (internal/httpparse).
//
// Grounded on spec.md §4.7 directly; the atomic running-flag / context
// cancellation idiom for lifecycle state follows
// nabbar-golib/httpserver/server.go (`run atomic.Value`, `cnl
// context.CancelFunc`).
package connection

import (
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lamper001/x-server/internal/buffer"
	"github.com/lamper001/x-server/internal/httpparse"
)

// State is a connection lifecycle state (spec.md §4.7).
type State uint8

const (
	StateAccepted State = iota
	StateReading
	StateDispatching
	StateResponding
	StateClosing
)

// NonKeepAliveTimeout is the idle timeout applied because the
// short-connection policy means every connection is non-keepalive
// (spec.md §4.7: "non-keepalive connections at 5 s").
const NonKeepAliveTimeout = 5 * time.Second

// Handler produces the full response for a parsed request and writes it
// into the Conn's output buffer, returning the status code and bytes
// sent for the access log. route/static/proxy are supplied as opaque
// closures so this package has no dependency on those higher layers
// (kept leaf-ward, mirroring the teacher's layering).
type Handler func(c *Conn, req *httpparse.Request) (status int, bytesSent int64)

// Conn is one accepted socket's connection object (spec.md §3).
type Conn struct {
	FD      int
	Conn    net.Conn // nil when driven purely by raw fd + reactor; set when wrapping net.Conn for write convenience
	RawFD   int
	ClientIP string

	read  *buffer.Growable
	write []byte
	pos   int // bytes of `write` already flushed

	parser *httpparse.Parser
	req    *httpparse.Request

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nano

	// KeepAlive is design-locked to false: short-connection policy
	// (spec.md §3, §4.7). Present for documentation; never set true.
	KeepAlive bool

	onStatusDone func(status int, bytesSent int64)
}

// New wraps an accepted, already non-blocking socket fd.
func New(fd int, clientIP string) *Conn {
	c := &Conn{
		FD:       fd,
		RawFD:    fd,
		ClientIP: clientIP,
		read:     buffer.NewGrowable(buffer.DefaultFixedSize),
		parser:   httpparse.New(),
	}
	c.state.Store(int32(StateAccepted))
	c.touch()
	return c
}

func (c *Conn) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// LastActivity returns the last recorded activity time.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// IdleTimeout returns the applicable idle timeout. Since KeepAlive is
// always false (short-connection policy), this is always
// NonKeepAliveTimeout; kept as a method so callers don't hardcode the
// constant at call sites, matching spec.md §4.7's timeout-policy framing.
func (c *Conn) IdleTimeout() time.Duration {
	return NonKeepAliveTimeout
}

// FeedReadable is called by the worker's read callback with newly read
// bytes (already drained from the socket until EAGAIN, per the
// edge-trigger discipline, spec.md §4.6). It appends to the read
// buffer, feeds the parser, and returns the parse status.
//
// If appending would exceed the 10 MiB cap, it returns ErrTooLarge and
// the caller must transition to CLOSING (spec.md §4.7 READING state).
func (c *Conn) FeedReadable(data []byte) (httpparse.Status, error) {
	if err := c.read.Append(data); err != nil {
		return httpparse.ParseError, err
	}

	consumed, status := c.parser.Feed(c.read.Bytes())
	c.read.Discard(consumed)
	c.touch()

	if status == httpparse.Complete {
		c.req = c.parser.Request()
		c.setState(StateDispatching)
	} else if status == httpparse.ParseError {
		c.setState(StateClosing)
	}

	return status, nil
}

// Request returns the completed parsed request, if any.
func (c *Conn) Request() *httpparse.Request { return c.req }

// QueueResponse stages bytes to be written out by the reactor's write
// callback (spec.md §4.7 RESPONDING state).
func (c *Conn) QueueResponse(b []byte) {
	c.write = b
	c.pos = 0
	c.setState(StateResponding)
}

// FlushResult is the outcome of one WriteReady call.
type FlushResult uint8

const (
	FlushPending FlushResult = iota
	FlushDone
	FlushError
)

// WriteReady is called by the worker's write callback when the socket
// is writable. It writes pending bytes until drained or EAGAIN,
// matching spec.md §4.7 RESPONDING: "write pending bytes until drained;
// on EAGAIN, enable writable event and yield."
func (c *Conn) WriteReady() FlushResult {
	for c.pos < len(c.write) {
		n, err := unix.Write(c.RawFD, c.write[c.pos:])
		if n > 0 {
			c.pos += n
			c.touch()
		}
		if err != nil {
			if err == unix.EAGAIN {
				return FlushPending
			}
			if err == unix.EPIPE || err == unix.ECONNRESET {
				return FlushError
			}
			return FlushError
		}
		if n == 0 {
			return FlushError
		}
	}

	c.setState(StateClosing)
	return FlushDone
}

// Close releases the connection's buffers. The socket fd itself is
// closed by the worker (which also handles admission release and
// reactor unregistration), per spec.md §4.7 CLOSING.
func (c *Conn) Close() {
	c.read = nil
	c.write = nil
	c.req = nil
}
