// Package worker wires together the reactor (C6), connection state
// machine (C7), admission filter (C4), route table (C5), static (C8)
// and proxy (C9) handlers into one worker process's request-handling
// data plane, per spec.md §2 data-flow: accept -> admission ->
// connection -> parse -> route -> auth -> static/proxy -> write -> close.
package worker

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lamper001/x-server/internal/accesslog"
	"github.com/lamper001/x-server/internal/admission"
	"github.com/lamper001/x-server/internal/buffer"
	"github.com/lamper001/x-server/internal/connection"
	"github.com/lamper001/x-server/internal/filecache"
	"github.com/lamper001/x-server/internal/gwconfig"
	"github.com/lamper001/x-server/internal/gwerr"
	"github.com/lamper001/x-server/internal/gwlog"
	"github.com/lamper001/x-server/internal/httpparse"
	"github.com/lamper001/x-server/internal/oauth"
	"github.com/lamper001/x-server/internal/proxy"
	"github.com/lamper001/x-server/internal/reactor"
	"github.com/lamper001/x-server/internal/route"
	"github.com/lamper001/x-server/internal/shared"
	"github.com/lamper001/x-server/internal/static"
)

// Worker owns one reactor and every connection it accepts.
type Worker struct {
	listenFD int
	react    *reactor.Reactor

	routes    *route.Table
	admit     *admission.Filter
	cache     *filecache.Cache
	staticH   *static.Handler
	proxyH    *proxy.Handler
	oauthByRoute map[string]*oauth.Verifier
	readPool     *buffer.Pool

	serverLog *gwlog.Logger
	access    *accesslog.Writer

	statsRegion *shared.StatsRegion
	statSlot    int

	conns map[int]*connection.Conn

	requests  int64
	bytesSent int64
	bytesRecv int64

	stopCh chan struct{}
}

// Config bundles what a Worker needs at construction.
type Config struct {
	ListenFD    int
	Snapshot    *gwconfig.Snapshot
	ServerLog   *gwlog.Logger
	AccessLog   *gwlog.Logger
	StatsRegion *shared.StatsRegion
	StatSlot    int
}

// New builds a Worker from cfg.
func New(cfg Config) (*Worker, error) {
	rt := route.NewTable(cfg.Snapshot.Routes)

	rct, err := reactor.New(reactor.Config{
		MaxEvents: cfg.Snapshot.EventLoopMaxEvents,
		BatchSize: cfg.Snapshot.EventLoopBatchSize,
		TimeoutMS: cfg.Snapshot.EventLoopTimeoutMS,
	})
	if err != nil {
		return nil, err
	}

	cache := filecache.New(5 * time.Minute)

	w := &Worker{
		listenFD:    cfg.ListenFD,
		react:       rct,
		routes:      rt,
		admit: admission.New(admission.Limits{
			MaxConnectionsPerIP:  cfg.Snapshot.MaxConnectionsPerIP,
			MaxRequestsPerSecond: cfg.Snapshot.MaxRequestsPerSecond,
			MaxRequestsBurst:     cfg.Snapshot.MaxRequestsBurst,
		}, 30*time.Second),
		cache:       cache,
		staticH:     static.New(cache),
		proxyH:      proxy.New(),
		readPool:    buffer.NewPool(32 * 1024),
		serverLog:   cfg.ServerLog,
		access:      accesslog.New(cfg.AccessLog),
		statsRegion: cfg.StatsRegion,
		statSlot:    cfg.StatSlot,
		conns:       make(map[int]*connection.Conn),
		stopCh:      make(chan struct{}),
	}

	return w, nil
}

// Run registers the listening socket and blocks running the reactor
// until Stop is called.
func (w *Worker) Run() error {
	if err := unix.SetNonblock(w.listenFD, true); err != nil {
		return err
	}

	if err := w.react.Register(w.listenFD, reactor.EventRead, w.onAcceptable, nil, nil); err != nil {
		return err
	}

	go w.statsLoop()

	w.react.Run()
	return nil
}

// handlerDrainTimeout bounds how long Stop waits for in-flight handler
// callbacks to finish their current non-blocking step before returning.
const handlerDrainTimeout = 2 * time.Second

// Stop signals the worker to shut down (spec.md §5 Cancellation: "the
// reactor stop flag is read on each loop iteration; in-flight handlers
// complete their current non-blocking step").
func (w *Worker) Stop() {
	close(w.stopCh)
	w.react.Stop()
	w.react.WaitForHandlersIdle(handlerDrainTimeout)
}

func (w *Worker) onAcceptable(_ int) {
	for {
		nfd, sa, err := unix.Accept4(w.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			gwlog.ErrorLevel.LogErrorCtxf(w.serverLog, "accept", err, "accept4 failed")
			return
		}

		ip := sockaddrIP(sa)

		if !w.admit.AcquireConn(ip) {
			unix.Close(nfd)
			continue
		}

		c := connection.New(nfd, ip)
		w.conns[nfd] = c

		if err := w.react.Register(nfd, reactor.EventRead, w.onReadable, w.onWritable, nil); err != nil {
			w.closeConn(nfd)
			continue
		}
	}
}

func sockaddrIP(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String()
	default:
		return "unknown"
	}
}

func (w *Worker) onReadable(fd int) {
	c, ok := w.conns[fd]
	if !ok {
		return
	}

	buf := w.readPool.Get()
	defer w.readPool.Put(buf)

	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			w.bytesRecv += int64(n)
			status, ferr := c.FeedReadable(buf[:n])
			if ferr != nil {
				w.finishBadRequest(c, 413)
				w.closeConn(fd)
				return
			}
			if status == httpparse.Complete {
				w.dispatch(c)
				return
			}
			if status == httpparse.ParseError {
				w.finishBadRequest(c, 400)
				w.closeConn(fd)
				return
			}
		}

		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			// ECONNRESET/EPIPE are expected, closed quietly (spec.md §4.7)
			w.closeConn(fd)
			return
		}

		if n == 0 {
			w.closeConn(fd)
			return
		}
	}
}

func (w *Worker) onWritable(fd int) {
	c, ok := w.conns[fd]
	if !ok {
		return
	}

	switch c.WriteReady() {
	case connection.FlushPending:
		_ = w.react.Modify(fd, reactor.EventWrite)
	case connection.FlushDone, connection.FlushError:
		w.closeConn(fd)
	}
}

func (w *Worker) finishBadRequest(c *connection.Conn, status int) {
	body := gwerr.ResponseBody(status)
	resp := buildSimpleResponse(status, body)
	w.access.Log(c.ClientIP, c.Request(), status, int64(len(body)))
	_, _ = unix.Write(c.RawFD, resp)
}

func buildSimpleResponse(status int, body []byte) []byte {
	head := "HTTP/1.1 " + strconv.Itoa(status) + " " + http.StatusText(status) + "\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"Connection: close\r\n" +
		"Cache-Control: no-cache, no-store, must-revalidate\r\n" +
		"X-Frame-Options: DENY\r\n" +
		"X-Content-Type-Options: nosniff\r\n" +
		"X-XSS-Protection: 1; mode=block\r\n" +
		"Referrer-Policy: strict-origin-when-cross-origin\r\n" +
		"Content-Security-Policy: default-src 'self'; style-src 'self' 'unsafe-inline'\r\n\r\n"
	return append([]byte(head), body...)
}

// dispatch is the DISPATCHING state of spec.md §4.7: method check,
// route lookup, auth, then static/proxy.
func (w *Worker) dispatch(c *connection.Conn) {
	req := c.Request()

	if !w.admit.AllowRequest(c.ClientIP) {
		w.respond(c, rateLimitedResponse)
		return
	}

	allowedMethod := map[string]bool{
		"GET": true, "POST": true, "PUT": true, "DELETE": true, "HEAD": true, "OPTIONS": true,
	}
	if !allowedMethod[req.Method] {
		status := 405
		body := gwerr.ResponseBody(status)
		w.finishAndClose(c, status, buildSimpleResponse(status, body), int64(len(body)))
		return
	}

	r, ok := w.routes.Lookup(req.Path)
	if !ok {
		status := 404
		body := gwerr.ResponseBody(status)
		w.finishAndClose(c, status, buildSimpleResponse(status, body), int64(len(body)))
		return
	}

	if r.Auth == route.AuthOAuth {
		v, ok := w.oauthByRoute[r.PathPrefix]
		if !ok {
			// no verifier configured for a route that requires one: fail
			// closed (spec.md §4.7/§6), never serve unauthenticated.
			status := 403
			body := gwerr.ResponseBody(status)
			w.finishAndClose(c, status, buildSimpleResponse(status, body), int64(len(body)))
			return
		}
		if ok, _ := v.Verify(req); !ok {
			status := 403
			body := gwerr.ResponseBody(status)
			w.finishAndClose(c, status, buildSimpleResponse(status, body), int64(len(body)))
			return
		}
	}

	switch r.Kind {
	case route.KindStatic:
		res := w.staticH.Serve(req, r)
		w.finishAndClose(c, res.Status, res.Response, res.BytesSent)
	case route.KindProxy:
		res := w.proxyH.Serve(req, r)
		w.finishAndClose(c, res.Status, res.Response, res.BytesSent)
	default:
		status := 500
		body := gwerr.ResponseBody(status)
		w.finishAndClose(c, status, buildSimpleResponse(status, body), int64(len(body)))
	}
}

func rateLimitedResponse() (int, []byte, int64) {
	status := 429
	body := gwerr.ResponseBody(status)
	return status, buildSimpleResponse(status, body), int64(len(body))
}

func (w *Worker) respond(c *connection.Conn, tuple func() (int, []byte, int64)) {
	status, resp, size := tuple()
	w.finishAndClose(c, status, resp, size)
}

func (w *Worker) finishAndClose(c *connection.Conn, status int, resp []byte, bytesSent int64) {
	w.access.Log(c.ClientIP, c.Request(), status, bytesSent)
	w.requests++
	w.bytesSent += int64(len(resp))

	c.QueueResponse(resp)
	switch c.WriteReady() {
	case connection.FlushPending:
		_ = w.react.Modify(c.RawFD, reactor.EventWrite)
	default:
		w.closeConn(c.RawFD)
	}
}

func (w *Worker) closeConn(fd int) {
	c, ok := w.conns[fd]
	if !ok {
		unix.Close(fd)
		return
	}

	delete(w.conns, fd)
	w.react.Unregister(fd)
	w.admit.ReleaseConn(c.ClientIP)
	c.Close()
	unix.Close(fd)
}

func (w *Worker) statsLoop() {
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			if w.statsRegion == nil {
				continue
			}
			_ = w.statsRegion.UpdateWorker(w.statSlot, shared.WorkerStats{
				PID:           int32(os.Getpid()),
				Requests:      w.requests,
				BytesSent:     w.bytesSent,
				BytesReceived: w.bytesRecv,
				LastUpdate:    time.Now(),
			})
		}
	}
}

// WithOAuth attaches OAuth verifiers keyed by route path prefix; called
// by the process entry point after loading configuration.
func (w *Worker) WithOAuth(verifiers map[string]*oauth.Verifier) *Worker {
	w.oauthByRoute = verifiers
	return w
}
