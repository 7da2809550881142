package worker

import (
	"bufio"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lamper001/x-server/internal/gwconfig"
	"github.com/lamper001/x-server/internal/gwlog"
	"github.com/lamper001/x-server/internal/route"
)

func TestBuildSimpleResponseShapesStatusLineAndHeaders(t *testing.T) {
	resp := buildSimpleResponse(404, []byte("not found"))
	s := string(resp)

	if !strings.HasPrefix(s, "HTTP/1.1 404 Not Found\r\n") {
		t.Fatalf("response does not start with the expected status line: %q", s)
	}
	if !strings.Contains(s, "Content-Length: 9\r\n") {
		t.Fatalf("response missing correct Content-Length: %q", s)
	}
	if !strings.HasSuffix(s, "not found") {
		t.Fatalf("response does not end with the body: %q", s)
	}
}

func TestRateLimitedResponseIs429(t *testing.T) {
	status, resp, size := rateLimitedResponse()
	if status != 429 {
		t.Fatalf("status = %d; want 429", status)
	}
	if !strings.Contains(string(resp), "429 Too Many Requests") {
		t.Fatalf("response missing 429 status line: %q", resp)
	}
	if size <= 0 {
		t.Fatalf("size = %d; want a positive body length", size)
	}
}

func TestSockaddrIPExtractsIPv4(t *testing.T) {
	sa := &unix.SockaddrInet4{Addr: [4]byte{192, 0, 2, 7}}
	if ip := sockaddrIP(sa); ip != "192.0.2.7" {
		t.Fatalf("sockaddrIP = %q; want 192.0.2.7", ip)
	}
}

func TestSockaddrIPUnknownType(t *testing.T) {
	if ip := sockaddrIP(nil); ip != "unknown" {
		t.Fatalf("sockaddrIP(nil) = %q; want unknown", ip)
	}
}

// newListenerFD opens a real TCP listener and returns its raw fd, detached
// from the *net.Listener so the worker owns the fd's lifecycle exactly as
// it would after inheriting one from the master via ExtraFiles.
func newListenerFD(t *testing.T) (fd int, addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	addr = ln.Addr().String()

	tl := ln.(*net.TCPListener)
	f, err := tl.File()
	if err != nil {
		t.Fatalf("(*net.TCPListener).File: %v", err)
	}
	ln.Close()

	return int(f.Fd()), addr
}

func TestWorkerServesStaticRouteEndToEnd(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/index.html", []byte("<h1>hi</h1>"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fd, addr := newListenerFD(t)

	snap := &gwconfig.Snapshot{
		EventLoopMaxEvents:   64,
		EventLoopBatchSize:   16,
		EventLoopTimeoutMS:   50,
		MaxConnectionsPerIP:  100,
		MaxRequestsPerSecond: 100,
		MaxRequestsBurst:     20,
		Routes:               []route.Descriptor{{Kind: route.KindStatic, PathPrefix: "/", LocalPath: dir}},
	}

	log, err := gwlog.New("", false, gwlog.ErrorLevel)
	if err != nil {
		t.Fatalf("gwlog.New: %v", err)
	}
	defer log.Close()

	w, err := New(Config{ListenFD: fd, Snapshot: snap, ServerLog: log, AccessLog: log, StatSlot: 0})
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}

	go w.Run()
	defer w.Stop()

	// give the reactor a moment to register the listening socket
	time.Sleep(100 * time.Millisecond)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	conn.Write([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"))

	rd := bufio.NewReader(conn)
	statusLine, err := rd.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if !strings.Contains(statusLine, "200") {
		t.Fatalf("status line = %q; want 200", statusLine)
	}
}
