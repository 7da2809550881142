// Package proxy implements the reverse-proxy handler of spec.md §4.9
// (C9): upstream connect, request rewrite (hop-by-hop stripping, header
// injection, CRLF-injection defense), and response relay.
//
// Grounded on spec.md §4.9 directly; the request-rewrite idiom (forward
// headers except a stoplist, inject X-Forwarded-*) mirrors
// nabbar-golib/httpcli's request-building helpers.
package proxy

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lamper001/x-server/internal/gwerr"
	"github.com/lamper001/x-server/internal/httpparse"
	"github.com/lamper001/x-server/internal/route"
)

const (
	connectTimeout = 5 * time.Second
	totalBudget    = 30 * time.Second
	readyTimeout   = 5 * time.Second
)

var hopByHop = map[string]bool{
	"connection":        true,
	"transfer-encoding":  true,
	"content-encoding":  true,
	"upgrade":           true,
}

// Handler relays requests to one route's upstream.
type Handler struct{}

// New creates a Handler.
func New() *Handler { return &Handler{} }

// Result mirrors static.Result: the finished response bytes plus the
// (status, bytes) pair for the access log (spec.md §4.9: "Returns
// (status_code, response_bytes)").
type Result struct {
	Status    int
	Response  []byte
	BytesSent int64
	Upstream  string // "host:port", for the upstream_info access log field
}

// Serve forwards req to r's upstream and relays the response.
func (h *Handler) Serve(req *httpparse.Request, r route.Descriptor) Result {
	upstream := net.JoinHostPort(r.TargetHost, strconv.Itoa(int(r.TargetPort)))

	conn, err := net.DialTimeout("tcp", upstream, connectTimeout)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return errorResult(504, upstream)
		}
		return errorResult(502, upstream)
	}
	defer conn.Close()

	out, err := buildUpstreamRequest(req, r)
	if err != nil {
		return errorResult(500, upstream)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(readyTimeout))
	if _, err := conn.Write(out); err != nil {
		return errorResult(502, upstream)
	}

	if len(req.Body) > 0 {
		if _, err := conn.Write(req.Body); err != nil {
			return errorResult(502, upstream)
		}
	}

	deadline := time.Now().Add(totalBudget)
	_ = conn.SetReadDeadline(deadline)

	rd := bufio.NewReader(conn)
	resp, err := http.ReadResponse(rd, nil)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return errorResult(504, upstream)
		}
		return errorResult(502, upstream)
	}
	defer resp.Body.Close()

	body := make([]byte, 0, 4096)
	buf := make([]byte, 32*1024)
	for {
		if time.Now().After(deadline) {
			return Result{Status: 504, Response: buildErrorResponse(504), BytesSent: 0, Upstream: upstream}
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if rerr != nil {
			break
		}
	}

	var bytesSent int64
	if resp.ContentLength >= 0 {
		bytesSent = resp.ContentLength
	} else {
		bytesSent = int64(len(body))
	}

	respBytes := buildClientResponse(resp, body)

	return Result{
		Status:    resp.StatusCode,
		Response:  respBytes,
		BytesSent: bytesSent,
		Upstream:  upstream,
	}
}

// TrimScheme strips a leading "http://" or "https://" from s, used when
// forwarding the client's Host header upstream (spec.md §4.9:
// X-Forwarded-Host should carry the bare host, not a scheme-qualified
// URL a client might have sent).
func TrimScheme(s string) string {
	return strings.TrimPrefix(strings.TrimPrefix(s, "https://"), "http://")
}

func hasControlOrCRLF(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\r' || c == '\n' || (c < 0x20 && c != '\t') {
			return true
		}
	}
	return false
}

const maxOutgoingBuffer = 64 * 1024

func buildUpstreamRequest(req *httpparse.Request, r route.Descriptor) ([]byte, error) {
	rel := strings.TrimPrefix(req.Path, r.PathPrefix)
	if rel == "" {
		rel = "/"
	}
	if req.Query != "" {
		rel += "?" + req.Query
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\r\n", req.Method, rel, req.Version)

	xff := "unknown"
	if v, ok := req.Get("x-forwarded-for"); ok {
		xff = v
	}

	host, _ := req.Get("host")

	for _, hd := range req.Headers {
		lower := strings.ToLower(hd.Name)
		if hopByHop[lower] {
			continue
		}
		if hasControlOrCRLF(hd.Name) || hasControlOrCRLF(hd.Value) {
			continue
		}
		if b.Len() > maxOutgoingBuffer {
			return nil, fmt.Errorf("proxy: outgoing header buffer overflow")
		}
		fmt.Fprintf(&b, "%s: %s\r\n", hd.Name, hd.Value)
	}

	fmt.Fprintf(&b, "X-Forwarded-For: %s\r\n", xff)
	fmt.Fprintf(&b, "X-Forwarded-Host: %s\r\n", TrimScheme(host))
	b.WriteString("Connection: close\r\n")
	b.WriteString("\r\n")

	return []byte(b.String()), nil
}

func buildClientResponse(resp *http.Response, body []byte) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %s\r\n", resp.Status)

	for k, vs := range resp.Header {
		lower := strings.ToLower(k)
		if hopByHop[lower] {
			continue
		}
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}

	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Connection: close\r\n")
	b.WriteString("\r\n")

	out := make([]byte, 0, b.Len()+len(body))
	out = append(out, []byte(b.String())...)
	out = append(out, body...)
	return out
}

func buildErrorResponse(status int) []byte {
	body := gwerr.ResponseBody(status)
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	fmt.Fprintf(&b, "Content-Type: text/html; charset=utf-8\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Connection: close\r\n")
	b.WriteString("\r\n")
	return append([]byte(b.String()), body...)
}

func errorResult(status int, upstream string) Result {
	return Result{
		Status:    status,
		Response:  buildErrorResponse(status),
		BytesSent: int64(len(gwerr.ResponseBody(status))),
		Upstream:  upstream,
	}
}
