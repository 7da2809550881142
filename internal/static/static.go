// Package static implements the static-file handler of spec.md §4.8
// (C8): path resolution, directory listing, and buffered file delivery
// through internal/filecache.
//
// Grounded on spec.md §4.8 directly; path-containment checks follow the
// resolve-then-prefix-check idiom of nabbar-golib/ioutils/tools.go.
package static

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lamper001/x-server/internal/filecache"
	"github.com/lamper001/x-server/internal/gwerr"
	"github.com/lamper001/x-server/internal/httpparse"
	"github.com/lamper001/x-server/internal/route"
)

// Handler serves static files under one route's local_path.
type Handler struct {
	Cache *filecache.Cache
}

// New creates a Handler backed by cache (may be nil to disable caching).
func New(cache *filecache.Cache) *Handler {
	return &Handler{Cache: cache}
}

// Result is the outcome of Serve: the fully formed response bytes, plus
// the status/bytes-sent pair the access log requires (spec.md §4.8:
// "Returns (status_code, bytes_sent)").
type Result struct {
	Status    int
	Response  []byte
	BytesSent int64
}

// Serve resolves req against r within root (route.local_path), enforcing
// containment, and builds the response.
func (h *Handler) Serve(req *httpparse.Request, r route.Descriptor) Result {
	if req.Method != "GET" && req.Method != "HEAD" {
		return errorResult(405)
	}

	rel := strings.TrimPrefix(req.Path, r.PathPrefix)
	rel = strings.TrimPrefix(rel, "/")

	if strings.Contains(rel, "..") || strings.Contains(rel, "\\") || strings.Contains(rel, ":") {
		return errorResult(403)
	}

	root, err := filepath.Abs(r.LocalPath)
	if err != nil {
		return errorResult(500)
	}

	target := filepath.Join(root, rel)
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return errorResult(500)
	}

	if targetAbs != root && !strings.HasPrefix(targetAbs, root+string(filepath.Separator)) {
		return errorResult(403)
	}

	fi, err := os.Stat(targetAbs)
	if err != nil {
		return errorResult(404)
	}

	if fi.IsDir() {
		idx := filepath.Join(targetAbs, "index.html")
		if ifi, err := os.Stat(idx); err == nil && !ifi.IsDir() {
			return h.serveFile(idx, ifi, r, req.Method == "HEAD")
		}
		return h.serveDirListing(targetAbs, req.Path, r)
	}

	return h.serveFile(targetAbs, fi, r, req.Method == "HEAD")
}

func (h *Handler) serveFile(path string, fi os.FileInfo, r route.Descriptor, headOnly bool) Result {
	var body []byte

	if h.Cache != nil {
		if data, _, ok := h.Cache.Get(path); ok {
			body = data
			defer h.Cache.Release(path)
		}
	}

	if body == nil {
		f, err := os.Open(path)
		if err != nil {
			return errorResult(500)
		}
		defer f.Close()

		data, err := io.ReadAll(f)
		if err != nil {
			return errorResult(500)
		}
		body = data

		if h.Cache != nil {
			h.Cache.Put(path, data, fi.ModTime())
		}
	}

	ct := contentType(path, r.Charset)
	head := buildHeader(200, "OK", map[string]string{
		"Content-Type":   ct,
		"Content-Length": strconv.Itoa(len(body)),
	})

	if headOnly {
		return Result{Status: 200, Response: head, BytesSent: int64(len(body))}
	}

	resp := make([]byte, 0, len(head)+len(body))
	resp = append(resp, head...)
	resp = append(resp, body...)

	return Result{Status: 200, Response: resp, BytesSent: int64(len(body))}
}

func (h *Handler) serveDirListing(dir, reqPath string, r route.Descriptor) Result {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errorResult(500)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>Index of ")
	b.WriteString(html.EscapeString(reqPath))
	b.WriteString("</title></head><body><h1>Index of ")
	b.WriteString(html.EscapeString(reqPath))
	b.WriteString("</h1><ul>\n")

	if reqPath != "/" && reqPath != r.PathPrefix {
		b.WriteString("<li><a href=\"../\">../</a></li>\n")
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		esc := html.EscapeString(name)
		b.WriteString(fmt.Sprintf("<li><a href=\"%s\">%s</a></li>\n", esc, esc))
	}

	b.WriteString("</ul></body></html>\n")

	body := []byte(b.String())
	head := buildHeader(200, "OK", map[string]string{
		"Content-Type":   "text/html; charset=utf-8",
		"Content-Length": strconv.Itoa(len(body)),
	})

	resp := append(head, body...)
	return Result{Status: 200, Response: resp, BytesSent: int64(len(body))}
}

func errorResult(status int) Result {
	body := gwerr.ResponseBody(status)
	head := buildHeader(status, http.StatusText(status), map[string]string{
		"Content-Type":   "text/html; charset=utf-8",
		"Content-Length": strconv.Itoa(len(body)),
	})
	resp := append(head, body...)
	return Result{Status: status, Response: resp, BytesSent: int64(len(body))}
}

func buildHeader(status int, reason string, extra map[string]string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, reason)
	for k, v := range extra {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("Connection: close\r\n")
	b.WriteString("Date: " + time.Now().UTC().Format(http.TimeFormat) + "\r\n")
	b.WriteString("Server: x-server\r\n")

	if status >= 400 {
		b.WriteString("Cache-Control: no-cache, no-store, must-revalidate\r\n")
		b.WriteString("X-Frame-Options: DENY\r\n")
		b.WriteString("X-Content-Type-Options: nosniff\r\n")
		b.WriteString("X-XSS-Protection: 1; mode=block\r\n")
		b.WriteString("Referrer-Policy: strict-origin-when-cross-origin\r\n")
		b.WriteString("Content-Security-Policy: default-src 'self'; style-src 'self' 'unsafe-inline'\r\n")
	}

	b.WriteString("\r\n")
	return []byte(b.String())
}

var textExt = map[string]bool{
	".html": true, ".htm": true, ".txt": true, ".css": true, ".js": true,
	".json": true, ".xml": true, ".csv": true,
}

var extToMIME = map[string]string{
	".html": "text/html", ".htm": "text/html", ".txt": "text/plain",
	".css": "text/css", ".js": "application/javascript", ".json": "application/json",
	".xml": "application/xml", ".csv": "text/csv",
	".png": "image/png", ".jpg": "image/jpeg", ".jpeg": "image/jpeg",
	".gif": "image/gif", ".svg": "image/svg+xml", ".ico": "image/x-icon",
	".pdf": "application/pdf", ".woff": "font/woff", ".woff2": "font/woff2",
}

// contentType resolves the extension -> MIME mapping referenced in
// spec.md §6 as an external collaborator; a minimal built-in table
// covers the common cases, with charset appended only for text types
// (spec.md §4.8).
func contentType(path, charset string) string {
	ext := strings.ToLower(filepath.Ext(path))
	mt, ok := extToMIME[ext]
	if !ok {
		mt = "application/octet-stream"
	}

	if textExt[ext] {
		if charset == "" {
			charset = "utf-8"
		}
		return mt + "; charset=" + charset
	}

	return mt
}
