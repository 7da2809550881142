package accesslog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lamper001/x-server/internal/gwlog"
	"github.com/lamper001/x-server/internal/httpparse"
)

func TestLogFormatsExpectedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")

	l, err := gwlog.New(path, false, gwlog.InfoLevel)
	if err != nil {
		t.Fatalf("gwlog.New: %v", err)
	}
	defer l.Close()

	w := New(l)
	req := &httpparse.Request{
		Method:        "GET",
		Path:          "/hello",
		Query:         "x=1",
		Version:       "HTTP/1.1",
		HeaderByLower: map[string]string{"user-agent": "curl/8.0"},
	}

	w.Log("203.0.113.5", req, 200, 1234)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	line := string(data)

	for _, want := range []string{
		"203.0.113.5", `"GET /hello?x=1 HTTP/1.1"`, " 200 ", " 1234 ", `"curl/8.0"`,
	} {
		if !strings.Contains(line, want) {
			t.Errorf("access log line %q missing %q", line, want)
		}
	}
}

func TestLogHandlesNilRequest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")

	l, err := gwlog.New(path, false, gwlog.InfoLevel)
	if err != nil {
		t.Fatalf("gwlog.New: %v", err)
	}
	defer l.Close()

	w := New(l)
	w.Log("10.0.0.1", nil, 400, 0)

	data, _ := os.ReadFile(path)
	line := string(data)
	if !strings.Contains(line, `"- - HTTP/1.1"`) {
		t.Fatalf("nil-request access log line = %q; want placeholder method/path", line)
	}
}

func TestLogWritesExactlyOneLinePerCall(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")

	l, err := gwlog.New(path, false, gwlog.InfoLevel)
	if err != nil {
		t.Fatalf("gwlog.New: %v", err)
	}
	defer l.Close()

	w := New(l)
	req := &httpparse.Request{Method: "GET", Path: "/", Version: "HTTP/1.1", HeaderByLower: map[string]string{}}

	w.Log("1.1.1.1", req, 200, 10)
	w.Log("1.1.1.1", req, 200, 10)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines; want exactly 2 (one per Log call)", len(lines))
	}
}
