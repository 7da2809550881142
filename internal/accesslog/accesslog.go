// Package accesslog formats the access-log line of spec.md §6:
// `ip - - [ts] "METHOD PATH HTTP/1.1" status size "-" "user-agent"`
// with microsecond-precision timestamps, written through
// internal/gwlog's single-writer façade.
package accesslog

import (
	"fmt"
	"time"

	"github.com/lamper001/x-server/internal/gwlog"
	"github.com/lamper001/x-server/internal/httpparse"
)

// Writer emits one access-log line per completed request (spec.md §8:
// "exactly one access-log line is emitted on completion").
type Writer struct {
	log *gwlog.Logger
}

// New wraps a *gwlog.Logger as an access-log writer.
func New(log *gwlog.Logger) *Writer { return &Writer{log: log} }

// Log writes one formatted access-log line.
func (w *Writer) Log(clientIP string, req *httpparse.Request, status int, size int64) {
	ts := time.Now().Format("02/Jan/2006:15:04:05.000000 -0700")

	method, path, version := "-", "-", "HTTP/1.1"
	userAgent := "-"

	if req != nil {
		method = req.Method
		path = req.Path
		if req.Query != "" {
			path += "?" + req.Query
		}
		version = req.Version
		if ua, ok := req.Get("user-agent"); ok {
			userAgent = ua
		}
	}

	line := fmt.Sprintf("%s - - [%s] \"%s %s %s\" %d %d \"-\" \"%s\"\n",
		clientIP, ts, method, path, version, status, size, userAgent)

	w.log.WriteLine(line)
}
