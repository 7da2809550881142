// Package gwlog is a thin façade over logrus, built the way
// nabbar-golib/logger wraps logrus: a small Level type with a Logf
// method, so call sites read as `log.InfoLevel.Logf(l, "...", args...)`
// instead of reaching for logrus directly. Writes to a log file are
// serialized and unbuffered: each line goes straight to the file, so
// there is no flush lag. With daily rotation on, a goroutine checks
// every 30s and switches to the new day's file when the date changes.
package gwlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level mirrors nabbar-golib/logger's Level type.
type Level uint8

const (
	PanicLevel Level = iota
	FatalLevel
	ErrorLevel
	WarnLevel
	InfoLevel
	DebugLevel
	NilLevel
)

func (l Level) logrus() logrus.Level {
	switch l {
	case PanicLevel:
		return logrus.PanicLevel
	case FatalLevel:
		return logrus.FatalLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	case WarnLevel:
		return logrus.WarnLevel
	case InfoLevel:
		return logrus.InfoLevel
	case DebugLevel:
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger is the gateway-wide logging façade. A process owns two: one for
// operational/server logs, one for the access log.
type Logger struct {
	mu      sync.Mutex
	lg      *logrus.Logger
	path    string // empty => stdout, no rotation
	daily   bool
	cur     *os.File
	curDate string
	stop    chan struct{}
}

// New creates a Logger writing to path (daily-rotated if daily is true
// and path is non-empty) at the given minimum level. An empty path logs
// to stderr.
func New(path string, daily bool, level Level) (*Logger, error) {
	l := &Logger{
		lg:    logrus.New(),
		path:  path,
		daily: daily,
		stop:  make(chan struct{}),
	}
	l.lg.SetLevel(level.logrus())
	l.lg.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000000",
	})

	if path == "" {
		l.lg.SetOutput(os.Stderr)
		return l, nil
	}

	if err := l.rotate(time.Now()); err != nil {
		return nil, err
	}

	if daily {
		go l.rotateLoop()
	}

	return l, nil
}

func (l *Logger) filename(t time.Time) string {
	ext := filepath.Ext(l.path)
	base := l.path[:len(l.path)-len(ext)]
	return fmt.Sprintf("%s.%s%s", base, t.Format("2006-01-02"), ext)
}

func (l *Logger) rotate(now time.Time) error {
	name := l.path
	if l.daily {
		name = l.filename(now)
	}

	if err := os.MkdirAll(filepath.Dir(name), 0o750); err != nil {
		return err
	}

	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}

	l.mu.Lock()
	old := l.cur
	l.cur = f
	l.curDate = now.Format("2006-01-02")
	l.lg.SetOutput(f)
	l.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	return nil
}

func (l *Logger) rotateLoop() {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-l.stop:
			return
		case now := <-t.C:
			l.mu.Lock()
			need := now.Format("2006-01-02") != l.curDate
			l.mu.Unlock()

			if need {
				_ = l.rotate(now)
			}
		}
	}
}

// Close flushes and closes the underlying file, stopping rotation.
func (l *Logger) Close() error {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cur != nil {
		return l.cur.Close()
	}
	return nil
}

// WriteLine appends a pre-formatted line directly to the current
// destination file, serialized with rotation (single-writer contract,
// spec.md §9 Design Notes), bypassing logrus's own formatting — used
// by the access log, whose line format is fixed by spec.md §6.
func (l *Logger) WriteLine(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cur != nil {
		_, _ = l.cur.WriteString(line)
		return
	}

	_, _ = l.lg.Out.Write([]byte(line))
}

// Writer exposes the current underlying writer, e.g. for the access-log
// formatter to append pre-built lines directly without going through
// logrus's field machinery.
func (l *Logger) Writer() io.Writer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lg.Out
}

// Logf logs a formatted message at the receiver level.
func (lv Level) Logf(l *Logger, pattern string, args ...any) {
	if l == nil || lv == NilLevel {
		return
	}
	l.lg.Log(lv.logrus(), fmt.Sprintf(pattern, args...))
}

// LogErrorCtxf logs an error with a context label, mirroring
// nabbar-golib/logger's LogErrorCtxf signature.
func (lv Level) LogErrorCtxf(l *Logger, ctx string, err error, pattern string, args ...any) {
	if l == nil || lv == NilLevel {
		return
	}
	msg := fmt.Sprintf(pattern, args...)
	if ctx != "" {
		msg = ctx + ": " + msg
	}
	l.lg.WithField("error", err).Log(lv.logrus(), msg)
}
