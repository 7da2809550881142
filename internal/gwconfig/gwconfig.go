// Package gwconfig is the out-of-scope "configuration collaborator" of
// spec.md §6: it loads and validates the gateway's directive-based
// config file. The core data plane only consumes the *Snapshot this
// package produces; the textual grammar itself is explicitly
// out-of-scope per spec.md §1, so it is kept deliberately minimal and
// built on the standard library (see DESIGN.md: no pack dependency
// parses this bespoke directive grammar).
package gwconfig

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lamper001/x-server/internal/route"
)

// Snapshot is the core's view of a loaded, validated configuration
// (spec.md §3 Configuration snapshot).
type Snapshot struct {
	Version    uint64
	UpdateTime time.Time

	WorkerProcesses int // 0 means "auto" (CPU count)
	ListenPort      int

	KeepaliveTimeout  time.Duration
	ClientMaxBodySize int64

	EventLoopMaxEvents int
	EventLoopTimeoutMS int
	EventLoopBatchSize int

	MaxConnectionsPerIP  int
	MaxRequestsPerSecond int
	MaxRequestsBurst     int

	UseThreadPool   bool
	ThreadPoolSize  int
	ThreadPoolQueue int

	LogPath  string
	LogDaily bool
	LogLevel string

	AccessLogPath string

	Routes []route.Descriptor
}

// Load reads and parses the directive file at path into a Snapshot.
// Recognized directives are listed in spec.md §6; unknown directives
// are ignored (forward-compatible, matching nginx-family config
// parsers' usual leniency for this out-of-scope collaborator).
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s := &Snapshot{
		WorkerProcesses:      0,
		ListenPort:           8080,
		KeepaliveTimeout:     0,
		EventLoopMaxEvents:   1024,
		EventLoopTimeoutMS:   1000,
		EventLoopBatchSize:   256,
		MaxConnectionsPerIP:  100,
		MaxRequestsPerSecond: 50,
		MaxRequestsBurst:     20,
		LogPath:              "logs/server.log",
		AccessLogPath:        "logs/access.log",
		LogLevel:             "info",
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		directive := fields[0]
		args := fields[1:]

		if err := applyDirective(s, directive, args); err != nil {
			return nil, fmt.Errorf("gwconfig: line %d: %w", lineNo, err)
		}
	}

	if err := sc.Err(); err != nil {
		return nil, err
	}

	s.UpdateTime = time.Now()
	return s, nil
}

func applyDirective(s *Snapshot, directive string, args []string) error {
	switch directive {
	case "worker_processes":
		if len(args) != 1 {
			return fmt.Errorf("worker_processes takes 1 arg")
		}
		if args[0] == "auto" {
			s.WorkerProcesses = 0
			return nil
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		s.WorkerProcesses = n

	case "listen_port":
		n, err := strconv.Atoi(argOr(args, 0, ""))
		if err != nil {
			return err
		}
		s.ListenPort = n

	case "keepalive_timeout":
		d, err := parseSeconds(argOr(args, 0, ""))
		if err != nil {
			return err
		}
		s.KeepaliveTimeout = d

	case "client_max_body_size":
		n, err := strconv.ParseInt(argOr(args, 0, ""), 10, 64)
		if err != nil {
			return err
		}
		s.ClientMaxBodySize = n

	case "event_loop_max_events":
		n, err := strconv.Atoi(argOr(args, 0, ""))
		if err != nil {
			return err
		}
		s.EventLoopMaxEvents = n

	case "event_loop_timeout":
		n, err := strconv.Atoi(argOr(args, 0, ""))
		if err != nil {
			return err
		}
		s.EventLoopTimeoutMS = n

	case "event_loop_batch_size":
		n, err := strconv.Atoi(argOr(args, 0, ""))
		if err != nil {
			return err
		}
		s.EventLoopBatchSize = n

	case "max_connections_per_ip":
		n, err := strconv.Atoi(argOr(args, 0, ""))
		if err != nil {
			return err
		}
		s.MaxConnectionsPerIP = n

	case "max_requests_per_second":
		n, err := strconv.Atoi(argOr(args, 0, ""))
		if err != nil {
			return err
		}
		s.MaxRequestsPerSecond = n

	case "max_requests_burst":
		n, err := strconv.Atoi(argOr(args, 0, ""))
		if err != nil {
			return err
		}
		s.MaxRequestsBurst = n

	case "use_thread_pool":
		s.UseThreadPool = argOr(args, 0, "off") == "on"

	case "thread_pool_size":
		n, err := strconv.Atoi(argOr(args, 0, ""))
		if err != nil {
			return err
		}
		s.ThreadPoolSize = n

	case "thread_pool_queue_size":
		n, err := strconv.Atoi(argOr(args, 0, ""))
		if err != nil {
			return err
		}
		s.ThreadPoolQueue = n

	case "log_path":
		s.LogPath = argOr(args, 0, s.LogPath)

	case "access_log_path":
		s.AccessLogPath = argOr(args, 0, s.AccessLogPath)

	case "log_daily":
		s.LogDaily = argOr(args, 0, "off") == "on"

	case "log_level":
		s.LogLevel = argOr(args, 0, s.LogLevel)

	case "route":
		r, err := parseRoute(args)
		if err != nil {
			return err
		}
		s.Routes = append(s.Routes, r)

	case "tcp_nodelay", "tcp_nopush", "worker_connections", "worker_rlimit_nofile",
		"max_connections":
		// recognized per spec.md §6 but not required by the core's
		// contract at the Snapshot level (e.g. rlimit/worker_connections
		// are applied at process-setup time, not carried in the
		// published route/admission snapshot).

	default:
		// unknown directive: ignored, out-of-scope parser leniency
	}

	return nil
}

// parseRoute parses `route <kind> <path_prefix> <target> [oauth <app_key>
// <app_secret> <allowed_urls>] [charset]` per spec.md §6.
func parseRoute(args []string) (route.Descriptor, error) {
	if len(args) < 3 {
		return route.Descriptor{}, fmt.Errorf("route directive needs at least kind, prefix, target")
	}

	var d route.Descriptor

	switch args[0] {
	case "static":
		d.Kind = route.KindStatic
		d.LocalPath = args[2]
	case "proxy":
		d.Kind = route.KindProxy
		host, port, err := splitHostPort(args[2])
		if err != nil {
			return d, err
		}
		d.TargetHost = host
		d.TargetPort = port
	default:
		return d, fmt.Errorf("unknown route kind %q", args[0])
	}

	d.PathPrefix = args[1]
	d.Auth = route.AuthNone
	d.Charset = "utf-8"

	idx := 3
	if len(args) > idx && args[idx] == "oauth" {
		d.Auth = route.AuthOAuth
		idx++
		if len(args) < idx+3 {
			return d, fmt.Errorf("route: auth=oauth requires app_key, app_secret and allowed_urls")
		}
		d.AppKey = args[idx]
		d.AppSecret = args[idx+1]
		d.AllowedURLs = strings.Split(args[idx+2], ",")
		idx += 3
	}
	if len(args) > idx {
		d.Charset = args[idx]
	}

	return d, nil
}

func splitHostPort(hp string) (string, int, error) {
	idx := strings.LastIndexByte(hp, ':')
	if idx < 0 {
		return "", 0, fmt.Errorf("target %q missing port", hp)
	}
	port, err := strconv.Atoi(hp[idx+1:])
	if err != nil {
		return "", 0, err
	}
	return hp[:idx], port, nil
}

func parseSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func argOr(args []string, i int, def string) string {
	if i < len(args) {
		return args[i]
	}
	return def
}

// Validate checks a Snapshot against the structural invariants of
// spec.md §3/§6 (ports, worker bounds, static routes resolving to
// existing directories). Returns a slice of errors, empty if valid.
func Validate(s *Snapshot) []error {
	var errs []error

	if s.ListenPort <= 0 || s.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("listen_port %d out of range", s.ListenPort))
	}

	if s.WorkerProcesses < 0 || s.WorkerProcesses > 64 {
		errs = append(errs, fmt.Errorf("worker_processes %d out of [0,64]", s.WorkerProcesses))
	}

	if len(s.Routes) == 0 {
		errs = append(errs, fmt.Errorf("no routes configured"))
	}

	for i, r := range s.Routes {
		if r.Kind == route.KindStatic {
			if fi, err := os.Stat(r.LocalPath); err != nil || !fi.IsDir() {
				errs = append(errs, fmt.Errorf("route[%d]: local_path %q is not a directory", i, r.LocalPath))
			}
		}
		if r.Kind == route.KindProxy && (r.TargetPort <= 0 || r.TargetPort > 65535) {
			errs = append(errs, fmt.Errorf("route[%d]: invalid target port %d", i, r.TargetPort))
		}
		if r.Auth == route.AuthOAuth && (r.AppKey == "" || r.AppSecret == "" || len(r.AllowedURLs) == 0) {
			errs = append(errs, fmt.Errorf("route[%d]: auth=oauth requires app_key, app_secret and allowed_urls", i))
		}
	}

	return errs
}
