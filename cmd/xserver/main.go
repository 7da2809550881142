// Command xserver is the gateway's process entry point (spec.md §6
// CLI). It dispatches to the master supervisor (internal/master) or to
// a single worker's data plane (internal/worker) depending on whether
// the re-exec marker environment variable is set, and exposes the
// control verbs (-s reload|stop|quit) as signals sent to the running
// master's PID.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lamper001/x-server/internal/gwconfig"
	"github.com/lamper001/x-server/internal/gwlog"
	"github.com/lamper001/x-server/internal/master"
	"github.com/lamper001/x-server/internal/oauth"
	"github.com/lamper001/x-server/internal/route"
	"github.com/lamper001/x-server/internal/shared"
	"github.com/lamper001/x-server/internal/worker"
)

var (
	flagPort       int
	flagConfigPath string
	flagForeground bool
	flagSignal     string
	flagTestConfig bool
	flagVersion    bool
)

// version is set via -ldflags at release build time; left as a literal
// default for development builds.
var version = "dev"

// daemonizedEnv marks a process as already having re-exec'd itself into
// a detached session (spec.md §6: daemonize by default, -f/--foreground
// opts out). Distinct from master.WorkerProcessIDEnv so a daemonized
// master is still told apart from a worker.
const daemonizedEnv = "X_SERVER_DAEMONIZED"

func main() {
	root := &cobra.Command{
		Use:   "xserver",
		Short: "x-server is an HTTP/1.1 gateway: static files, reverse proxy, admission control",
		RunE:  run,
	}

	root.Flags().IntVarP(&flagPort, "port", "p", 0, "listen port (overrides listen_port in config)")
	root.Flags().StringVarP(&flagConfigPath, "config", "c", "xserver.conf", "path to the configuration file")
	root.Flags().BoolVarP(&flagForeground, "foreground", "f", false, "run the master in the foreground (do not daemonize)")
	root.Flags().StringVarP(&flagSignal, "signal", "s", "", "send a control signal to the running master: reload|stop|quit")
	root.Flags().BoolVarP(&flagTestConfig, "test", "t", false, "validate the configuration file and exit")
	root.Flags().BoolVarP(&flagVersion, "version", "v", false, "print version and exit")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if flagVersion {
		fmt.Printf("x-server %s\n", version)
		return nil
	}

	if flagTestConfig {
		return testConfig()
	}

	if flagSignal != "" {
		return sendControlSignal()
	}

	if id, ok := os.LookupEnv(master.WorkerProcessIDEnv); ok {
		return runWorker(id)
	}

	return runMaster()
}

func testConfig() error {
	snap, err := gwconfig.Load(flagConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if errs := gwconfig.Validate(snap); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", e)
		}
		os.Exit(1)
	}

	fmt.Printf("configuration file %s test is successful\n", flagConfigPath)
	return nil
}

func sendControlSignal() error {
	snap, err := gwconfig.Load(flagConfigPath)
	if err != nil {
		return fmt.Errorf("xserver: load config for signal dispatch: %w", err)
	}

	port := snap.ListenPort
	if flagPort != 0 {
		port = flagPort
	}

	var sig syscall.Signal
	switch flagSignal {
	case "reload":
		sig = syscall.SIGHUP
	case "stop":
		sig = syscall.SIGTERM
	case "quit":
		sig = syscall.SIGQUIT
	default:
		return fmt.Errorf("xserver: unknown signal %q (want reload|stop|quit)", flagSignal)
	}

	if err := master.SignalRunning("", port, sig); err != nil {
		fmt.Fprintf(os.Stderr, "xserver: %v\n", err)
		os.Exit(1)
	}

	return nil
}

func runMaster() error {
	if !flagForeground && os.Getenv(daemonizedEnv) == "" {
		return daemonize()
	}

	snap, err := gwconfig.Load(flagConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xserver: %v\n", err)
		os.Exit(1)
	}

	log, err := gwlog.New(snap.LogPath, snap.LogDaily, parseLevel(snap.LogLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "xserver: open log: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	m, err := master.New(flagConfigPath, "", log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xserver: %v\n", err)
		os.Exit(1)
	}

	gwlog.InfoLevel.Logf(log, "x-server %s starting (pid=%d, foreground=%v)", version, os.Getpid(), flagForeground)

	if err := m.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "xserver: %v\n", err)
		os.Exit(1)
	}

	return nil
}

// daemonize re-execs the current binary once more, detached into its
// own session, and returns after the detached child has started
// (spec.md §6: daemonize by default). It is the same re-exec idiom
// master.spawnWorker uses for workers, generalized to detaching the
// master itself from the invoking terminal.
func daemonize() error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("xserver: daemonize: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("xserver: daemonize: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(execPath, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonizedEnv+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("xserver: daemonize: spawn detached master: %w", err)
	}

	fmt.Printf("x-server master daemonized (pid=%d)\n", cmd.Process.Pid)
	return nil
}

// runWorker is executed inside a re-exec'd process: it attaches to the
// shared-memory regions Master published, opens the inherited listener
// fd (fd 3, the first of ExtraFiles), and runs the data plane until a
// termination signal arrives.
func runWorker(idStr string) error {
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return fmt.Errorf("xserver: invalid worker id %q: %w", idStr, err)
	}

	snap, err := gwconfig.Load(flagConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xserver: worker %d: %v\n", id, err)
		os.Exit(1)
	}

	log, err := gwlog.New(snap.LogPath, snap.LogDaily, parseLevel(snap.LogLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "xserver: worker %d: open log: %v\n", id, err)
		os.Exit(1)
	}
	defer log.Close()

	accessLog, err := gwlog.New(snap.AccessLogPath, true, gwlog.InfoLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xserver: worker %d: open access log: %v\n", id, err)
		os.Exit(1)
	}
	defer accessLog.Close()

	port := snap.ListenPort
	cfgPath, cfgLock, statsPath, statsLock := regionPaths(port)

	cfgRegion, err := shared.OpenConfigRegion(cfgPath, cfgLock)
	if err != nil {
		return fmt.Errorf("xserver: worker %d: attach config region: %w", id, err)
	}
	defer cfgRegion.Close()

	statsRegion, err := shared.OpenStatsRegion(statsPath, statsLock)
	if err != nil {
		return fmt.Errorf("xserver: worker %d: attach stats region: %w", id, err)
	}
	defer statsRegion.Close()

	if wireSnap, lerr := cfgRegion.Load(); lerr == nil {
		snap.Routes = decodeRoutes(wireSnap.Routes)
	}

	listenFD := 3 // fd 0/1/2 are stdin/stdout/stderr; ExtraFiles starts at 3

	w, err := worker.New(worker.Config{
		ListenFD:    listenFD,
		Snapshot:    snap,
		ServerLog:   log,
		AccessLog:   accessLog,
		StatsRegion: statsRegion,
		StatSlot:    id % 32,
	})
	if err != nil {
		return fmt.Errorf("xserver: worker %d: %w", id, err)
	}
	w = w.WithOAuth(buildOAuthVerifiers(snap))

	gwlog.InfoLevel.Logf(log, "worker %d starting (pid=%d)", id, os.Getpid())

	return w.Run()
}

func regionPaths(port int) (cfgPath, cfgLock, statsPath, statsLock string) {
	dir := os.TempDir()
	base := fmt.Sprintf("x-server.%d", port)
	return dir + "/" + base + ".cfg",
		dir + "/" + base + ".cfg.lock",
		dir + "/" + base + ".stats",
		dir + "/" + base + ".stats.lock"
}

func decodeRoutes(wire []shared.WireRoute) []route.Descriptor {
	out := make([]route.Descriptor, 0, len(wire))
	for _, w := range wire {
		d := route.Descriptor{
			Kind:       route.Kind(w.Kind),
			PathPrefix: w.PathPrefix,
			TargetHost: w.TargetHost,
			TargetPort: int(w.TargetPort),
			LocalPath:  w.LocalPath,
			Auth:       route.Auth(w.Auth),
			Charset:    w.Charset,
			AppKey:     w.AppKey,
			AppSecret:  w.AppSecret,
		}
		if w.AllowedURLs != "" {
			d.AllowedURLs = strings.Split(w.AllowedURLs, shared.AllowedURLsSep)
		}
		out = append(out, d)
	}
	return out
}

// buildOAuthVerifiers constructs one Verifier per route that declares
// auth=oauth, keyed by the route's path prefix (spec.md §6/§4.7: routes
// with no verifier configured must fail closed, not be served
// unauthenticated — see worker.dispatch).
func buildOAuthVerifiers(snap *gwconfig.Snapshot) map[string]*oauth.Verifier {
	out := make(map[string]*oauth.Verifier)
	for _, r := range snap.Routes {
		if r.Auth != route.AuthOAuth {
			continue
		}
		out[r.PathPrefix] = &oauth.Verifier{
			AppKey:      r.AppKey,
			AppSecret:   r.AppSecret,
			AllowedURLs: r.AllowedURLs,
		}
	}
	return out
}

func parseLevel(s string) gwlog.Level {
	switch s {
	case "panic":
		return gwlog.PanicLevel
	case "fatal":
		return gwlog.FatalLevel
	case "error":
		return gwlog.ErrorLevel
	case "warn", "warning":
		return gwlog.WarnLevel
	case "debug":
		return gwlog.DebugLevel
	default:
		return gwlog.InfoLevel
	}
}
