// Package master implements the master supervisor of spec.md §4.11
// (C11): binds the listening socket, re-execs itself into N worker
// processes (passing the socket as an inherited file descriptor and a
// WORKER_PROCESS_ID marker instead of the fork() a C implementation
// would use, since Go processes do not share an address space after
// fork), reaps and respawns dead workers, republishes configuration on
// SIGHUP, and drives graceful/forced shutdown.
//
// Grounded on the signal-driven lifecycle of
// nabbar-golib/httpserver/server.go (WaitNotify, Shutdown, the
// atomic-bool running flag) generalized from one process's HTTP server
// to a process group of re-exec'd workers.
package master

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/lamper001/x-server/internal/gwconfig"
	"github.com/lamper001/x-server/internal/gwlog"
	"github.com/lamper001/x-server/internal/shared"
)

// WorkerProcessIDEnv is the environment variable a worker process finds
// set on itself; its presence is how cmd/xserver decides whether the
// current process is a master or a worker (spec.md §4.11).
const WorkerProcessIDEnv = "WORKER_PROCESS_ID"

const (
	gracefulTimeout  = 2 * time.Second
	forceKillTimeout = 10 * time.Second
	respawnWindow    = 60 * time.Second
	respawnLimit     = 5
)

// worker is the master's bookkeeping record for one spawned process
// (spec.md §3: "Worker descriptor").
type worker struct {
	id        int
	cmd       *exec.Cmd
	startedAt time.Time
	respawns  []time.Time
	done      chan struct{} // closed once cmd.Wait returns
}

// Master owns the listening socket, the shared-memory regions, and the
// set of live worker processes.
type Master struct {
	mu sync.Mutex

	configPath string
	pidPath    string
	snap       *gwconfig.Snapshot

	listener *net.TCPListener
	listenFD int

	workers map[int]*worker
	nextID  int

	configRegion *shared.ConfigRegion
	statsRegion  *shared.StatsRegion

	log *gwlog.Logger

	pidFile *os.File

	shuttingDown bool
	execPath     string
}

// New loads configuration, binds the listening socket, and acquires
// the pre-start interlock. It does not yet spawn workers; call Run for
// that.
func New(configPath, pidPath string, log *gwlog.Logger) (*Master, error) {
	snap, err := gwconfig.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("master: load config: %w", err)
	}
	if errs := gwconfig.Validate(snap); len(errs) > 0 {
		return nil, fmt.Errorf("master: invalid config: %v", errs[0])
	}

	execPath, err := os.Executable()
	if err != nil {
		return nil, err
	}

	m := &Master{
		configPath: configPath,
		pidPath:    pidPath,
		snap:       snap,
		workers:    make(map[int]*worker),
		log:        log,
		execPath:   execPath,
	}

	if err := m.acquirePIDLock(); err != nil {
		return nil, err
	}

	if err := m.bindListener(); err != nil {
		m.releasePIDLock()
		return nil, err
	}

	if err := m.openSharedRegions(); err != nil {
		m.releasePIDLock()
		return nil, err
	}

	return m, nil
}

// acquirePIDLock implements spec.md §4.11's pre-start interlock: an
// advisory flock on a PID file keyed by listen port, refusing to start
// a second master bound to the same port.
func (m *Master) acquirePIDLock() error {
	name := m.pidPath
	if name == "" {
		name = filepath.Join(os.TempDir(), fmt.Sprintf("x-server.%d.pid", m.snap.ListenPort))
	}

	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("master: open pid file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("master: another instance is already bound to port %d", m.snap.ListenPort)
	}

	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0)

	m.pidFile = f
	m.pidPath = name
	return nil
}

func (m *Master) releasePIDLock() {
	if m.pidFile == nil {
		return
	}
	_ = unix.Flock(int(m.pidFile.Fd()), unix.LOCK_UN)
	m.pidFile.Close()
	_ = os.Remove(m.pidPath)
	m.pidFile = nil
}

func (m *Master) bindListener() error {
	addr := &net.TCPAddr{Port: m.snap.ListenPort}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return fmt.Errorf("master: listen :%d: %w", m.snap.ListenPort, err)
	}

	f, err := ln.File()
	if err != nil {
		ln.Close()
		return err
	}

	m.listener = ln
	m.listenFD = int(f.Fd())
	return nil
}

func (m *Master) regionPaths() (cfgPath, cfgLock, statsPath, statsLock string) {
	dir := os.TempDir()
	base := fmt.Sprintf("x-server.%d", m.snap.ListenPort)
	return filepath.Join(dir, base+".cfg"),
		filepath.Join(dir, base+".cfg.lock"),
		filepath.Join(dir, base+".stats"),
		filepath.Join(dir, base+".stats.lock")
}

func (m *Master) openSharedRegions() error {
	cfgPath, cfgLock, statsPath, statsLock := m.regionPaths()

	cr, err := shared.CreateConfigRegion(cfgPath, cfgLock)
	if err != nil {
		return fmt.Errorf("master: create config region: %w", err)
	}
	m.configRegion = cr

	sr, err := shared.CreateStatsRegion(statsPath, statsLock, time.Now())
	if err != nil {
		return fmt.Errorf("master: create stats region: %w", err)
	}
	m.statsRegion = sr

	return m.publishSnapshot(m.snap)
}

func (m *Master) publishSnapshot(s *gwconfig.Snapshot) error {
	routes := make([]shared.WireRoute, 0, len(s.Routes))
	for _, r := range s.Routes {
		routes = append(routes, shared.WireRoute{
			Kind:        uint8(r.Kind),
			PathPrefix:  r.PathPrefix,
			TargetHost:  r.TargetHost,
			TargetPort:  int32(r.TargetPort),
			LocalPath:   r.LocalPath,
			Auth:        uint8(r.Auth),
			Charset:     r.Charset,
			AppKey:      r.AppKey,
			AppSecret:   r.AppSecret,
			AllowedURLs: strings.Join(r.AllowedURLs, shared.AllowedURLsSep),
		})
	}

	m.snap.Version++

	return m.configRegion.Publish(shared.Snapshot{
		Version:              m.snap.Version,
		UpdateTime:           time.Now(),
		WorkerCount:          int32(m.workerCount()),
		ListenPort:           int32(s.ListenPort),
		MaxConnectionsPerIP:  int32(s.MaxConnectionsPerIP),
		MaxRequestsPerSecond: int32(s.MaxRequestsPerSecond),
		Routes:               routes,
	})
}

// workerCount resolves spec.md §5's "worker_processes auto" default to
// the host's CPU count, capped to [1,64] (spec.md §5).
func (m *Master) workerCount() int {
	n := m.snap.WorkerProcesses
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n < 1 {
		n = 1
	}
	if n > 64 {
		n = 64
	}
	return n
}

// Run spawns the configured worker pool and blocks handling signals
// until a terminal shutdown completes (spec.md §4.11).
func (m *Master) Run() error {
	for i := 0; i < m.workerCount(); i++ {
		if err := m.spawnWorker(nil); err != nil {
			gwlog.ErrorLevel.LogErrorCtxf(m.log, "spawn", err, "initial worker spawn failed")
		}
	}

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			m.reload()
		case syscall.SIGTERM, syscall.SIGINT:
			m.gracefulShutdown()
			return nil
		case syscall.SIGQUIT:
			m.forceShutdown()
			return nil
		}
	}

	return nil
}

// spawnWorker re-execs the current binary with WorkerProcessIDEnv set
// and the listening socket inherited as fd 3 (spec.md §4.11: "spawn:
// exec self with a marker env var; the listen socket is inherited").
func (m *Master) spawnWorker(respawns []time.Time) error {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	lf := os.NewFile(uintptr(m.listenFD), "listener")

	cmd := exec.Command(m.execPath, os.Args[1:]...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", WorkerProcessIDEnv, id))
	cmd.ExtraFiles = []*os.File{lf}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("master: spawn worker %d: %w", id, err)
	}

	w := &worker{id: id, cmd: cmd, startedAt: time.Now(), respawns: respawns, done: make(chan struct{})}

	m.mu.Lock()
	m.workers[cmd.Process.Pid] = w
	m.mu.Unlock()

	gwlog.InfoLevel.Logf(m.log, "spawned worker id=%d pid=%d", id, cmd.Process.Pid)

	go m.superviseWorker(w)
	return nil
}

// superviseWorker blocks on the worker's own exit (cmd.Wait reaps it),
// then either respawns it in its slot or, past spec.md §4.11's
// crash-loop guard (5 respawns within 60s), abandons the slot.
func (m *Master) superviseWorker(w *worker) {
	err := w.cmd.Wait()
	close(w.done)

	m.mu.Lock()
	delete(m.workers, w.cmd.Process.Pid)
	shuttingDown := m.shuttingDown
	m.mu.Unlock()

	if shuttingDown {
		return
	}

	gwlog.WarnLevel.Logf(m.log, "worker id=%d pid=%d exited: %v", w.id, w.cmd.Process.Pid, err)

	now := time.Now()
	cutoff := now.Add(-respawnWindow)
	kept := w.respawns[:0]
	for _, t := range w.respawns {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.respawns = append(kept, now)

	if len(w.respawns) >= respawnLimit {
		gwlog.ErrorLevel.Logf(m.log, "worker id=%d exceeded %d respawns within %s, abandoning slot",
			w.id, respawnLimit, respawnWindow)
		return
	}

	if err := m.spawnWorker(w.respawns); err != nil {
		gwlog.ErrorLevel.LogErrorCtxf(m.log, "respawn", err, "failed to respawn worker id=%d", w.id)
	}
}

// reload implements spec.md §4.11's SIGHUP handling: parse the config
// file fresh, and only on success publish it to the shared config
// region and fan the signal out to every worker; a parse failure logs
// and leaves the running configuration untouched.
func (m *Master) reload() {
	gwlog.InfoLevel.Logf(m.log, "reload requested")

	next, err := gwconfig.Load(m.configPath)
	if err != nil {
		gwlog.ErrorLevel.LogErrorCtxf(m.log, "reload", err, "config parse failed, keeping running configuration")
		return
	}
	if errs := gwconfig.Validate(next); len(errs) > 0 {
		gwlog.ErrorLevel.Logf(m.log, "reload: config validation failed: %v, keeping running configuration", errs[0])
		return
	}

	m.mu.Lock()
	m.snap = next
	m.mu.Unlock()

	if err := m.publishSnapshot(next); err != nil {
		gwlog.ErrorLevel.LogErrorCtxf(m.log, "reload", err, "failed to publish new snapshot")
		return
	}

	m.signalWorkers(syscall.SIGHUP)
	gwlog.InfoLevel.Logf(m.log, "reload complete, version=%d", next.Version)
}

func (m *Master) signalWorkers(sig syscall.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for pid := range m.workers {
		_ = syscall.Kill(pid, sig)
	}
}

// gracefulShutdown implements spec.md §4.11's graceful stop: SIGTERM to
// every worker, a bounded wait, then escalate to SIGKILL for stragglers,
// and finally tear down shared resources.
func (m *Master) gracefulShutdown() {
	gwlog.InfoLevel.Logf(m.log, "graceful shutdown requested")

	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()

	m.signalWorkers(syscall.SIGTERM)
	m.waitWorkers(gracefulTimeout, forceKillTimeout)
	m.teardown()
}

// forceShutdown implements spec.md §4.11's immediate stop: SIGKILL to
// every worker with a short reap window, then teardown.
func (m *Master) forceShutdown() {
	gwlog.InfoLevel.Logf(m.log, "force shutdown requested")

	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()

	m.signalWorkers(syscall.SIGKILL)
	m.waitWorkers(2*time.Second, 2*time.Second)
	m.teardown()
}

// waitWorkers fans out one goroutine per live worker to wait on its
// exit, bounded by graceful; any stragglers are escalated with SIGKILL
// and given one more bounded wait (spec.md §4.11's 2s/10s escalation).
// Grounded on nabbar-golib/cluster's errgroup-based fan-out/fan-in over
// a set of concurrently supervised components.
func (m *Master) waitWorkers(graceful, escalateAfter time.Duration) {
	if m.awaitAll(graceful) {
		return
	}

	gwlog.WarnLevel.Logf(m.log, "escalating to SIGKILL after graceful window expired")
	m.signalWorkers(syscall.SIGKILL)
	m.awaitAll(escalateAfter)
}

// awaitAll waits up to timeout for every currently tracked worker's done
// channel to close, returning true if all exited in time.
func (m *Master) awaitAll(timeout time.Duration) bool {
	m.mu.Lock()
	snapshot := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		snapshot = append(snapshot, w)
	}
	m.mu.Unlock()

	if len(snapshot) == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range snapshot {
		w := w
		g.Go(func() error {
			select {
			case <-w.done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	return g.Wait() == nil
}

func (m *Master) teardown() {
	if m.listener != nil {
		_ = m.listener.Close()
	}
	if m.configRegion != nil {
		_ = m.configRegion.Close()
	}
	if m.statsRegion != nil {
		_ = m.statsRegion.Close()
	}
	m.releasePIDLock()
	gwlog.InfoLevel.Logf(m.log, "shutdown complete")
}

// SignalRunning reads the running master's PID from pidPath (or, when
// pidPath is empty, from the default PID file named after listenPort)
// and sends it sig; cmd/xserver's `-s reload|stop|quit` verbs use it.
func SignalRunning(pidPath string, listenPort int, sig syscall.Signal) error {
	name := pidPath
	if name == "" {
		name = filepath.Join(os.TempDir(), fmt.Sprintf("x-server.%d.pid", listenPort))
	}

	data, err := os.ReadFile(name)
	if err != nil {
		return fmt.Errorf("master: read pid file: %w", err)
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return fmt.Errorf("master: parse pid file: %w", err)
	}

	return syscall.Kill(pid, sig)
}
