// Package shared implements the shared configuration and statistics
// region of spec.md §4.10 (C10): two shared-memory regions, each guarded
// by a cross-process lock, published by Master and read by Workers.
//
// Because this gateway's Master/Worker split is realized with real OS
// processes (spawned via os/exec re-exec, not a fork() the Go runtime
// can't safely offer — see internal/master), "shared memory" is a real
// POSIX mmap(MAP_SHARED) region backed by an anonymous-ish temp file,
// and the "cross-process counting lock (initialized to 1)" is a
// flock(2)-based mutex on a sibling lock file. Both primitives come
// from golang.org/x/sys/unix, the same dependency the teacher already
// requires. This is bespoke wiring (no pack repo ships a shared-memory
// config broadcaster) but the primitives are the teacher's own stack.
package shared

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	magic          uint32 = 0x58534456 // "XSDV"
	maxRoutes             = 256
	routeRecordLen        = 1 + 128 + 128 + 4 + 256 + 1 + 32 + 64 + 64 + 256
	headerLen             = 4 + 8 + 8 + 4 + 4 + 4 + 4 + 4 // magic,version,updateTime,routeCount,workerCount,listenPort,maxConnPerIP,maxReqPerSec
	regionLen             = headerLen + maxRoutes*routeRecordLen

)

// AllowedURLsSep joins a route's OAuth allowed-URL patterns into the
// fixed-size WireRoute.AllowedURLs field; "|" never appears in a path
// pattern. Callers encoding/decoding WireRoute.AllowedURLs should split
// and join on this separator.
const AllowedURLsSep = "|"

// WireRoute is the fixed-size, shared-memory representation of a route
// descriptor (spec.md §9 OQ2: route strings are length-capped, not
// dynamically sized).
type WireRoute struct {
	Kind        uint8
	PathPrefix  string
	TargetHost  string
	TargetPort  int32
	LocalPath   string
	Auth        uint8
	Charset     string
	AppKey      string
	AppSecret   string
	AllowedURLs string // patterns joined by AllowedURLsSep
}

// Snapshot is the in-process, decoded form of the configuration
// snapshot (spec.md §3).
type Snapshot struct {
	Version              uint64
	UpdateTime           time.Time
	WorkerCount          int32
	ListenPort           int32
	MaxConnectionsPerIP  int32
	MaxRequestsPerSecond int32
	Routes               []WireRoute
}

// Mutex is a cross-process counting lock initialized to 1, implemented
// over flock(2) (spec.md §4.10).
type Mutex struct {
	f *os.File
}

// NewMutex opens (creating if necessary) the lock file at path.
func NewMutex(path string) (*Mutex, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, err
	}
	return &Mutex{f: f}, nil
}

// Lock acquires the exclusive lock, blocking until available.
func (m *Mutex) Lock() error {
	return unix.Flock(int(m.f.Fd()), unix.LOCK_EX)
}

// Unlock releases the lock.
func (m *Mutex) Unlock() error {
	return unix.Flock(int(m.f.Fd()), unix.LOCK_UN)
}

// Close closes the underlying lock file.
func (m *Mutex) Close() error { return m.f.Close() }

// ConfigRegion is the mmap'd configuration broadcast region.
type ConfigRegion struct {
	mu   sync.Mutex // in-process guard around the mapped bytes
	lock *Mutex     // cross-process guard
	file *os.File
	data []byte
}

// CreateConfigRegion creates (or truncates) the backing file at path,
// sizes it to regionLen, and maps it MAP_SHARED. Called once by Master
// at startup.
func CreateConfigRegion(path, lockPath string) (*ConfigRegion, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, err
	}

	if err := f.Truncate(int64(regionLen)); err != nil {
		f.Close()
		return nil, err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, regionLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	lock, err := NewMutex(lockPath)
	if err != nil {
		_ = unix.Munmap(data)
		f.Close()
		return nil, err
	}

	return &ConfigRegion{lock: lock, file: f, data: data}, nil
}

// OpenConfigRegion attaches to an existing region file (called by a
// Worker, which derives the path from the listen port the same way
// Master does).
func OpenConfigRegion(path, lockPath string) (*ConfigRegion, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o640)
	if err != nil {
		return nil, err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, regionLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	lock, err := NewMutex(lockPath)
	if err != nil {
		_ = unix.Munmap(data)
		f.Close()
		return nil, err
	}

	return &ConfigRegion{lock: lock, file: f, data: data}, nil
}

// Close unmaps the region and closes file handles.
func (c *ConfigRegion) Close() error {
	_ = c.lock.Close()
	err := unix.Munmap(c.data)
	c.file.Close()
	return err
}

// Publish writes a new snapshot atomically: the lock ensures readers
// never observe a torn mix of old and new bytes (spec.md §4.10
// invariant).
func (c *ConfigRegion) Publish(s Snapshot) error {
	if len(s.Routes) > maxRoutes {
		return fmt.Errorf("shared: %d routes exceeds capacity %d", len(s.Routes), maxRoutes)
	}

	buf := make([]byte, regionLen)
	binary.BigEndian.PutUint32(buf[0:4], magic)
	binary.BigEndian.PutUint64(buf[4:12], s.Version)
	binary.BigEndian.PutUint64(buf[12:20], uint64(s.UpdateTime.UnixNano()))
	binary.BigEndian.PutUint32(buf[20:24], uint32(len(s.Routes)))
	binary.BigEndian.PutUint32(buf[24:28], uint32(s.WorkerCount))
	binary.BigEndian.PutUint32(buf[28:32], uint32(s.ListenPort))
	binary.BigEndian.PutUint32(buf[32:36], uint32(s.MaxConnectionsPerIP))
	binary.BigEndian.PutUint32(buf[36:40], uint32(s.MaxRequestsPerSecond))

	off := headerLen
	for _, r := range s.Routes {
		buf[off] = r.Kind
		putFixedString(buf[off+1:off+1+128], r.PathPrefix)
		putFixedString(buf[off+129:off+129+128], r.TargetHost)
		binary.BigEndian.PutUint32(buf[off+257:off+261], uint32(r.TargetPort))
		putFixedString(buf[off+261:off+261+256], r.LocalPath)
		buf[off+517] = r.Auth
		putFixedString(buf[off+518:off+518+32], r.Charset)
		putFixedString(buf[off+550:off+550+64], r.AppKey)
		putFixedString(buf[off+614:off+614+64], r.AppSecret)
		putFixedString(buf[off+678:off+678+256], r.AllowedURLs)
		off += routeRecordLen
	}

	if err := c.lock.Lock(); err != nil {
		return err
	}
	defer c.lock.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	copy(c.data, buf)
	return nil
}

// Load reads a private, fully-formed copy of the current snapshot.
// Readers either see the complete previous snapshot or the complete
// new one, never a torn mix (spec.md §4.10).
func (c *ConfigRegion) Load() (Snapshot, error) {
	if err := c.lock.Lock(); err != nil {
		return Snapshot{}, err
	}
	defer c.lock.Unlock()

	c.mu.Lock()
	buf := make([]byte, regionLen)
	copy(buf, c.data)
	c.mu.Unlock()

	if binary.BigEndian.Uint32(buf[0:4]) != magic {
		return Snapshot{}, fmt.Errorf("shared: config region not initialized")
	}

	s := Snapshot{
		Version:              binary.BigEndian.Uint64(buf[4:12]),
		UpdateTime:           time.Unix(0, int64(binary.BigEndian.Uint64(buf[12:20]))),
		WorkerCount:          int32(binary.BigEndian.Uint32(buf[24:28])),
		ListenPort:           int32(binary.BigEndian.Uint32(buf[28:32])),
		MaxConnectionsPerIP:  int32(binary.BigEndian.Uint32(buf[32:36])),
		MaxRequestsPerSecond: int32(binary.BigEndian.Uint32(buf[36:40])),
	}

	count := int(binary.BigEndian.Uint32(buf[20:24]))
	if count > maxRoutes {
		// a reader must never observe a route count exceeding the number
		// of valid entries (spec.md §8 reload-atomicity invariant)
		count = maxRoutes
	}

	off := headerLen
	s.Routes = make([]WireRoute, 0, count)
	for i := 0; i < count; i++ {
		r := WireRoute{
			Kind:        buf[off],
			PathPrefix:  getFixedString(buf[off+1 : off+1+128]),
			TargetHost:  getFixedString(buf[off+129 : off+129+128]),
			TargetPort:  int32(binary.BigEndian.Uint32(buf[off+257 : off+261])),
			LocalPath:   getFixedString(buf[off+261 : off+261+256]),
			Auth:        buf[off+517],
			Charset:     getFixedString(buf[off+518 : off+518+32]),
			AppKey:      getFixedString(buf[off+550 : off+550+64]),
			AppSecret:   getFixedString(buf[off+614 : off+614+64]),
			AllowedURLs: getFixedString(buf[off+678 : off+678+256]),
		}
		s.Routes = append(s.Routes, r)
		off += routeRecordLen
	}

	return s, nil
}

func putFixedString(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	n := copy(dst, s)
	if n < len(dst) {
		dst[n] = 0
	}
}

func getFixedString(src []byte) string {
	n := 0
	for n < len(src) && src[n] != 0 {
		n++
	}
	return string(src[:n])
}
