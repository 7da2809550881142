package shared

import (
	"encoding/binary"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	maxWorkers       = 32
	workerSlotLen    = 4 + 8 + 8 + 8 + 8 // pid,requests,bytesSent,bytesRecv,lastUpdate
	statsHeaderLen   = 8 + 8 + 8 + 8 + 4 // totalRequests,totalBytesSent,totalBytesRecv,startTime,workerCount
	statsRegionLen   = statsHeaderLen + maxWorkers*workerSlotLen
)

// WorkerStats is one worker's slot in the shared statistics region
// (spec.md §3: "Shared statistics ... workers[0..N-1]").
type WorkerStats struct {
	PID           int32
	Requests      int64
	BytesSent     int64
	BytesReceived int64
	LastUpdate    time.Time
}

// Stats is the decoded shared statistics snapshot.
type Stats struct {
	TotalRequests     int64
	TotalBytesSent    int64
	TotalBytesReceived int64
	StartTime         time.Time
	Workers           []WorkerStats
}

// StatsRegion is the mmap'd cross-process statistics region.
type StatsRegion struct {
	mu   sync.Mutex
	lock *Mutex
	file *os.File
	data []byte
}

// CreateStatsRegion creates and maps the stats region; called once by
// Master at startup.
func CreateStatsRegion(path, lockPath string, start time.Time) (*StatsRegion, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, err
	}

	if err := f.Truncate(int64(statsRegionLen)); err != nil {
		f.Close()
		return nil, err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, statsRegionLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
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

	binary.BigEndian.PutUint64(data[24:32], uint64(start.UnixNano()))

	return &StatsRegion{lock: lock, file: f, data: data}, nil
}

// OpenStatsRegion attaches a Worker to an existing stats region.
func OpenStatsRegion(path, lockPath string) (*StatsRegion, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o640)
	if err != nil {
		return nil, err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, statsRegionLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
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

	return &StatsRegion{lock: lock, file: f, data: data}, nil
}

// Close unmaps and closes the region.
func (s *StatsRegion) Close() error {
	_ = s.lock.Close()
	err := unix.Munmap(s.data)
	s.file.Close()
	return err
}

func workerOffset(slot int) int { return statsHeaderLen + slot*workerSlotLen }

// UpdateWorker writes slot's counters and recomputes the aggregate
// totals under the cross-process lock, per spec.md §4.10: "Each worker
// updates its own slot and recomputes totals under the lock."
func (s *StatsRegion) UpdateWorker(slot int, ws WorkerStats) error {
	if slot < 0 || slot >= maxWorkers {
		return nil
	}

	if err := s.lock.Lock(); err != nil {
		return err
	}
	defer s.lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	off := workerOffset(slot)
	binary.BigEndian.PutUint32(s.data[off:off+4], uint32(ws.PID))
	binary.BigEndian.PutUint64(s.data[off+4:off+12], uint64(ws.Requests))
	binary.BigEndian.PutUint64(s.data[off+12:off+20], uint64(ws.BytesSent))
	binary.BigEndian.PutUint64(s.data[off+20:off+28], uint64(ws.BytesReceived))
	binary.BigEndian.PutUint64(s.data[off+28:off+36], uint64(ws.LastUpdate.UnixNano()))

	s.recomputeTotalsLocked()
	return nil
}

func (s *StatsRegion) recomputeTotalsLocked() {
	var reqs, sent, recv int64
	active := 0

	for i := 0; i < maxWorkers; i++ {
		off := workerOffset(i)
		pid := binary.BigEndian.Uint32(s.data[off : off+4])
		if pid == 0 {
			continue
		}
		active++
		reqs += int64(binary.BigEndian.Uint64(s.data[off+4 : off+12]))
		sent += int64(binary.BigEndian.Uint64(s.data[off+12 : off+20]))
		recv += int64(binary.BigEndian.Uint64(s.data[off+20 : off+28]))
	}

	binary.BigEndian.PutUint64(s.data[0:8], uint64(reqs))
	binary.BigEndian.PutUint64(s.data[8:16], uint64(sent))
	binary.BigEndian.PutUint64(s.data[16:24], uint64(recv))
	binary.BigEndian.PutUint32(s.data[32:36], uint32(active))
}

// Load reads a private copy of the whole stats region.
func (s *StatsRegion) Load() (Stats, error) {
	if err := s.lock.Lock(); err != nil {
		return Stats{}, err
	}
	defer s.lock.Unlock()

	s.mu.Lock()
	buf := make([]byte, statsRegionLen)
	copy(buf, s.data)
	s.mu.Unlock()

	out := Stats{
		TotalRequests:      int64(binary.BigEndian.Uint64(buf[0:8])),
		TotalBytesSent:     int64(binary.BigEndian.Uint64(buf[8:16])),
		TotalBytesReceived: int64(binary.BigEndian.Uint64(buf[16:24])),
		StartTime:          time.Unix(0, int64(binary.BigEndian.Uint64(buf[24:32]))),
	}

	for i := 0; i < maxWorkers; i++ {
		off := workerOffset(i)
		pid := binary.BigEndian.Uint32(buf[off : off+4])
		if pid == 0 {
			continue
		}
		out.Workers = append(out.Workers, WorkerStats{
			PID:           int32(pid),
			Requests:      int64(binary.BigEndian.Uint64(buf[off+4 : off+12])),
			BytesSent:     int64(binary.BigEndian.Uint64(buf[off+12 : off+20])),
			BytesReceived: int64(binary.BigEndian.Uint64(buf[off+20 : off+28])),
			LastUpdate:    time.Unix(0, int64(binary.BigEndian.Uint64(buf[off+28:off+36]))),
		})
	}

	return out, nil
}
