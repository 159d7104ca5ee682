package logs

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/debug-host/debug-host/pkg/types"
)

// DefaultRingCapacity bounds the in-memory tail per container
const DefaultRingCapacity = 2000

// ring is a fixed-capacity FIFO of log entries
type ring struct {
	entries []types.LogEntry
	start   int
	count   int
}

func newRing(capacity int) *ring {
	return &ring{entries: make([]types.LogEntry, capacity)}
}

func (r *ring) append(e types.LogEntry) {
	if r.count < len(r.entries) {
		r.entries[(r.start+r.count)%len(r.entries)] = e
		r.count++
		return
	}
	// Full: overwrite the oldest
	r.entries[r.start] = e
	r.start = (r.start + 1) % len(r.entries)
}

func (r *ring) snapshot() []types.LogEntry {
	out := make([]types.LogEntry, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.entries[(r.start+i)%len(r.entries)]
	}
	return out
}

// containerBuf couples a container's ring with its per-day file
type containerBuf struct {
	ring *ring
	dir  string
	day  string
	file *os.File
}

// Store owns the per-container ring buffers and append-only day files under
// logs/<container>/<YYYY-MM-DD>.log.
type Store struct {
	mu       sync.RWMutex
	bufs     map[string]*containerBuf
	baseDir  string
	capacity int
	now      func() time.Time
}

// NewStore creates a log store rooted at baseDir
func NewStore(baseDir string, capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Store{
		bufs:     make(map[string]*containerBuf),
		baseDir:  baseDir,
		capacity: capacity,
		now:      time.Now,
	}
}

// Append records an entry in the container's ring and day file
func (s *Store) Append(containerName string, e types.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.bufs[containerName]
	if !ok {
		buf = &containerBuf{
			ring: newRing(s.capacity),
			dir:  filepath.Join(s.baseDir, containerName),
		}
		s.bufs[containerName] = buf
	}
	buf.ring.append(e)
	return s.persistLocked(buf, e)
}

// persistLocked appends one JSON line, rotating the file on date change
func (s *Store) persistLocked(buf *containerBuf, e types.LogEntry) error {
	day := s.now().Format("2006-01-02")
	if buf.file == nil || buf.day != day {
		if buf.file != nil {
			buf.file.Close()
		}
		if err := os.MkdirAll(buf.dir, 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(buf.dir, day+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		buf.file = f
		buf.day = day
	}

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := buf.file.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// Tail returns up to n most recent entries for a container, oldest first
func (s *Store) Tail(containerName string, n int) []types.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf, ok := s.bufs[containerName]
	if !ok {
		return nil
	}
	all := buf.ring.snapshot()
	if n > 0 && len(all) > n {
		return all[len(all)-n:]
	}
	return all
}

// Containers lists the containers with buffered entries
func (s *Store) Containers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.bufs))
	for name := range s.bufs {
		out = append(out, name)
	}
	return out
}

// ReadPersisted scans every day file for a container, oldest day first.
// Lines that fail to parse are skipped.
func (s *Store) ReadPersisted(containerName string) ([]types.LogEntry, error) {
	dir := filepath.Join(s.baseDir, containerName)
	names, err := filepath.Glob(filepath.Join(dir, "*.log"))
	if err != nil {
		return nil, err
	}

	var out []types.LogEntry
	for _, name := range names {
		f, err := os.Open(name)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var e types.LogEntry
			if json.Unmarshal(scanner.Bytes(), &e) == nil {
				out = append(out, e)
			}
		}
		f.Close()
	}
	return out, nil
}

// Close flushes and closes all open day files
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, buf := range s.bufs {
		if buf.file != nil {
			buf.file.Close()
			buf.file = nil
		}
	}
}
