// Package logrelay captures worker output, persists it to an
// append-only per-run log file, and fans it out live to any number of
// attached observers.
//
// The log file is the source of truth: every chunk is appended to disk
// before observers are signaled, and observers read their own cursor
// over the file. A late attachment therefore sees exactly the same
// ordered byte stream as a live one, with no gaps and no duplication.
package logrelay

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/runforge/runforge/pkg/logging"
	"github.com/runforge/runforge/pkg/models"
)

const (
	logFileName = "run.log"
	// Max bytes emitted per live event. Keeps individual events small
	// enough to stream over chunked HTTP responses.
	maxChunkSize = 32 * 1024
)

// Event is one element of an attached log stream. Either Chunk is
// non-empty, or Status carries the single terminal event that ends
// every stream.
type Event struct {
	Chunk  []byte           `json:"chunk,omitempty"`
	Status models.RunStatus `json:"status,omitempty"`
	Offset int64            `json:"offset"` // file offset after this chunk
}

// Relay owns the per-run log artifacts under runsDir
type Relay struct {
	runsDir string
	logger  *logging.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

// stream tracks one run's append log and its waiters
type stream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	file   *os.File // nil once finished
	path   string
	size   int64
	closed bool
	final  models.RunStatus
}

// New creates a relay rooted at runsDir
func New(runsDir string, logger *logging.Logger) *Relay {
	return &Relay{
		runsDir: runsDir,
		logger:  logger.WithField("component", "logrelay"),
		streams: make(map[string]*stream),
	}
}

// LogPath returns the log file location for a run
func (r *Relay) LogPath(runID string) string {
	return filepath.Join(r.runsDir, runID, logFileName)
}

// Open prepares the append log for a new run. Must be called before
// the worker's output is wired in.
func (r *Relay) Open(runID string) error {
	dir := filepath.Join(r.runsDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create run dir: %w", err)
	}
	file, err := os.OpenFile(r.LogPath(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open run log: %w", err)
	}

	st := &stream{file: file, path: r.LogPath(runID)}
	st.cond = sync.NewCond(&st.mu)

	r.mu.Lock()
	r.streams[runID] = st
	r.mu.Unlock()
	return nil
}

// Write appends a chunk to the run's log and wakes live observers.
// The chunk hits the file before any observer sees it.
func (r *Relay) Write(runID string, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	r.mu.Lock()
	st := r.streams[runID]
	r.mu.Unlock()
	if st == nil {
		return fmt.Errorf("no open log stream for run %s", runID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		// No further chunks are accepted after the terminal event
		return fmt.Errorf("log stream for run %s is closed", runID)
	}
	n, err := st.file.Write(chunk)
	st.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to append run log: %w", err)
	}
	st.cond.Broadcast()
	return nil
}

// Finish emits the terminal status event to all attachments and closes
// the stream. Chunks written afterwards are rejected.
//
// The stream entry is dropped from the map: attached observers hold
// their own reference, and later attachments are rebuilt from the
// persisted log plus the ledger's terminal status. Without this the
// map would grow by one entry per run for the daemon's lifetime.
func (r *Relay) Finish(runID string, status models.RunStatus) {
	r.mu.Lock()
	st := r.streams[runID]
	delete(r.streams, runID)
	r.mu.Unlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	st.final = status
	if st.file != nil {
		if err := st.file.Close(); err != nil {
			r.logger.Warn("failed to close run log", map[string]interface{}{"run_id": runID, "error": err.Error()})
		}
		st.file = nil
	}
	st.cond.Broadcast()
}

// Attach returns a live, ordered event stream for a run starting at
// fromOffset. History is replayed from the persisted log, then the
// stream goes live; a single terminal status event ends it. For runs
// that already finished (or that predate this process), terminal is
// used as the final status and the stream has no live segment.
//
// The returned cancel function detaches the observer; the event
// channel is closed when the stream ends or the observer detaches.
func (r *Relay) Attach(runID string, fromOffset int64, terminal models.RunStatus) (<-chan Event, func(), error) {
	r.mu.Lock()
	st := r.streams[runID]
	r.mu.Unlock()

	if st == nil {
		// Not tracked in this process: serve pure history
		if _, err := os.Stat(r.LogPath(runID)); err != nil {
			return nil, nil, fmt.Errorf("no log for run %s: %w", runID, err)
		}
		if !models.IsTerminalState(terminal) {
			return nil, nil, fmt.Errorf("run %s has a log but no live stream and no terminal status", runID)
		}
		info, err := os.Stat(r.LogPath(runID))
		if err != nil {
			return nil, nil, err
		}
		st = &stream{path: r.LogPath(runID), size: info.Size(), closed: true, final: terminal}
		st.cond = sync.NewCond(&st.mu)
	}

	events := make(chan Event, 16)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			st.mu.Lock()
			st.cond.Broadcast()
			st.mu.Unlock()
		})
	}

	go r.feed(st, events, done, cancel, fromOffset)
	return events, cancel, nil
}

// feed drives one observer: replay from cursor, wait for more, finish
// with the terminal status event.
func (r *Relay) feed(st *stream, events chan<- Event, done <-chan struct{}, cancel func(), cursor int64) {
	defer close(events)

	file, err := os.Open(st.path)
	if err != nil {
		r.logger.Error("failed to open run log for attach", map[string]interface{}{"path": st.path, "error": err.Error()})
		return
	}
	defer file.Close()

	buf := make([]byte, maxChunkSize)
	for {
		st.mu.Lock()
		for st.size <= cursor && !st.closed && !isDone(done) {
			st.cond.Wait()
		}
		size, closed, final := st.size, st.closed, st.final
		st.mu.Unlock()

		if isDone(done) {
			return
		}

		for cursor < size {
			n := size - cursor
			if n > int64(len(buf)) {
				n = int64(len(buf))
			}
			read, err := file.ReadAt(buf[:n], cursor)
			if read > 0 {
				chunk := make([]byte, read)
				copy(chunk, buf[:read])
				cursor += int64(read)
				select {
				case events <- Event{Chunk: chunk, Offset: cursor}:
				case <-done:
					return
				}
			}
			if err != nil && err != io.EOF {
				r.logger.Error("failed to read run log", map[string]interface{}{"path": st.path, "error": err.Error()})
				return
			}
			if read == 0 {
				break
			}
		}

		if closed && cursor >= size {
			select {
			case events <- Event{Status: final, Offset: cursor}:
			case <-done:
			}
			cancel()
			return
		}
	}
}

func isDone(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// ReadRange serves historical log content without blocking. It returns
// up to limit bytes starting at offset plus the next offset to request.
func (r *Relay) ReadRange(runID string, offset, limit int64) ([]byte, int64, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 1<<20 {
		limit = 1 << 20
	}

	file, err := os.Open(r.LogPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, 0, fmt.Errorf("failed to open run log: %w", err)
	}
	defer file.Close()

	buf := make([]byte, limit)
	read, err := file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, 0, fmt.Errorf("failed to read run log: %w", err)
	}
	return buf[:read], offset + int64(read), nil
}

// Size returns the current length of a run's log
func (r *Relay) Size(runID string) (int64, error) {
	r.mu.Lock()
	st := r.streams[runID]
	r.mu.Unlock()
	if st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.size, nil
	}
	info, err := os.Stat(r.LogPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}
