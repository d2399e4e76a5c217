package processes

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"
)

// EventKind tags an OutputEvent.
type EventKind int

const (
	// EventStdout carries one line written by the sidecar to stdout.
	EventStdout EventKind = iota
	// EventStderr carries one line written by the sidecar to stderr.
	EventStderr
	// EventTerminated is the last event on a stream; it carries the exit code.
	EventTerminated
)

// String returns a string representation of the EventKind.
func (k EventKind) String() string {
	switch k {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// OutputEvent is produced by a spawned sidecar's I/O streams.
type OutputEvent struct {
	Kind     EventKind
	Data     []byte
	ExitCode *int // Only set on EventTerminated, nil if not obtainable.
	PID      int
	Time     time.Time
}

// ProcessHandle owns a spawned sidecar process. It is created by
// Supervisor.Spawn and must not be copied.
type ProcessHandle struct {
	Name string // Logical sidecar name.
	Path string // Resolved executable path.
	PID  int

	cmd             *exec.Cmd
	startTime       time.Time
	gracefulTimeout time.Duration

	done     chan struct{} // Closed once the process has been reaped.
	mu       sync.Mutex
	exitCode *int
	exitErr  error
	stopOnce sync.Once
	stopErr  error
}

// Done returns a channel that is closed once the process has exited.
func (h *ProcessHandle) Done() <-chan struct{} {
	return h.done
}

// StartTime returns the time the process was started.
func (h *ProcessHandle) StartTime() time.Time {
	return h.startTime
}

// ExitCode returns the exit code once the process has exited. The second
// return value is false while the process is running or when the code is not
// obtainable.
func (h *ProcessHandle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exitCode == nil {
		return 0, false
	}
	return *h.exitCode, true
}

func (h *ProcessHandle) markExited(err error) *int {
	var code *int
	if h.cmd.ProcessState != nil {
		// ExitCode is -1 when the process was killed by a signal.
		c := h.cmd.ProcessState.ExitCode()
		code = &c
	}

	h.mu.Lock()
	h.exitCode = code
	h.exitErr = err
	h.mu.Unlock()

	close(h.done)
	return code
}

// Stop terminates the process and every helper it started in its process
// group: it sends an interrupt, waits for the graceful shutdown period and
// kills the group if the process is still running. Stop returns once the
// process has been reaped or ctx is done. It is safe to call more than once.
func (h *ProcessHandle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.stopErr = h.stop(ctx)
	})
	return h.stopErr
}

func (h *ProcessHandle) stop(ctx context.Context) error {
	select {
	case <-h.done:
		// Leftover group members may still hold the port.
		h.kill()
		return nil
	default:
	}

	if err := interruptProcessTree(h.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		if err := h.kill(); err != nil {
			return err
		}
		return h.waitReaped(ctx)
	}

	gracefulTimer := time.NewTimer(h.gracefulTimeout)
	defer gracefulTimer.Stop()

	select {
	case <-h.done:
		h.kill()
		return nil
	case <-gracefulTimer.C:
		if err := h.kill(); err != nil {
			return err
		}
	case <-ctx.Done():
		h.kill()
		return ctx.Err()
	}

	return h.waitReaped(ctx)
}

// kill sends SIGKILL to the process group. A process that is already gone is
// not an error.
func (h *ProcessHandle) kill() error {
	err := killProcessTree(h.cmd.Process)
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (h *ProcessHandle) waitReaped(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogEntry represents a single line of sidecar output kept in a LogBuffer.
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source"` // "stdout" or "stderr"
	Message   string    `json:"message"`
	PID       int       `json:"pid"`
}

// LogBuffer maintains a circular buffer of recent log entries
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	nextID   int64
}

// NewLogBuffer creates a new log buffer with the specified capacity
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LogBuffer{
		entries:  make([]LogEntry, 0, capacity),
		capacity: capacity,
		nextID:   1,
	}
}

// AddEntry adds a new log entry to the buffer
func (lb *LogBuffer) AddEntry(level, source, message string, pid int) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	entry := LogEntry{
		ID:        lb.nextID,
		Timestamp: time.Now(),
		Level:     level,
		Source:    source,
		Message:   message,
		PID:       pid,
	}

	if len(lb.entries) >= lb.capacity {
		lb.entries = lb.entries[1:]
	}
	lb.entries = append(lb.entries, entry)
	lb.nextID++
}

// GetEntriesFromID returns up to limit entries with ID greater than fromID.
// A non-positive limit returns all of them.
func (lb *LogBuffer) GetEntriesFromID(fromID int64, limit int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	result := make([]LogEntry, 0)
	for _, entry := range lb.entries {
		if entry.ID > fromID {
			result = append(result, entry)
			if limit > 0 && len(result) == limit {
				break
			}
		}
	}
	return result
}

// GetLatestEntries returns the most recent N log entries
func (lb *LogBuffer) GetLatestEntries(count int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if count <= 0 || len(lb.entries) == 0 {
		return []LogEntry{}
	}

	start := len(lb.entries) - count
	if start < 0 {
		start = 0
	}

	result := make([]LogEntry, len(lb.entries)-start)
	copy(result, lb.entries[start:])
	return result
}

// GetLatestID returns the ID of the most recent log entry
func (lb *LogBuffer) GetLatestID() int64 {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if len(lb.entries) == 0 {
		return 0
	}
	return lb.entries[len(lb.entries)-1].ID
}
