package processes

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	defaultGracefulShutdownPeriod = 5 * time.Second
	defaultOutputBuffer           = 256
	defaultOutputDrainDelay       = 2 * time.Second
	maxOutputLineBytes            = 1024 * 1024
)

// SpawnError is returned when a sidecar cannot be located or started. No
// child process exists when Spawn returns a SpawnError.
type SpawnError struct {
	Name string
	Path string // Empty when resolution failed.
	Err  error
}

func (e *SpawnError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("failed to spawn sidecar %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("failed to spawn sidecar %s (%s): %v", e.Name, e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

type spawnConfig struct {
	env []string
	dir string
}

// SpawnOption customizes a single Spawn call.
type SpawnOption func(*spawnConfig)

// WithEnv adds KEY=VALUE pairs to the sidecar's environment, on top of the
// parent's environment.
func WithEnv(env ...string) SpawnOption {
	return func(c *spawnConfig) {
		c.env = append(c.env, env...)
	}
}

// WithWorkDir sets the sidecar's working directory.
func WithWorkDir(dir string) SpawnOption {
	return func(c *spawnConfig) {
		c.dir = dir
	}
}

// Config holds configuration options for the Supervisor.
type Config struct {
	Resolver               SidecarResolver  // Required.
	Logger                 *slog.Logger     // Optional, defaults to slog.Default()
	Metrics                MetricsCollector // Optional, defaults to a no-op collector
	GracefulShutdownPeriod time.Duration    // Optional, defaults to 5s
	OutputBuffer           int              // Optional, event channel capacity, defaults to 256
	OutputDrainDelay       time.Duration    // Optional, how long to read output after exit, defaults to 2s
}

// Supervisor spawns sidecar executables and streams their output.
type Supervisor struct {
	resolver               SidecarResolver
	logger                 *slog.Logger
	metrics                MetricsCollector
	gracefulShutdownPeriod time.Duration
	outputBuffer           int
	outputDrainDelay       time.Duration
}

// NewSupervisor creates a new Supervisor.
func NewSupervisor(config Config) (*Supervisor, error) {
	if config.Resolver == nil {
		return nil, fmt.Errorf("SidecarResolver is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = NewNoopMetricsCollector()
	}
	graceful := config.GracefulShutdownPeriod
	if graceful == 0 {
		graceful = defaultGracefulShutdownPeriod
	}
	outputBuffer := config.OutputBuffer
	if outputBuffer <= 0 {
		outputBuffer = defaultOutputBuffer
	}

	drainDelay := config.OutputDrainDelay
	if drainDelay <= 0 {
		drainDelay = defaultOutputDrainDelay
	}

	return &Supervisor{
		resolver:               config.Resolver,
		logger:                 logger.With("component", "Supervisor"),
		metrics:                metrics,
		gracefulShutdownPeriod: graceful,
		outputBuffer:           outputBuffer,
		outputDrainDelay:       drainDelay,
	}, nil
}

// Spawn resolves name to an executable and starts it with args. On success it
// returns a handle to the running process and a stream of its output. The
// stream ends with exactly one EventTerminated event and is then closed; the
// caller must drain it. ctx only guards the start itself: cancelling it later
// does not stop the process, use ProcessHandle.Stop for that.
func (s *Supervisor) Spawn(ctx context.Context, name string, args []string, opts ...SpawnOption) (*ProcessHandle, <-chan OutputEvent, error) {
	var sc spawnConfig
	for _, opt := range opts {
		opt(&sc)
	}

	if err := ctx.Err(); err != nil {
		s.metrics.SidecarSpawnFailed(name)
		return nil, nil, &SpawnError{Name: name, Err: err}
	}

	path, err := s.resolver.Resolve(name)
	if err != nil {
		s.logger.Error("Failed to resolve sidecar", "name", name, "error", err)
		s.metrics.SidecarSpawnFailed(name)
		return nil, nil, &SpawnError{Name: name, Err: err}
	}

	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), sc.env...)
	cmd.Dir = sc.dir
	cmd.Stdin = nil // null device

	configureProcessGroup(cmd)

	// Plain pipes instead of cmd.StdoutPipe: reaping must not depend on the
	// read side reaching EOF, since forked helpers can inherit the write side.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		s.metrics.SidecarSpawnFailed(name)
		return nil, nil, &SpawnError{Name: name, Path: path, Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		s.metrics.SidecarSpawnFailed(name)
		return nil, nil, &SpawnError{Name: name, Path: path, Err: fmt.Errorf("failed to create stderr pipe: %w", err)}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	s.logger.Info("Starting sidecar", "name", name, "path", path, "args", strings.Join(args, " "))
	err = cmd.Start()
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		s.logger.Error("Failed to start sidecar", "name", name, "path", path, "error", err)
		s.metrics.SidecarSpawnFailed(name)
		return nil, nil, &SpawnError{Name: name, Path: path, Err: err}
	}

	handle := &ProcessHandle{
		Name:            name,
		Path:            path,
		PID:             cmd.Process.Pid,
		cmd:             cmd,
		startTime:       time.Now(),
		gracefulTimeout: s.gracefulShutdownPeriod,
		done:            make(chan struct{}),
	}
	s.metrics.SidecarSpawned(name)
	s.logger.Info("Sidecar started", "name", name, "pid", handle.PID)

	events := make(chan OutputEvent, s.outputBuffer)

	var readers sync.WaitGroup
	readers.Add(2)
	go s.scanOutput(&readers, stdoutR, EventStdout, handle, events)
	go s.scanOutput(&readers, stderrR, EventStderr, handle, events)
	readersDone := make(chan struct{})
	go func() {
		readers.Wait()
		close(readersDone)
	}()

	go func() {
		waitErr := cmd.Wait()
		exitCode := handle.markExited(waitErr)

		drainTimer := time.NewTimer(s.outputDrainDelay)
		select {
		case <-readersDone:
		case <-drainTimer.C:
			s.logger.Warn("Sidecar output still held open after exit, closing pipes", "name", name, "pid", handle.PID)
			stdoutR.Close()
			stderrR.Close()
			<-readersDone
		}
		drainTimer.Stop()

		s.metrics.SidecarExited(name, exitCode)
		if exitCode != nil {
			s.logger.Info("Sidecar exited", "name", name, "pid", handle.PID, "exitCode", *exitCode, "error", waitErr)
		} else {
			s.logger.Info("Sidecar exited", "name", name, "pid", handle.PID, "error", waitErr)
		}
		events <- OutputEvent{Kind: EventTerminated, ExitCode: exitCode, PID: handle.PID, Time: time.Now()}
		close(events)
	}()

	return handle, events, nil
}

func (s *Supervisor) scanOutput(wg *sync.WaitGroup, r io.ReadCloser, kind EventKind, handle *ProcessHandle, events chan<- OutputEvent) {
	defer wg.Done()
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOutputLineBytes)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		events <- OutputEvent{Kind: kind, Data: line, PID: handle.PID, Time: time.Now()}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return
		}
		s.logger.Error("Error reading sidecar output", "name", handle.Name, "pid", handle.PID, "stream", kind.String(), "error", err)
		// Keep draining so the child never blocks on a full pipe.
		io.Copy(io.Discard, r)
	}
}
