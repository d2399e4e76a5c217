// Package startup wires the sidecar launch sequence: allocate a port, publish
// the endpoint, spawn the backend, then relay its output and wait for it to
// become ready in the background.
package startup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomyedwab/dailynotes/desktop/audit"
	"github.com/tomyedwab/dailynotes/desktop/endpoint"
	"github.com/tomyedwab/dailynotes/desktop/processes"
)

// DefaultSidecarName is the logical name of the bundled backend.
const DefaultSidecarName = "daily-notes-backend"

// Environment passed to the sidecar.
const (
	EnvBackendHost = "TAURI_BACKEND_HOST"
	EnvBackendPort = "TAURI_BACKEND_PORT"
	EnvDataDir     = "TAURI_DESKTOP_DATA_DIR"
	EnvBackendLog  = "TAURI_BACKEND_LOG" // Log file path
)

var ErrAlreadyStarted = errors.New("orchestrator already started")

// Spawner starts the sidecar. *processes.Supervisor implements it.
type Spawner interface {
	Spawn(ctx context.Context, name string, args []string, opts ...processes.SpawnOption) (*processes.ProcessHandle, <-chan processes.OutputEvent, error)
}

// ReadinessGate waits for the sidecar to answer. *processes.HealthGate
// implements it.
type ReadinessGate interface {
	WaitUntilReady(ctx context.Context, ep endpoint.Endpoint, maxAttempts int, interval time.Duration) (processes.HealthResult, error)
}

// EventRecorder persists launch milestones. *audit.Logger implements it.
type EventRecorder interface {
	LogSpawned(runID, host string, port uint16, pid int) error
	LogSpawnFailed(runID, host string, port uint16, cause error) error
	LogReady(runID, host string, port uint16, pid int, attempts int) error
	LogHealthTimeout(runID, host string, port uint16, pid int, attempts int) error
	LogExited(runID string, pid int, exitCode *int) error
}

type noopRecorder struct{}

func (noopRecorder) LogSpawned(string, string, uint16, int) error            { return nil }
func (noopRecorder) LogSpawnFailed(string, string, uint16, error) error      { return nil }
func (noopRecorder) LogReady(string, string, uint16, int, int) error         { return nil }
func (noopRecorder) LogHealthTimeout(string, string, uint16, int, int) error { return nil }
func (noopRecorder) LogExited(string, int, *int) error                       { return nil }

// Phase is the lifecycle stage reported by Status.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseStarting   Phase = "starting"
	PhaseReady      Phase = "ready"
	PhaseTimedOut   Phase = "timed_out"
	PhaseFailed     Phase = "failed"
	PhaseExited     Phase = "exited"
)

// Status is a snapshot of the orchestrator's view of the sidecar.
type Status struct {
	RunID     string     `json:"runId,omitempty"`
	Phase     Phase      `json:"phase"`
	URL       string     `json:"url,omitempty"`
	PID       int        `json:"pid,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	Attempts  int        `json:"attempts,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Uptime returns how long the sidecar has been running, or ran until it
// exited at the time of the snapshot. Zero before spawn.
func (s Status) Uptime(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	return now.Sub(*s.StartedAt)
}

// Config holds configuration options and collaborators for the Orchestrator.
type Config struct {
	SidecarName    string        // Optional, defaults to DefaultSidecarName
	SidecarArgs    []string      // Optional
	WorkDir        string        // Optional, sidecar working directory
	Host           string        // Optional, defaults to 127.0.0.1
	HealthAttempts int           // Optional, defaults to processes.DefaultHealthAttempts
	HealthInterval time.Duration // Optional, defaults to processes.DefaultHealthInterval
	DataDir        string        // Optional, exported to the sidecar when set
	BackendLogFile string        // Optional, log file path exported to the sidecar when set

	PortPolicy processes.PortPolicy       // Optional, defaults to processes.DefaultPortPolicy()
	Registry   *endpoint.Registry         // Required
	Spawner    Spawner                    // Required
	Gate       ReadinessGate              // Required
	Recorder   EventRecorder              // Optional
	Logger     *slog.Logger               // Optional, defaults to slog.Default()
	LogBuffer  *processes.LogBuffer       // Optional, receives relayed output
	Metrics    processes.MetricsCollector // Optional
}

// Orchestrator runs the startup sequence once and owns the spawned sidecar.
type Orchestrator struct {
	config   Config
	logger   *slog.Logger
	sink     processes.LogSink
	recorder EventRecorder

	mu      sync.Mutex
	started bool
	status  Status
	handle  *processes.ProcessHandle
	cancel  context.CancelFunc
	group   *errgroup.Group
	done    chan struct{}
	waitErr error
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(config Config) (*Orchestrator, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("Registry is required")
	}
	if config.Spawner == nil {
		return nil, fmt.Errorf("Spawner is required")
	}
	if config.Gate == nil {
		return nil, fmt.Errorf("Gate is required")
	}
	if config.SidecarName == "" {
		config.SidecarName = DefaultSidecarName
	}
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	if config.HealthAttempts <= 0 {
		config.HealthAttempts = processes.DefaultHealthAttempts
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = processes.DefaultHealthInterval
	}
	if config.PortPolicy == nil {
		config.PortPolicy = processes.DefaultPortPolicy()
	}
	if config.Metrics == nil {
		config.Metrics = processes.NewNoopMetricsCollector()
	}

	recorder := config.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		config:   config,
		logger:   logger.With("component", "StartupOrchestrator"),
		sink:     logger.With("component", "Sidecar"),
		recorder: recorder,
		status:   Status{Phase: PhaseNotStarted},
		done:     make(chan struct{}),
	}, nil
}

// Start allocates the port, publishes the endpoint and spawns the sidecar,
// then returns. Output relay and the health gate continue in the background
// until the sidecar exits or Shutdown is called. A spawn failure is returned
// as a *processes.SpawnError and is fatal. ctx only bounds the synchronous
// steps.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	runID := audit.NewRunID()
	o.status.RunID = runID
	o.mu.Unlock()

	port, err := o.config.PortPolicy.Allocate()
	if err != nil {
		err = fmt.Errorf("failed to allocate backend port: %w", err)
		o.fail(err)
		return err
	}

	ep := endpoint.Endpoint{Host: o.config.Host, Port: port}
	if err := o.config.Registry.Publish(ep); err != nil {
		o.fail(err)
		return fmt.Errorf("failed to publish backend endpoint: %w", err)
	}
	o.updateStatus(func(s *Status) {
		s.Phase = PhaseStarting
		s.URL = ep.URL()
	})
	o.logger.Info("Backend endpoint published", "url", ep.URL(), "runId", runID)

	opts := []processes.SpawnOption{processes.WithEnv(o.sidecarEnv(ep)...)}
	if o.config.WorkDir != "" {
		opts = append(opts, processes.WithWorkDir(o.config.WorkDir))
	}
	handle, events, err := o.config.Spawner.Spawn(ctx, o.config.SidecarName, o.config.SidecarArgs, opts...)
	if err != nil {
		o.logger.Error("Failed to spawn backend", "name", o.config.SidecarName, "error", err)
		o.record(o.recorder.LogSpawnFailed(runID, ep.Host, ep.Port, err))
		o.fail(err)
		return err
	}
	o.record(o.recorder.LogSpawned(runID, ep.Host, ep.Port, handle.PID))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, groupCtx := errgroup.WithContext(runCtx)

	o.mu.Lock()
	o.handle = handle
	o.cancel = cancel
	o.group = group
	o.status.PID = handle.PID
	startedAt := handle.StartTime()
	o.status.StartedAt = &startedAt
	o.mu.Unlock()

	group.Go(func() error {
		exitCode := processes.RelayLogs(events, o.sink, processes.RelayConfig{
			Buffer:  o.config.LogBuffer,
			Metrics: o.config.Metrics,
		})
		o.record(o.recorder.LogExited(runID, handle.PID, exitCode))
		o.updateStatus(func(s *Status) {
			s.Phase = PhaseExited
			s.ExitCode = exitCode
		})
		// Nothing left to probe.
		cancel()
		return nil
	})

	group.Go(func() error {
		result, err := o.config.Gate.WaitUntilReady(groupCtx, ep, o.config.HealthAttempts, o.config.HealthInterval)
		if err != nil {
			o.logger.Debug("Health gate stopped", "attempts", result.Attempts, "error", err)
			return nil
		}
		switch result.Outcome {
		case processes.OutcomeReady:
			o.record(o.recorder.LogReady(runID, ep.Host, ep.Port, handle.PID, result.Attempts))
			o.updateStatus(func(s *Status) {
				s.Attempts = result.Attempts
				if s.Phase == PhaseStarting {
					s.Phase = PhaseReady
				}
			})
		case processes.OutcomeTimedOut:
			o.record(o.recorder.LogHealthTimeout(runID, ep.Host, ep.Port, handle.PID, result.Attempts))
			o.updateStatus(func(s *Status) {
				s.Attempts = result.Attempts
				if s.Phase == PhaseStarting {
					s.Phase = PhaseTimedOut
				}
			})
		}
		return nil
	})

	go func() {
		err := group.Wait()
		cancel()
		o.mu.Lock()
		o.waitErr = err
		o.mu.Unlock()
		close(o.done)
	}()

	return nil
}

// Status returns a snapshot of the current state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	status := o.status
	if o.status.ExitCode != nil {
		code := *o.status.ExitCode
		status.ExitCode = &code
	}
	if o.status.StartedAt != nil {
		startedAt := *o.status.StartedAt
		status.StartedAt = &startedAt
	}
	return status
}

// Done returns a channel that is closed once the background tasks have
// finished, i.e. after the sidecar has exited. It is never closed if Start
// did not spawn a sidecar.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the background tasks have finished. It returns
// immediately if no sidecar was spawned.
func (o *Orchestrator) Wait() error {
	o.mu.Lock()
	spawned := o.group != nil
	o.mu.Unlock()
	if !spawned {
		return nil
	}
	<-o.done
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.waitErr
}

// Shutdown cancels the health gate, stops the sidecar and waits for the
// background tasks, bounded by ctx. It is a no-op when nothing was spawned.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	handle := o.handle
	cancel := o.cancel
	o.mu.Unlock()
	if handle == nil {
		return nil
	}

	o.logger.Info("Shutting down backend", "pid", handle.PID)
	cancel()
	if err := handle.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop backend: %w", err)
	}

	select {
	case <-o.done:
		return o.Wait()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) sidecarEnv(ep endpoint.Endpoint) []string {
	env := []string{
		EnvBackendHost + "=" + ep.Host,
		EnvBackendPort + "=" + strconv.Itoa(int(ep.Port)),
	}
	if o.config.DataDir != "" {
		env = append(env, EnvDataDir+"="+o.config.DataDir)
	}
	if o.config.BackendLogFile != "" {
		env = append(env, EnvBackendLog+"="+o.config.BackendLogFile)
	}
	return env
}

func (o *Orchestrator) updateStatus(fn func(*Status)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.status)
}

func (o *Orchestrator) fail(err error) {
	o.updateStatus(func(s *Status) {
		s.Phase = PhaseFailed
		s.Error = err.Error()
	})
}

func (o *Orchestrator) record(err error) {
	if err != nil {
		o.logger.Warn("Failed to record launch event", "error", err)
	}
}
