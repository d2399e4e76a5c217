package processes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperModeEnv = "DAILYNOTES_PROCESSES_HELPER"

// TestMain doubles as a fake sidecar when the helper env var is set.
func TestMain(m *testing.M) {
	switch os.Getenv(helperModeEnv) {
	case "":
		os.Exit(m.Run())
	case "echo":
		fmt.Println("first stdout line")
		fmt.Fprintln(os.Stderr, "only stderr line")
		fmt.Println("second stdout line")
		fmt.Printf("port=%s\n", os.Getenv("TEST_EXTRA"))
		os.Exit(3)
	case "sleep":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "exit":
		os.Exit(0)
	case "hold":
		signal.Ignore(os.Interrupt)
		time.Sleep(time.Minute)
		os.Exit(0)
	case "fork-ignore":
		// Mimics a bootloader that forks the real server and ignores SIGINT.
		signal.Ignore(os.Interrupt)
		child := startHoldingChild()
		fmt.Println("started")
		child.Wait()
		os.Exit(0)
	case "orphan":
		child := startHoldingChild()
		fmt.Printf("grandchild=%d\n", child.Process.Pid)
		os.Exit(0)
	default:
		os.Exit(2)
	}
}

// startHoldingChild starts a copy of the helper that inherits stdout and
// stderr and keeps them open.
func startHoldingChild() *exec.Cmd {
	child := exec.Command(os.Args[0])
	child.Env = append(os.Environ(), helperModeEnv+"=hold")
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	if err := child.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return child
}

func helperSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	supervisor, err := NewSupervisor(Config{
		Resolver: ResolverFunc(func(name string) (string, error) {
			return os.Args[0], nil
		}),
		GracefulShutdownPeriod: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	return supervisor
}

func collectEvents(t *testing.T, events <-chan OutputEvent) []OutputEvent {
	t.Helper()
	var out []OutputEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, event)
		case <-timeout:
			t.Fatal("timed out waiting for output stream to close")
		}
	}
}

func TestNewSupervisorRequiresResolver(t *testing.T) {
	_, err := NewSupervisor(Config{})
	assert.Error(t, err)
}

func TestSpawnStreamsOutputAndExitCode(t *testing.T) {
	supervisor := helperSupervisor(t)

	handle, events, err := supervisor.Spawn(context.Background(), "daily-notes-backend", nil,
		WithEnv(helperModeEnv+"=echo", "TEST_EXTRA=8123"))
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Positive(t, handle.PID)

	all := collectEvents(t, events)
	require.NotEmpty(t, all)

	var stdout, stderr []string
	terminated := 0
	for i, event := range all {
		assert.Equal(t, handle.PID, event.PID)
		switch event.Kind {
		case EventStdout:
			stdout = append(stdout, string(event.Data))
		case EventStderr:
			stderr = append(stderr, string(event.Data))
		case EventTerminated:
			terminated++
			assert.Equal(t, len(all)-1, i, "termination must be the last event")
			require.NotNil(t, event.ExitCode)
			assert.Equal(t, 3, *event.ExitCode)
		}
	}

	assert.Equal(t, 1, terminated)
	assert.Equal(t, []string{"first stdout line", "second stdout line", "port=8123"}, stdout)
	assert.Equal(t, []string{"only stderr line"}, stderr)

	<-handle.Done()
	code, ok := handle.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 3, code)
}

func TestSpawnResolveFailure(t *testing.T) {
	supervisor, err := NewSupervisor(Config{
		Resolver: ResolverFunc(func(name string) (string, error) {
			return "", fmt.Errorf("%w: %s", ErrSidecarNotFound, name)
		}),
	})
	require.NoError(t, err)

	handle, events, err := supervisor.Spawn(context.Background(), "daily-notes-backend", nil)
	assert.Nil(t, handle)
	assert.Nil(t, events)

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "daily-notes-backend", spawnErr.Name)
	assert.True(t, errors.Is(err, ErrSidecarNotFound))
}

func TestSpawnNonExecutable(t *testing.T) {
	path := t.TempDir() + "/not-a-binary"
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o644))

	supervisor, err := NewSupervisor(Config{
		Resolver: ResolverFunc(func(name string) (string, error) { return path, nil }),
	})
	require.NoError(t, err)

	handle, _, err := supervisor.Spawn(context.Background(), "daily-notes-backend", nil)
	assert.Nil(t, handle)
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, path, spawnErr.Path)
}

func TestSpawnCancelledContext(t *testing.T) {
	supervisor := helperSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	handle, _, err := supervisor.Spawn(ctx, "daily-notes-backend", nil)
	assert.Nil(t, handle)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStopTerminatesRunningProcess(t *testing.T) {
	supervisor := helperSupervisor(t)

	handle, events, err := supervisor.Spawn(context.Background(), "daily-notes-backend", nil,
		WithEnv(helperModeEnv+"=sleep"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, handle.Stop(ctx))

	select {
	case <-handle.Done():
	default:
		t.Fatal("process should be reaped once Stop returns")
	}

	all := collectEvents(t, events)
	require.NotEmpty(t, all)
	assert.Equal(t, EventTerminated, all[len(all)-1].Kind)

	// A second Stop is a no-op.
	assert.NoError(t, handle.Stop(ctx))
}

// drainEvents collects the stream in the background.
func drainEvents(events <-chan OutputEvent) (<-chan []OutputEvent, func() []OutputEvent) {
	result := make(chan []OutputEvent, 1)
	var mu sync.Mutex
	var seen []OutputEvent
	go func() {
		for event := range events {
			mu.Lock()
			seen = append(seen, event)
			mu.Unlock()
		}
		mu.Lock()
		result <- append([]OutputEvent(nil), seen...)
		mu.Unlock()
	}()
	snapshot := func() []OutputEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]OutputEvent(nil), seen...)
	}
	return result, snapshot
}

func hasLine(events []OutputEvent, prefix string) bool {
	for _, event := range events {
		if event.Kind == EventStdout && strings.HasPrefix(string(event.Data), prefix) {
			return true
		}
	}
	return false
}

func TestStopKillsForkedHelpersHoldingOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process groups are unix only")
	}
	supervisor, err := NewSupervisor(Config{
		Resolver:               ResolverFunc(func(name string) (string, error) { return os.Args[0], nil }),
		GracefulShutdownPeriod: 300 * time.Millisecond,
	})
	require.NoError(t, err)

	handle, events, err := supervisor.Spawn(context.Background(), "daily-notes-backend", nil,
		WithEnv(helperModeEnv+"=fork-ignore"))
	require.NoError(t, err)
	result, snapshot := drainEvents(events)

	require.Eventually(t, func() bool { return hasLine(snapshot(), "started") }, 10*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, handle.Stop(ctx))
	assert.Less(t, time.Since(start), 5*time.Second)

	select {
	case <-handle.Done():
	default:
		t.Fatal("process should be reaped once Stop returns")
	}

	select {
	case all := <-result:
		require.NotEmpty(t, all)
		assert.Equal(t, EventTerminated, all[len(all)-1].Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("output stream was not closed after Stop")
	}
}

func TestExitIsReportedWhileHelperHoldsOutput(t *testing.T) {
	supervisor, err := NewSupervisor(Config{
		Resolver:         ResolverFunc(func(name string) (string, error) { return os.Args[0], nil }),
		OutputDrainDelay: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	handle, events, err := supervisor.Spawn(context.Background(), "daily-notes-backend", nil,
		WithEnv(helperModeEnv+"=orphan"))
	require.NoError(t, err)
	result, _ := drainEvents(events)

	// Stop on an exited handle still clears out the helper left behind.
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		handle.Stop(ctx)
	})

	select {
	case all := <-result:
		require.NotEmpty(t, all)
		assert.True(t, hasLine(all, "grandchild="))
		last := all[len(all)-1]
		assert.Equal(t, EventTerminated, last.Kind)
		require.NotNil(t, last.ExitCode)
		assert.Equal(t, 0, *last.ExitCode)
	case <-time.After(10 * time.Second):
		t.Fatal("termination was not reported while a helper held the pipes")
	}
}

func TestStopAfterProcessFinished(t *testing.T) {
	cmd := exec.Command(os.Args[0])
	cmd.Env = append(os.Environ(), helperModeEnv+"=exit")
	configureProcessGroup(cmd)
	require.NoError(t, cmd.Start())
	waitErr := cmd.Wait()

	// Reaped but not yet marked exited: signalling reports the process as gone.
	handle := &ProcessHandle{
		Name:            "daily-notes-backend",
		PID:             cmd.Process.Pid,
		cmd:             cmd,
		gracefulTimeout: time.Minute,
		done:            make(chan struct{}),
	}
	time.AfterFunc(50*time.Millisecond, func() { handle.markExited(waitErr) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, handle.Stop(ctx))

	code, ok := handle.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 0, code)
}
