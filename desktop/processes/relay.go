package processes

// BackendLogPrefix tags every relayed line of sidecar output.
const BackendLogPrefix = "[daily-notes-backend]"

// LogSink receives relayed sidecar output. *slog.Logger satisfies it.
type LogSink interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// RelayConfig holds the optional collaborators of RelayLogs.
type RelayConfig struct {
	Buffer  *LogBuffer       // Optional, receives a copy of every line.
	Metrics MetricsCollector // Optional.
}

// RelayLogs drains events in arrival order: stdout lines go to sink.Info,
// stderr lines to sink.Error. It returns when the EventTerminated event is
// observed (nothing after it is forwarded) or when the stream is closed. The
// returned exit code is nil if the stream ended without one.
func RelayLogs(events <-chan OutputEvent, sink LogSink, config RelayConfig) *int {
	metrics := config.Metrics
	if metrics == nil {
		metrics = NewNoopMetricsCollector()
	}

	for event := range events {
		switch event.Kind {
		case EventStdout:
			line := string(event.Data)
			sink.Info(BackendLogPrefix+" "+line, "pid", event.PID)
			if config.Buffer != nil {
				config.Buffer.AddEntry("info", "stdout", line, event.PID)
			}
			metrics.OutputLine(event.Kind)
		case EventStderr:
			line := string(event.Data)
			sink.Error(BackendLogPrefix+" "+line, "pid", event.PID)
			if config.Buffer != nil {
				config.Buffer.AddEntry("error", "stderr", line, event.PID)
			}
			metrics.OutputLine(event.Kind)
		case EventTerminated:
			if event.ExitCode != nil {
				sink.Info(BackendLogPrefix+" process terminated", "pid", event.PID, "exitCode", *event.ExitCode)
			} else {
				sink.Info(BackendLogPrefix+" process terminated", "pid", event.PID)
			}
			return event.ExitCode
		}
	}
	return nil
}
