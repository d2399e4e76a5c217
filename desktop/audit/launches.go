package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// EventType represents the type of launch event
type EventType string

const (
	EventSpawned       EventType = "spawned"
	EventReady         EventType = "ready"
	EventHealthTimeout EventType = "health_timeout"
	EventExited        EventType = "exited"
	EventSpawnFailed   EventType = "spawn_failed"
)

// LaunchEvent represents one step of a sidecar launch stored in the database
type LaunchEvent struct {
	ID        string `db:"id" json:"id"`
	RunID     string `db:"run_id" json:"runId"`
	EventType string `db:"event_type" json:"eventType"`
	Timestamp int64  `db:"timestamp" json:"timestamp"` // Unix milliseconds, UTC
	Host      string `db:"host" json:"host"`
	Port      int    `db:"port" json:"port"`
	PID       *int   `db:"pid" json:"pid,omitempty"`             // Nullable before spawn
	ExitCode  *int   `db:"exit_code" json:"exitCode,omitempty"` // Nullable unless exited
	Detail    string `db:"detail" json:"detail"`
}

// Time returns the event timestamp.
func (e LaunchEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// Logger records the launch history of the backend sidecar
type Logger struct {
	db *sqlx.DB
}

// NewLogger creates a new launch history logger
func NewLogger(db *sqlx.DB) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Logger{
		db: db,
	}, nil
}

// DBInit initializes the launch events database table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS launch_events (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		host TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		pid INTEGER,
		exit_code INTEGER,
		detail TEXT NOT NULL DEFAULT ''
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_launch_events_timestamp ON launch_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_launch_events_run_id ON launch_events(run_id)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_launch_events_event_type ON launch_events(event_type)`)
	return err
}

// NewRunID returns a fresh identifier grouping the events of one launch.
func NewRunID() string {
	return uuid.New().String()
}

func (l *Logger) insertEvent(event *LaunchEvent) error {
	event.ID = uuid.New().String()
	event.Timestamp = time.Now().UTC().UnixMilli()
	_, err := l.db.NamedExec(`
		INSERT INTO launch_events (
			id, run_id, event_type, timestamp, host, port, pid, exit_code, detail
		) VALUES (
			:id, :run_id, :event_type, :timestamp, :host, :port, :pid, :exit_code, :detail
		)`, event)
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", event.EventType, err)
	}
	return nil
}

// LogSpawned logs a successful sidecar spawn
func (l *Logger) LogSpawned(runID, host string, port uint16, pid int) error {
	return l.insertEvent(&LaunchEvent{
		RunID:     runID,
		EventType: string(EventSpawned),
		Host:      host,
		Port:      int(port),
		PID:       &pid,
	})
}

// LogSpawnFailed logs a sidecar that could not be located or started
func (l *Logger) LogSpawnFailed(runID, host string, port uint16, cause error) error {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return l.insertEvent(&LaunchEvent{
		RunID:     runID,
		EventType: string(EventSpawnFailed),
		Host:      host,
		Port:      int(port),
		Detail:    detail,
	})
}

// LogReady logs the health gate resolving with a healthy probe
func (l *Logger) LogReady(runID, host string, port uint16, pid int, attempts int) error {
	return l.insertEvent(&LaunchEvent{
		RunID:     runID,
		EventType: string(EventReady),
		Host:      host,
		Port:      int(port),
		PID:       &pid,
		Detail:    fmt.Sprintf("attempts=%d", attempts),
	})
}

// LogHealthTimeout logs the health gate exhausting its attempt budget
func (l *Logger) LogHealthTimeout(runID, host string, port uint16, pid int, attempts int) error {
	return l.insertEvent(&LaunchEvent{
		RunID:     runID,
		EventType: string(EventHealthTimeout),
		Host:      host,
		Port:      int(port),
		PID:       &pid,
		Detail:    fmt.Sprintf("attempts=%d", attempts),
	})
}

// LogExited logs the termination of the sidecar. exitCode is nil when the
// code could not be obtained.
func (l *Logger) LogExited(runID string, pid int, exitCode *int) error {
	return l.insertEvent(&LaunchEvent{
		RunID:     runID,
		EventType: string(EventExited),
		PID:       &pid,
		ExitCode:  exitCode,
	})
}

// GetEventsByRun retrieves the events of one launch in the order they happened
func (l *Logger) GetEventsByRun(runID string) ([]LaunchEvent, error) {
	var events []LaunchEvent
	err := l.db.Select(&events,
		"SELECT * FROM launch_events WHERE run_id = $1 ORDER BY timestamp ASC, rowid ASC",
		runID)
	return events, err
}

// GetEventsByType retrieves launch events of a specific type
func (l *Logger) GetEventsByType(eventType EventType, limit int) ([]LaunchEvent, error) {
	var events []LaunchEvent
	err := l.db.Select(&events,
		"SELECT * FROM launch_events WHERE event_type = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// GetRecentEvents retrieves the most recent launch events
func (l *Logger) GetRecentEvents(limit int) ([]LaunchEvent, error) {
	var events []LaunchEvent
	err := l.db.Select(&events,
		"SELECT * FROM launch_events ORDER BY timestamp DESC, rowid DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes launch events older than the specified duration
func (l *Logger) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).UnixMilli()
	result, err := l.db.Exec("DELETE FROM launch_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
