package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/dailynotes/desktop/processes"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dailynotes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	conf := Default()
	require.NoError(t, conf.Validate())
	assert.Equal(t, "daily-notes-backend", conf.SidecarName)
	assert.Equal(t, "127.0.0.1", conf.Host)
	assert.Equal(t, uint16(8000), conf.Port)
	assert.Equal(t, 30, conf.HealthAttempts)
	assert.Equal(t, time.Second, conf.HealthInterval)
	assert.Equal(t, "/api/notes", conf.HealthPath)
}

func TestLoadWithoutFile(t *testing.T) {
	conf, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Port, conf.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeConfigFile(t, `
port: 9000
port_policy: probe
health_attempts: 5
health_interval: 250ms
ui_origins:
  - http://localhost:1420
log_level: debug
`)
	t.Setenv("DAILYNOTES_PORT", "9100")
	t.Setenv("DAILYNOTES_HEALTH_PATH", "/healthz")

	conf, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint16(9100), conf.Port, "environment overrides the file")
	assert.Equal(t, "/healthz", conf.HealthPath)
	assert.Equal(t, PortPolicyProbe, conf.PortPolicy)
	assert.Equal(t, 5, conf.HealthAttempts)
	assert.Equal(t, 250*time.Millisecond, conf.HealthInterval)
	assert.Equal(t, []string{"http://localhost:1420"}, conf.UIOrigins)
	assert.Equal(t, slog.LevelDebug, conf.SlogLevel())
	assert.Equal(t, "daily-notes-backend", conf.SidecarName, "unset values keep their defaults")
}

func TestLoadBackendLogFile(t *testing.T) {
	path := writeConfigFile(t, "backend_log_file: ~/daily-notes/backend.log\n")
	conf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "~/daily-notes/backend.log", conf.BackendLogFile)

	t.Setenv("DAILYNOTES_BACKEND_LOG_FILE", "/var/log/daily-notes/backend.log")
	conf, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/log/daily-notes/backend.log", conf.BackendLogFile)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfigFile(t, "sidecar_nmae: typo\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadEmptyFile(t *testing.T) {
	conf, err := Load(writeConfigFile(t, "\n"))
	require.NoError(t, err)
	assert.Equal(t, Default().SidecarName, conf.SidecarName)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty sidecar", func(c *Config) { c.SidecarName = "" }},
		{"empty host", func(c *Config) { c.Host = "" }},
		{"unknown policy", func(c *Config) { c.PortPolicy = "random" }},
		{"inverted range", func(c *Config) { c.PortPolicy = PortPolicyProbe; c.ProbeMinPort = 2000; c.ProbeMaxPort = 1000 }},
		{"zero attempts", func(c *Config) { c.HealthAttempts = 0 }},
		{"negative interval", func(c *Config) { c.HealthInterval = -time.Second }},
		{"relative health path", func(c *Config) { c.HealthPath = "api/notes" }},
		{"bad log level", func(c *Config) { c.LogLevel = "chatty" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := Default()
			tt.mutate(&conf)
			assert.Error(t, conf.Validate())
		})
	}
}

func TestNewPortPolicy(t *testing.T) {
	conf := Default()
	policy, err := conf.NewPortPolicy()
	require.NoError(t, err)
	port, err := policy.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(8000), port)

	conf.PortPolicy = PortPolicyProbe
	policy, err = conf.NewPortPolicy()
	require.NoError(t, err)
	_, ok := policy.(*processes.ProbingPortPolicy)
	assert.True(t, ok)
}

func TestHistoryPath(t *testing.T) {
	conf := Default()
	conf.DataDir = "/var/lib/daily-notes"
	assert.Equal(t, filepath.Join("/var/lib/daily-notes", "history.db"), conf.HistoryPath())

	conf.HistoryDB = "/tmp/h.db"
	assert.Equal(t, "/tmp/h.db", conf.HistoryPath())
}
