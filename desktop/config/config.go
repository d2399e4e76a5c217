// Package config loads the desktop shell configuration. Values are layered:
// built-in defaults, then an optional YAML file, then DAILYNOTES_* environment
// variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/tomyedwab/dailynotes/desktop/processes"
)

const envPrefix = "DAILYNOTES"

const (
	PortPolicyFixed = "fixed"
	PortPolicyProbe = "probe"
)

// Config is the desktop shell configuration.
type Config struct {
	SidecarName       string   `yaml:"sidecar_name" split_words:"true"`
	SidecarDir        string   `yaml:"sidecar_dir" split_words:"true"` // Empty means next to the executable
	SidecarArgs       []string `yaml:"sidecar_args" split_words:"true"`
	SidecarSearchPath bool     `yaml:"sidecar_search_path" split_words:"true"`

	Host         string `yaml:"host" split_words:"true"`
	Port         uint16 `yaml:"port" split_words:"true"`
	PortPolicy   string `yaml:"port_policy" split_words:"true"`
	ProbeMinPort int    `yaml:"probe_min_port" split_words:"true"`
	ProbeMaxPort int    `yaml:"probe_max_port" split_words:"true"`

	HealthPath           string        `yaml:"health_path" split_words:"true"`
	HealthAttempts       int           `yaml:"health_attempts" split_words:"true"`
	HealthInterval       time.Duration `yaml:"health_interval" split_words:"true"`
	HealthRequestTimeout time.Duration `yaml:"health_request_timeout" split_words:"true"`

	GracefulShutdownPeriod time.Duration `yaml:"graceful_shutdown_period" split_words:"true"`

	DataDir        string `yaml:"data_dir" split_words:"true"`
	BackendLogFile string `yaml:"backend_log_file" split_words:"true"` // Sidecar log file path, ~ and $VARS expanded by the sidecar

	ControlAddr string   `yaml:"control_addr" split_words:"true"` // Empty disables the control API
	ControlAuth bool     `yaml:"control_auth" split_words:"true"`
	UIOrigins   []string `yaml:"ui_origins" split_words:"true"`

	LogLevel      string `yaml:"log_level" split_words:"true"`
	LogBufferSize int    `yaml:"log_buffer_size" split_words:"true"`
	HistoryDB     string `yaml:"history_db" split_words:"true"` // Empty means <data_dir>/history.db
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SidecarName:            "daily-notes-backend",
		Host:                   "127.0.0.1",
		Port:                   processes.DefaultBackendPort,
		PortPolicy:             PortPolicyFixed,
		ProbeMinPort:           18000,
		ProbeMaxPort:           18999,
		HealthPath:             processes.DefaultHealthPath,
		HealthAttempts:         processes.DefaultHealthAttempts,
		HealthInterval:         processes.DefaultHealthInterval,
		HealthRequestTimeout:   2 * time.Second,
		GracefulShutdownPeriod: 5 * time.Second,
		ControlAddr:            "127.0.0.1:8765",
		UIOrigins:              []string{"http://localhost:5173", "http://localhost:3000", "tauri://localhost"},
		LogLevel:               "info",
		LogBufferSize:          1000,
	}
}

// Load builds a Config from the defaults, the YAML file at path (skipped when
// path is empty) and the environment. The result is validated.
func Load(path string) (*Config, error) {
	conf := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()
		if err := decodeYAML(f, &conf); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(envPrefix, &conf); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func decodeYAML(r io.Reader, conf *Config) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(conf)
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs []error
	if c.SidecarName == "" {
		errs = append(errs, errors.New("sidecar_name must not be empty"))
	}
	if c.Host == "" {
		errs = append(errs, errors.New("host must not be empty"))
	}
	switch c.PortPolicy {
	case PortPolicyFixed:
	case PortPolicyProbe:
		rangeSet := c.ProbeMinPort != 0 || c.ProbeMaxPort != 0
		if rangeSet && (c.ProbeMinPort <= 0 || c.ProbeMaxPort > 65535 || c.ProbeMinPort > c.ProbeMaxPort) {
			errs = append(errs, fmt.Errorf("invalid probe port range [%d, %d]", c.ProbeMinPort, c.ProbeMaxPort))
		}
	default:
		errs = append(errs, fmt.Errorf("port_policy must be %q or %q, got %q", PortPolicyFixed, PortPolicyProbe, c.PortPolicy))
	}
	if c.HealthAttempts <= 0 {
		errs = append(errs, fmt.Errorf("health_attempts must be positive, got %d", c.HealthAttempts))
	}
	if c.HealthInterval < 0 {
		errs = append(errs, fmt.Errorf("health_interval must not be negative, got %s", c.HealthInterval))
	}
	if c.HealthRequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("health_request_timeout must not be negative, got %s", c.HealthRequestTimeout))
	}
	if c.GracefulShutdownPeriod < 0 {
		errs = append(errs, fmt.Errorf("graceful_shutdown_period must not be negative, got %s", c.GracefulShutdownPeriod))
	}
	if !strings.HasPrefix(c.HealthPath, "/") {
		errs = append(errs, fmt.Errorf("health_path must start with '/', got %q", c.HealthPath))
	}
	if c.LogBufferSize < 0 {
		errs = append(errs, fmt.Errorf("log_buffer_size must not be negative, got %d", c.LogBufferSize))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NewPortPolicy returns the PortPolicy selected by the configuration.
func (c *Config) NewPortPolicy() (processes.PortPolicy, error) {
	switch c.PortPolicy {
	case PortPolicyFixed, "":
		return processes.FixedPortPolicy{Port: c.Port}, nil
	case PortPolicyProbe:
		policy, err := processes.NewProbingPortPolicy(c.Host, c.Port, c.ProbeMinPort, c.ProbeMaxPort)
		if err != nil {
			return nil, err
		}
		return policy, nil
	default:
		return nil, fmt.Errorf("unknown port policy %q", c.PortPolicy)
	}
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log_level %q: %w", s, err)
	}
	return level, nil
}

// ResolvedDataDir returns DataDir, or a per-user default when it is empty.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "daily-notes")
	}
	return filepath.Join(os.TempDir(), "daily-notes")
}

// HistoryPath returns the sqlite path of the launch history.
func (c *Config) HistoryPath() string {
	if c.HistoryDB != "" {
		return c.HistoryDB
	}
	return filepath.Join(c.ResolvedDataDir(), "history.db")
}
