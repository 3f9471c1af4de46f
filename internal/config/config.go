// Package config loads and validates hive configuration from TOML.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/Dicklesworthstone/hive/internal/util"
)

// Config is the root configuration, read from config.toml.
type Config struct {
	Log        LogConfig        `toml:"log"`
	Dispatcher DispatcherConfig `toml:"dispatcher"`
	Host       HostConfig       `toml:"host"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Roster     string           `toml:"roster"` // Path to a team roster YAML (optional)
}

// LogConfig configures the append-only message log.
type LogConfig struct {
	Path string `toml:"path"` // JSONL message log path
}

// DispatcherConfig bounds the scheduler. Durations are integer seconds.
type DispatcherConfig struct {
	MaxConcurrentSessions int `toml:"max_concurrent_sessions"` // Bound on live (non-terminated) sessions
	IdleTimeout           int `toml:"idle_timeout"`            // Seconds a ready session may sit idle before being reaped
	ReadinessTimeout      int `toml:"readiness_timeout"`       // Seconds to wait for host readiness
	SendTimeout           int `toml:"send_timeout"`            // Seconds to wait for one delivery
	ShutdownTimeout       int `toml:"shutdown_timeout"`        // Seconds StopAll waits before force-terminating
	PollInterval          int `toml:"poll_interval"`           // Seconds between scheduler housekeeping passes
}

// HostConfig selects and parameterizes the session host backend.
type HostConfig struct {
	Kind         string   `toml:"kind"`          // exec, pty, or local
	Command      string   `toml:"command"`       // Program run for each agent
	Args         []string `toml:"args"`          // Arguments passed to the program
	Dir          string   `toml:"dir"`           // Working directory for spawned hosts
	ReadyPattern string   `toml:"ready_pattern"` // Substring of host output that signals readiness ("" = ready immediately)
	StopGrace    int      `toml:"stop_grace"`    // Seconds between SIGTERM and SIGKILL
}

// ArchiveConfig configures the SQLite history store.
type ArchiveConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host   string `toml:"host"`
	Port   int    `toml:"port"`
	APIKey string `toml:"api_key"` // Non-empty value switches auth from local to api_key mode
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Path: filepath.Join(DataDir(), "messages.jsonl"),
		},
		Dispatcher: DispatcherConfig{
			MaxConcurrentSessions: 10,
			IdleTimeout:           90,
			ReadinessTimeout:      10,
			SendTimeout:           30,
			ShutdownTimeout:       20,
			PollInterval:          1,
		},
		Host: HostConfig{
			Kind:      "exec",
			Command:   "cat", // degenerate echo agent, useful for smoke tests
			StopGrace: 5,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Path:    filepath.Join(DataDir(), "history.db"),
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 7620,
		},
	}
}

// Load reads the config at path (or DefaultPath when empty), layering
// environment overrides over TOML over defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()

	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if v := os.Getenv("HIVE_LOG_PATH"); v != "" {
		cfg.Log.Path = ExpandHome(v)
	}
	if v := os.Getenv("HIVE_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatcher.MaxConcurrentSessions = n
		}
	}
	if v := os.Getenv("HIVE_SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("HIVE_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("HIVE_ROSTER"); v != "" {
		cfg.Roster = ExpandHome(v)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section of the configuration.
func Validate(cfg *Config) error {
	if err := ValidateLogConfig(&cfg.Log); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := ValidateDispatcherConfig(&cfg.Dispatcher); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	if err := ValidateHostConfig(&cfg.Host); err != nil {
		return fmt.Errorf("host: %w", err)
	}
	if err := ValidateServerConfig(&cfg.Server); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// ValidateLogConfig validates the message log configuration.
func ValidateLogConfig(cfg *LogConfig) error {
	if strings.TrimSpace(cfg.Path) == "" {
		return fmt.Errorf("path must not be empty")
	}
	return nil
}

// ValidateDispatcherConfig validates the scheduler bounds.
func ValidateDispatcherConfig(cfg *DispatcherConfig) error {
	if cfg.MaxConcurrentSessions < 1 {
		return fmt.Errorf("max_concurrent_sessions must be at least 1, got %d", cfg.MaxConcurrentSessions)
	}
	if cfg.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", cfg.IdleTimeout)
	}
	if cfg.ReadinessTimeout < 1 {
		return fmt.Errorf("readiness_timeout must be at least 1 second, got %d", cfg.ReadinessTimeout)
	}
	if cfg.SendTimeout < 1 {
		return fmt.Errorf("send_timeout must be at least 1 second, got %d", cfg.SendTimeout)
	}
	if cfg.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", cfg.ShutdownTimeout)
	}
	if cfg.PollInterval < 1 {
		return fmt.Errorf("poll_interval must be at least 1 second, got %d", cfg.PollInterval)
	}
	return nil
}

// ValidateHostConfig validates the host backend selection.
func ValidateHostConfig(cfg *HostConfig) error {
	switch cfg.Kind {
	case "exec", "pty":
		if strings.TrimSpace(cfg.Command) == "" {
			return fmt.Errorf("command must not be empty for %s hosts", cfg.Kind)
		}
	case "local":
	default:
		return fmt.Errorf("invalid host kind %q: must be \"exec\", \"pty\", or \"local\"", cfg.Kind)
	}
	if cfg.StopGrace < 1 {
		return fmt.Errorf("stop_grace must be at least 1 second, got %d", cfg.StopGrace)
	}
	return nil
}

// ValidateServerConfig validates the HTTP server configuration.
func ValidateServerConfig(cfg *ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", cfg.Port)
	}
	if strings.TrimSpace(cfg.Host) == "" {
		return fmt.Errorf("host must not be empty")
	}
	return nil
}

// WriteDefault writes the default configuration as TOML to path, creating
// parent directories. Used by "hive init".
func WriteDefault(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(Default()); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	return util.AtomicWriteFile(path, buf.Bytes(), 0644)
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	if env := os.Getenv("HIVE_CONFIG"); env != "" {
		return ExpandHome(env)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "hive", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		// Fallback to /tmp when home directory is unavailable (e.g., containers)
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "hive", "config.toml")
}

// DataDir returns the directory for runtime data (message log, archive).
func DataDir() string {
	if env := os.Getenv("HIVE_DATA_DIR"); env != "" {
		return ExpandHome(env)
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "hive")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "share", "hive")
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
