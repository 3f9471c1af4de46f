package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Dispatcher.MaxConcurrentSessions != 10 {
		t.Errorf("MaxConcurrentSessions = %d, want 10", cfg.Dispatcher.MaxConcurrentSessions)
	}
	if cfg.Host.Kind != "exec" {
		t.Errorf("Host.Kind = %q, want exec", cfg.Host.Kind)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load with missing file should fall back to defaults: %v", err)
	}
	if cfg.Server.Port != 7620 {
		t.Errorf("Server.Port = %d, want default 7620", cfg.Server.Port)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[dispatcher]
max_concurrent_sessions = 3
idle_timeout = 10

[host]
kind = "local"
stop_grace = 2
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Dispatcher.MaxConcurrentSessions != 3 {
		t.Errorf("MaxConcurrentSessions = %d, want 3", cfg.Dispatcher.MaxConcurrentSessions)
	}
	if cfg.Dispatcher.IdleTimeout != 10 {
		t.Errorf("IdleTimeout = %d, want 10", cfg.Dispatcher.IdleTimeout)
	}
	// Unset fields keep their defaults.
	if cfg.Dispatcher.SendTimeout != 30 {
		t.Errorf("SendTimeout = %d, want default 30", cfg.Dispatcher.SendTimeout)
	}
	if cfg.Host.Kind != "local" {
		t.Errorf("Host.Kind = %q, want local", cfg.Host.Kind)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("not [valid toml"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error for invalid TOML")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HIVE_MAX_SESSIONS", "5")
	t.Setenv("HIVE_SERVER_PORT", "9000")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Dispatcher.MaxConcurrentSessions != 5 {
		t.Errorf("MaxConcurrentSessions = %d, want env override 5", cfg.Dispatcher.MaxConcurrentSessions)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want env override 9000", cfg.Server.Port)
	}
}

func TestValidateDispatcherConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*DispatcherConfig)
		wantErr string
	}{
		{"valid", func(c *DispatcherConfig) {}, ""},
		{"zero bound", func(c *DispatcherConfig) { c.MaxConcurrentSessions = 0 }, "max_concurrent_sessions"},
		{"negative idle", func(c *DispatcherConfig) { c.IdleTimeout = -1 }, "idle_timeout"},
		{"zero readiness", func(c *DispatcherConfig) { c.ReadinessTimeout = 0 }, "readiness_timeout"},
		{"zero send", func(c *DispatcherConfig) { c.SendTimeout = 0 }, "send_timeout"},
		{"zero shutdown", func(c *DispatcherConfig) { c.ShutdownTimeout = 0 }, "shutdown_timeout"},
		{"zero poll", func(c *DispatcherConfig) { c.PollInterval = 0 }, "poll_interval"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default().Dispatcher
			tt.mutate(&cfg)
			err := ValidateDispatcherConfig(&cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateHostConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     HostConfig
		wantErr bool
	}{
		{"exec with command", HostConfig{Kind: "exec", Command: "cat", StopGrace: 5}, false},
		{"pty with command", HostConfig{Kind: "pty", Command: "bash", StopGrace: 5}, false},
		{"local without command", HostConfig{Kind: "local", StopGrace: 5}, false},
		{"exec without command", HostConfig{Kind: "exec", StopGrace: 5}, true},
		{"unknown kind", HostConfig{Kind: "docker", Command: "x", StopGrace: 5}, true},
		{"zero grace", HostConfig{Kind: "local", StopGrace: 0}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateHostConfig(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateHostConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateServerConfig(t *testing.T) {
	t.Parallel()
	if err := ValidateServerConfig(&ServerConfig{Host: "0.0.0.0", Port: 8080}); err != nil {
		t.Errorf("valid server config rejected: %v", err)
	}
	if err := ValidateServerConfig(&ServerConfig{Host: "x", Port: 0}); err == nil {
		t.Error("expected error for port 0")
	}
	if err := ValidateServerConfig(&ServerConfig{Host: "", Port: 80}); err == nil {
		t.Error("expected error for empty host")
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of written default failed: %v", err)
	}
	if cfg.Dispatcher.MaxConcurrentSessions != 10 {
		t.Errorf("round-tripped MaxConcurrentSessions = %d, want 10", cfg.Dispatcher.MaxConcurrentSessions)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir in test environment")
	}
	if got := ExpandHome("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("ExpandHome(~/x) = %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandHome should leave absolute paths alone, got %q", got)
	}
}

func TestDefaultPath_EnvOverride(t *testing.T) {
	t.Setenv("HIVE_CONFIG", "/tmp/custom.toml")
	if got := DefaultPath(); got != "/tmp/custom.toml" {
		t.Errorf("DefaultPath() = %q, want HIVE_CONFIG override", got)
	}
}
