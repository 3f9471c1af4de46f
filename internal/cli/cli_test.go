package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Dicklesworthstone/hive/internal/config"
	"github.com/Dicklesworthstone/hive/internal/dispatch"
	"github.com/Dicklesworthstone/hive/internal/msglog"
	"github.com/Dicklesworthstone/hive/internal/robot"
	"github.com/Dicklesworthstone/hive/internal/roster"
	"github.com/Dicklesworthstone/hive/internal/serve"
	"github.com/Dicklesworthstone/hive/internal/session"
)

func TestParseTaskSpec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    taskSpec
		wantErr bool
	}{
		{
			name: "simple",
			raw:  "worker1: collect the data",
			want: taskSpec{Target: "worker1", Payload: "collect the data"},
		},
		{
			name: "payload keeps later colons",
			raw:  "boss1: report: all green",
			want: taskSpec{Target: "boss1", Payload: "report: all green"},
		},
		{
			name: "extra whitespace",
			raw:  "  worker2 :   do it  ",
			want: taskSpec{Target: "worker2", Payload: "do it"},
		},
		{
			name:    "no colon",
			raw:     "worker1 do it",
			wantErr: true,
		},
		{
			name:    "empty target",
			raw:     ": do it",
			wantErr: true,
		},
		{
			name:    "empty payload",
			raw:     "worker1:",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseTaskSpec(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseTaskSpec(%q) error = nil, want error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTaskSpec(%q) error = %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("parseTaskSpec(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestCollectTasksFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "batch.txt")
	content := "# morning batch\nworker1: fetch the feed\n\nworker2: dedupe entries\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing tasks file: %v", err)
	}

	specs, err := collectTasks([]string{"boss1: summarize"}, path)
	if err != nil {
		t.Fatalf("collectTasks() error = %v", err)
	}
	want := []taskSpec{
		{Target: "boss1", Payload: "summarize"},
		{Target: "worker1", Payload: "fetch the feed"},
		{Target: "worker2", Payload: "dedupe entries"},
	}
	if len(specs) != len(want) {
		t.Fatalf("collectTasks() returned %d specs, want %d", len(specs), len(want))
	}
	for i := range want {
		if specs[i] != want[i] {
			t.Errorf("specs[%d] = %+v, want %+v", i, specs[i], want[i])
		}
	}
}

func TestCollectTasksBadLine(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "batch.txt")
	if err := os.WriteFile(path, []byte("no colon here\n"), 0644); err != nil {
		t.Fatalf("writing tasks file: %v", err)
	}
	if _, err := collectTasks(nil, path); err == nil {
		t.Error("collectTasks() error = nil, want parse error")
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, robot.ExitOK},
		{"plain error", errors.New("boom"), robot.ExitError},
		{"config error", fmt.Errorf("%w: bad toml", errConfig), robot.ExitFatal},
		{"persistence", fmt.Errorf("append: %w", msglog.ErrPersistence), robot.ExitFatal},
		{"halted", fmt.Errorf("submit: %w", dispatch.ErrHalted), robot.ExitFatal},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestNeedsConfig(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]bool{
		"init":       false,
		"help":       false,
		"completion": false,
		"version":    false,
		"serve":      true,
		"status":     true,
		"run":        true,
	} {
		if got := needsConfig(name); got != want {
			t.Errorf("needsConfig(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestHostFactorySelection(t *testing.T) {
	t.Parallel()

	base := config.Default()
	base.Host.Command = "agentd"
	base.Host.Args = []string{"--quiet"}

	team := &roster.Team{Members: []roster.Member{
		{Identity: "president", Command: "presd", Args: []string{"--lead"}},
		{Identity: "worker1"},
	}}

	t.Run("exec with roster override", func(t *testing.T) {
		t.Parallel()
		cfg := *base
		cfg.Host.Kind = "exec"
		factory := hostFactory(&cfg, team)

		h, ok := factory("president").(*session.ExecHost)
		if !ok {
			t.Fatalf("factory(president) = %T, want *session.ExecHost", factory("president"))
		}
		if h.Command != "presd" || len(h.Args) != 1 || h.Args[0] != "--lead" {
			t.Errorf("override not applied: command %q args %v", h.Command, h.Args)
		}

		h, ok = factory("worker1").(*session.ExecHost)
		if !ok {
			t.Fatalf("factory(worker1) is not an ExecHost")
		}
		if h.Command != "agentd" {
			t.Errorf("worker1 command = %q, want configured default", h.Command)
		}
	})

	t.Run("pty", func(t *testing.T) {
		t.Parallel()
		cfg := *base
		cfg.Host.Kind = "pty"
		if _, ok := hostFactory(&cfg, nil)("worker1").(*session.PtyHost); !ok {
			t.Error("kind pty did not produce a PtyHost")
		}
	})

	t.Run("local", func(t *testing.T) {
		t.Parallel()
		cfg := *base
		cfg.Host.Kind = "local"
		if _, ok := hostFactory(&cfg, nil)("worker1").(*session.LocalHost); !ok {
			t.Error("kind local did not produce a LocalHost")
		}
	})
}

func TestDispatcherConfigSeconds(t *testing.T) {
	t.Parallel()

	c := config.Default()
	c.Dispatcher.MaxConcurrentSessions = 4
	c.Dispatcher.IdleTimeout = 7
	c.Host.StopGrace = 3

	dc := dispatcherConfig(c)
	if dc.MaxConcurrentSessions != 4 {
		t.Errorf("MaxConcurrentSessions = %d, want 4", dc.MaxConcurrentSessions)
	}
	if dc.IdleTimeout != 7*time.Second {
		t.Errorf("IdleTimeout = %v, want 7s", dc.IdleTimeout)
	}
	if dc.StopGrace != 3*time.Second {
		t.Errorf("StopGrace = %v, want 3s", dc.StopGrace)
	}
}

func TestAuthConfig(t *testing.T) {
	t.Parallel()

	c := config.Default()
	if got := authConfig(c); got.Mode != serve.AuthModeLocal {
		t.Errorf("auth mode without key = %s, want local", got.Mode)
	}
	c.Server.APIKey = "sekrit"
	got := authConfig(c)
	if got.Mode != serve.AuthModeAPIKey || got.APIKey != "sekrit" {
		t.Errorf("auth with key = %+v, want api_key mode", got)
	}
}

func TestBuildRuntimeRegistersRoster(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := config.Default()
	c.Log.Path = filepath.Join(dir, "messages.jsonl")
	c.Host.Kind = "local"
	c.Archive.Enabled = true
	c.Archive.Path = filepath.Join(dir, "history.db")

	team, err := roster.Parse([]byte(roster.SampleYAML))
	if err != nil {
		t.Fatalf("parsing sample roster: %v", err)
	}

	rt, err := buildRuntime(c, team)
	if err != nil {
		t.Fatalf("buildRuntime() error = %v", err)
	}
	defer rt.Close()

	for _, id := range team.Identities() {
		if !rt.disp.Registered(id) {
			t.Errorf("identity %s not registered", id)
		}
	}
	if rt.arch == nil {
		t.Error("archive enabled but store is nil")
	}
}

func TestRelativeTime(t *testing.T) {
	t.Parallel()

	if got := relativeTime(time.Time{}); got != "-" {
		t.Errorf("relativeTime(zero) = %q, want -", got)
	}
	if got := relativeTime(time.Now().Add(-3 * time.Minute)); got != "3m ago" {
		t.Errorf("relativeTime(3m) = %q, want 3m ago", got)
	}
}
