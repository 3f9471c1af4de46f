package roster

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	t.Parallel()
	data := []byte(`name: research
team:
  - identity: president
    role: supervisor
    prompt: "coordinate"
  - identity: worker1
    command: "python3"
    args: ["-u", "agent.py"]
`)
	team, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if team.Name != "research" {
		t.Errorf("Name = %q, want research", team.Name)
	}
	if len(team.Members) != 2 {
		t.Fatalf("Members = %d, want 2", len(team.Members))
	}
	if team.Members[1].Command != "python3" {
		t.Errorf("Command = %q, want python3", team.Members[1].Command)
	}
	if got := team.Identities(); got[0] != "president" || got[1] != "worker1" {
		t.Errorf("Identities() = %v, want file order", got)
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data string
		want string
	}{
		{"empty team", "team: []", "no team members"},
		{"missing identity", "team:\n  - role: worker", "identity"},
		{"duplicate identity", "team:\n  - identity: w1\n  - identity: w1", "duplicate"},
		{"invalid identity", "team:\n  - identity: \"a b\"", "identity"},
		{"bad yaml", "team: [", "parsing roster"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestMember_Lookup(t *testing.T) {
	t.Parallel()
	team, err := Parse([]byte(SampleYAML))
	if err != nil {
		t.Fatalf("sample roster must parse: %v", err)
	}
	m, ok := team.Member("boss1")
	if !ok {
		t.Fatal("boss1 should exist in sample roster")
	}
	if m.Role != "manager" {
		t.Errorf("Role = %q, want manager", m.Role)
	}
	if _, ok := team.Member("nobody"); ok {
		t.Error("lookup of missing member should fail")
	}
}

func TestWriteSample(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "team.yaml")
	if err := WriteSample(path); err != nil {
		t.Fatalf("WriteSample() error: %v", err)
	}

	team, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of sample failed: %v", err)
	}
	if len(team.Members) != 5 {
		t.Errorf("sample team has %d members, want 5", len(team.Members))
	}

	// Second write must refuse to clobber.
	if err := WriteSample(path); err == nil {
		t.Error("WriteSample over existing file should fail")
	}
}

func TestWriteSample_RejectsNonYAMLExtension(t *testing.T) {
	t.Parallel()
	err := WriteSample(filepath.Join(t.TempDir(), "team.toml"))
	if err == nil {
		t.Fatal("expected extension error")
	}
	if !strings.Contains(err.Error(), ".yaml") {
		t.Errorf("error = %v, want extension hint", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}
