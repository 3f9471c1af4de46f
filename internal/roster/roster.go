// Package roster loads YAML team definitions used to start a fixed set of
// agents together (a supervisor, managers, and workers).
package roster

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Dicklesworthstone/hive/internal/session"
	"github.com/Dicklesworthstone/hive/internal/util"
)

// Member defines one named agent in a team.
type Member struct {
	Identity string   `yaml:"identity"`
	Role     string   `yaml:"role,omitempty"`    // free-form: supervisor, manager, worker
	Command  string   `yaml:"command,omitempty"` // overrides the configured host command
	Args     []string `yaml:"args,omitempty"`
	Prompt   string   `yaml:"prompt,omitempty"` // initial instructions submitted after spawn
}

// Team is a named set of members spawned together.
type Team struct {
	Name    string   `yaml:"name,omitempty"`
	Members []Member `yaml:"team"`
}

// Load reads and validates a team file.
func Load(path string) (*Team, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading roster: %w", err)
	}
	return Parse(data)
}

// Parse unmarshals and validates roster YAML.
func Parse(data []byte) (*Team, error) {
	var t Team
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing roster: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks member identities for emptiness, validity, and duplicates.
func (t *Team) Validate() error {
	if len(t.Members) == 0 {
		return fmt.Errorf("roster has no team members")
	}
	seen := make(map[string]bool, len(t.Members))
	for i, m := range t.Members {
		if err := session.ValidateIdentity(m.Identity); err != nil {
			return fmt.Errorf("team member %d: %w", i, err)
		}
		if seen[m.Identity] {
			return fmt.Errorf("duplicate identity %q in roster", m.Identity)
		}
		seen[m.Identity] = true
	}
	return nil
}

// Identities returns member identities in file order.
func (t *Team) Identities() []string {
	ids := make([]string, len(t.Members))
	for i, m := range t.Members {
		ids[i] = m.Identity
	}
	return ids
}

// Member returns the member with the given identity.
func (t *Team) Member(identity string) (Member, bool) {
	for _, m := range t.Members {
		if m.Identity == identity {
			return m, true
		}
	}
	return Member{}, false
}

// SampleYAML is the roster written by "hive init": the classic
// president/boss/workers hierarchy.
const SampleYAML = `name: demo
team:
  - identity: president
    role: supervisor
    prompt: "You oversee the project. Delegate to boss1 and collect results."
  - identity: boss1
    role: manager
    prompt: "You manage worker1..worker3. Split incoming work between them."
  - identity: worker1
    role: worker
  - identity: worker2
    role: worker
  - identity: worker3
    role: worker
`

// WriteSample writes SampleYAML to path unless a file already exists there.
func WriteSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("roster already exists at %s", path)
	} else if !os.IsNotExist(err) {
		return err
	}
	if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
		return fmt.Errorf("roster path must end in .yaml or .yml, got %s", path)
	}
	return util.AtomicWriteFile(path, []byte(SampleYAML), 0644)
}
