// Package tui implements the live dashboard behind "hive watch".
package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Dicklesworthstone/hive/internal/msglog"
	"github.com/Dicklesworthstone/hive/internal/status"
)

// Source is what the dashboard polls for data. *serve.Client satisfies it.
type Source interface {
	Status(ctx context.Context) (status.SystemSnapshot, error)
	Log(ctx context.Context, from uint64, limit int, target string) ([]msglog.Message, error)
}

// DefaultRefreshInterval is the default auto-refresh interval.
const DefaultRefreshInterval = 2 * time.Second

const (
	// fetchTimeout bounds a single poll so a hung server cannot wedge
	// the refresh loop.
	fetchTimeout = 3 * time.Second

	// activityBacklog is how far behind the server's last sequence the
	// first log fetch starts, so a fresh dashboard shows recent history
	// instead of replaying from sequence one.
	activityBacklog = 50

	// activityKeep caps the in-memory activity feed.
	activityKeep = 200
)

// tickMsg drives the auto-refresh cycle.
type tickMsg time.Time

// snapshotMsg carries a fetched status snapshot.
type snapshotMsg struct {
	Snap status.SystemSnapshot
	Err  error
	Gen  int
}

// activityMsg carries newly appended log messages.
type activityMsg struct {
	Messages []msglog.Message
	Err      error
	Gen      int
}

// KeyMap defines dashboard keybindings.
type KeyMap struct {
	Up      key.Binding
	Down    key.Binding
	Refresh key.Binding
	Pause   key.Binding
	Quit    key.Binding
}

var watchKeys = KeyMap{
	Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Pause:   key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "pause/resume auto-refresh")),
	Quit:    key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q/esc", "quit")),
}

// Model is the watch dashboard model.
type Model struct {
	source Source
	addr   string

	width  int
	height int

	spin     spinner.Model
	loaded   bool
	paused   bool
	quitting bool
	err      error

	// gen counts issued fetch cycles. Responses from an older cycle are
	// dropped so a slow poll can never overwrite a newer one.
	gen int

	snap        status.SystemSnapshot
	activity    []msglog.Message
	logFrom     uint64
	cursor      int
	lastRefresh time.Time

	refreshInterval time.Duration
}

// New creates a dashboard model polling source. addr is display-only.
func New(source Source, addr string) Model {
	sp := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(colorAccent)),
	)

	return Model{
		source:          source,
		addr:            addr,
		width:           80,
		height:          24,
		spin:            sp,
		refreshInterval: DefaultRefreshInterval,
	}
}

// NewWithInterval creates a dashboard with a custom refresh interval.
func NewWithInterval(source Source, addr string, interval time.Duration) Model {
	m := New(source, addr)
	if interval > 0 {
		m.refreshInterval = interval
	}
	return m
}

// Run starts the dashboard program and blocks until it exits.
func Run(ctx context.Context, source Source, addr string) error {
	p := tea.NewProgram(New(source, addr), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.fetchStatus(), m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) fetchStatus() tea.Cmd {
	gen := m.gen
	src := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		snap, err := src.Status(ctx)
		return snapshotMsg{Snap: snap, Err: err, Gen: gen}
	}
}

func (m Model) fetchActivity() tea.Cmd {
	gen := m.gen
	src := m.source
	from := m.logFrom
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		msgs, err := src.Log(ctx, from, activityBacklog, "")
		return activityMsg{Messages: msgs, Err: err, Gen: gen}
	}
}

// refresh starts a new fetch cycle. The generation bump invalidates any
// responses still in flight from the previous cycle.
func (m *Model) refresh() tea.Cmd {
	m.gen++
	cmds := []tea.Cmd{m.fetchStatus()}
	if m.loaded {
		cmds = append(cmds, m.fetchActivity())
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		if m.loaded {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tickMsg:
		var cmd tea.Cmd
		if !m.paused {
			cmd = m.refresh()
		}
		return m, tea.Batch(cmd, m.tick())

	case snapshotMsg:
		if msg.Gen != m.gen {
			return m, nil
		}
		m.err = msg.Err
		if msg.Err != nil {
			return m, nil
		}
		m.lastRefresh = time.Now()
		m.snap = msg.Snap
		if m.cursor >= len(m.snap.Sessions) {
			m.cursor = len(m.snap.Sessions) - 1
		}
		if m.cursor < 0 {
			m.cursor = 0
		}
		if !m.loaded {
			m.loaded = true
			if msg.Snap.LastSeq > activityBacklog {
				m.logFrom = msg.Snap.LastSeq - activityBacklog
			}
			return m, m.fetchActivity()
		}
		return m, nil

	case activityMsg:
		if msg.Gen != m.gen || msg.Err != nil {
			return m, nil
		}
		m.appendActivity(msg.Messages)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, watchKeys.Quit):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, watchKeys.Up):
			if m.cursor > 0 {
				m.cursor--
			}

		case key.Matches(msg, watchKeys.Down):
			if m.cursor < len(m.snap.Sessions)-1 {
				m.cursor++
			}

		case key.Matches(msg, watchKeys.Refresh):
			return m, m.refresh()

		case key.Matches(msg, watchKeys.Pause):
			m.paused = !m.paused
		}
	}

	return m, nil
}

func (m *Model) appendActivity(msgs []msglog.Message) {
	for _, mm := range msgs {
		if mm.Seq <= m.logFrom && m.logFrom > 0 {
			continue
		}
		m.activity = append(m.activity, mm)
		if mm.Seq > m.logFrom {
			m.logFrom = mm.Seq
		}
	}
	if len(m.activity) > activityKeep {
		m.activity = m.activity[len(m.activity)-activityKeep:]
	}
}
