package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Dicklesworthstone/hive/internal/msglog"
	"github.com/Dicklesworthstone/hive/internal/output"
	"github.com/Dicklesworthstone/hive/internal/session"
)

var (
	colorAccent = lipgloss.Color("69")
	colorReady  = lipgloss.Color("42")
	colorBusy   = lipgloss.Color("39")
	colorWarn   = lipgloss.Color("214")
	colorErr    = lipgloss.Color("196")
	colorDim    = lipgloss.Color("245")
	colorBase   = lipgloss.Color("0")
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	headingStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorDim)
	dimStyle      = lipgloss.NewStyle().Foreground(colorDim)
	errorStyle    = lipgloss.NewStyle().Foreground(colorErr)
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	badgeStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorBase).Padding(0, 1)
)

var stateColors = map[session.State]lipgloss.Color{
	session.StateStarting:   colorWarn,
	session.StateReady:      colorReady,
	session.StateBusy:       colorBusy,
	session.StateStopping:   colorWarn,
	session.StateTerminated: colorDim,
}

var outcomeColors = map[msglog.Outcome]lipgloss.Color{
	msglog.OutcomeSent:         colorBusy,
	msglog.OutcomeAcknowledged: colorReady,
	msglog.OutcomeFailed:       colorErr,
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString("  " + m.renderHeader() + "\n")

	if m.err != nil {
		b.WriteString("  " + errorStyle.Render("✗ "+m.err.Error()) + "\n")
	}

	if !m.loaded {
		b.WriteString("\n  " + m.spin.View() + dimStyle.Render(" waiting for first snapshot") + "\n")
		b.WriteString("\n  " + m.renderHelpBar() + "\n")
		return b.String()
	}

	b.WriteString("\n")
	b.WriteString("  " + m.renderStatsBar() + "\n\n")
	b.WriteString(m.renderSessions())
	b.WriteString("\n")
	b.WriteString(m.renderActivity())
	b.WriteString("\n  " + m.renderHelpBar() + "\n")
	return b.String()
}

func (m Model) renderHeader() string {
	parts := []string{titleStyle.Render("HIVE"), dimStyle.Render(m.addr)}

	switch {
	case m.paused:
		parts = append(parts, lipgloss.NewStyle().Foreground(colorWarn).Render("⏸ paused"))
	case m.err != nil:
		parts = append(parts, errorStyle.Render("● disconnected"))
	case m.loaded:
		parts = append(parts, lipgloss.NewStyle().Foreground(colorReady).Render("● connected"))
	default:
		parts = append(parts, dimStyle.Render("● connecting"))
	}

	if !m.lastRefresh.IsZero() {
		parts = append(parts, dimStyle.Render(m.lastRefresh.Format("15:04:05")))
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderStatsBar() string {
	snap := m.snap

	badges := []string{
		badgeStyle.Background(colorAccent).Render(output.CountStr(len(snap.Sessions), "session", "sessions")),
		badgeStyle.Background(colorBusy).Render(fmt.Sprintf("queued %d", snap.Queued)),
		badgeStyle.Background(colorWarn).Render(fmt.Sprintf("in-flight %d/%d", snap.InFlight, snap.Capacity)),
		badgeStyle.Background(colorReady).Render(fmt.Sprintf("delivered %d", snap.Delivered)),
	}
	if snap.Failed > 0 {
		badges = append(badges, badgeStyle.Background(colorErr).Render(fmt.Sprintf("failed %d", snap.Failed)))
	}
	badges = append(badges, dimStyle.Render(fmt.Sprintf("seq %d", snap.LastSeq)))
	return strings.Join(badges, " ")
}

const (
	colIdentity = 18
	colState    = 10
	colQueue    = 6
	colDone     = 6
	colFail     = 6
	colActive   = 8
)

func (m Model) renderSessions() string {
	var b strings.Builder
	b.WriteString("  " + headingStyle.Render("SESSIONS") + "\n")

	if len(m.snap.Sessions) == 0 {
		b.WriteString("  " + dimStyle.Render("no live sessions") + "\n")
		return b.String()
	}

	header := fmt.Sprintf("  %-*s %-*s %*s %*s %*s  %-*s",
		colIdentity, "IDENTITY", colState, "STATE",
		colQueue, "QUEUE", colDone, "DONE", colFail, "FAIL",
		colActive, "ACTIVE")
	b.WriteString(dimStyle.Render(header) + "\n")

	now := time.Now()
	for i, info := range m.snap.Sessions {
		b.WriteString(m.renderSessionRow(i, info, now) + "\n")
	}
	return b.String()
}

func (m Model) renderSessionRow(i int, info session.Info, now time.Time) string {
	marker := "  "
	if i == m.cursor {
		marker = selectedStyle.Render("▸ ")
	}

	identity := output.Truncate(info.Identity, colIdentity)
	state := fmt.Sprintf("%-*s", colState, string(info.State))
	if c, ok := stateColors[info.State]; ok {
		state = lipgloss.NewStyle().Foreground(c).Render(state)
	}

	return fmt.Sprintf("%s%-*s %s %*d %*d %*d  %-*s",
		marker,
		colIdentity, identity,
		state,
		colQueue, m.snap.QueuedBy[info.Identity],
		colDone, info.Delivered,
		colFail, info.Failed,
		colActive, formatAge(now.Sub(info.LastActiveAt)))
}

func (m Model) renderActivity() string {
	var b strings.Builder
	b.WriteString("  " + headingStyle.Render("ACTIVITY") + "\n")

	if len(m.activity) == 0 {
		b.WriteString("  " + dimStyle.Render("no messages yet") + "\n")
		return b.String()
	}

	rows := m.activityRows()
	start := len(m.activity) - rows
	if start < 0 {
		start = 0
	}

	payloadWidth := m.width - 46
	if payloadWidth < 10 {
		payloadWidth = 10
	}

	for _, msg := range m.activity[start:] {
		outcome := fmt.Sprintf("%-12s", string(msg.Outcome))
		if c, ok := outcomeColors[msg.Outcome]; ok {
			outcome = lipgloss.NewStyle().Foreground(c).Render(outcome)
		}

		line := fmt.Sprintf("  %s %s %s %s %s",
			dimStyle.Render(msg.Timestamp.Format("15:04:05")),
			dimStyle.Render(fmt.Sprintf("#%-5d", msg.Seq)),
			fmt.Sprintf("%s → %s", msg.Source, msg.Target),
			outcome,
			dimStyle.Render(output.Truncate(strings.ReplaceAll(msg.Payload, "\n", " "), payloadWidth)))
		b.WriteString(line + "\n")
	}
	return b.String()
}

// activityRows computes how many feed lines fit under the fixed chrome
// (header, stats bar, sessions table, help bar).
func (m Model) activityRows() int {
	fixed := 9 + len(m.snap.Sessions)
	rows := m.height - fixed
	if rows < 3 {
		rows = 3
	}
	if rows > len(m.activity) {
		rows = len(m.activity)
	}
	return rows
}

func (m Model) renderHelpBar() string {
	pause := "p pause"
	if m.paused {
		pause = "p resume"
	}
	return dimStyle.Render("↑/↓ select · r refresh · " + pause + " · q quit")
}

// formatAge renders a duration compactly for table cells.
func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
