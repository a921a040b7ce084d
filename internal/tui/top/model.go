// Package top implements the live resource dashboard for a running gateway.
package top

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agentwire-ai/agentwire/internal/governor"
	"github.com/agentwire-ai/agentwire/internal/store"
	"github.com/agentwire-ai/agentwire/internal/tui"
)

// Panel identifies which dashboard panel is focused.
type Panel int

const (
	PanelUsers Panel = iota
	PanelAudit
)

// StatsUpdateMsg carries a fresh resource snapshot.
type StatsUpdateMsg struct {
	Stats governor.ResourceStats
}

// AuditUpdateMsg carries recent audit events.
type AuditUpdateMsg struct {
	Events []store.AuditEvent
}

// ErrMsg reports a failed poll. The dashboard keeps showing stale data.
type ErrMsg struct {
	Err error
}

// Model is the root dashboard TUI model.
type Model struct {
	baseURL string
	stats   governor.ResourceStats
	users   usersModel
	audit   auditModel

	activePanel Panel
	lastErr     error
	width       int
	height      int
	quitting    bool
}

// NewModel creates a dashboard model from an initial snapshot.
func NewModel(baseURL string, stats governor.ResourceStats, events []store.AuditEvent) Model {
	m := Model{
		baseURL: baseURL,
		stats:   stats,
		users:   newUsers(stats.ConnectionsPerUser),
		audit:   newAudit(),
	}
	m.audit.update(events)
	return m
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.audit.SetSize(msg.Width-4, m.auditHeight())
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c", "q"))):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, key.NewBinding(key.WithKeys("tab"))):
			if m.activePanel == PanelUsers {
				m.activePanel = PanelAudit
			} else {
				m.activePanel = PanelUsers
			}
			return m, nil
		}

	case StatsUpdateMsg:
		m.stats = msg.Stats
		m.users.update(msg.Stats.ConnectionsPerUser)
		m.lastErr = nil
		return m, nil

	case AuditUpdateMsg:
		m.audit.update(msg.Events)
		return m, nil

	case ErrMsg:
		m.lastErr = msg.Err
		return m, nil
	}

	// Delegate to active panel.
	var cmd tea.Cmd
	switch m.activePanel {
	case PanelUsers:
		m.users, cmd = m.users.Update(msg)
	case PanelAudit:
		m.audit, cmd = m.audit.Update(msg)
	}
	return m, cmd
}

func (m Model) View() string {
	header := m.headerView()

	usersStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorMuted).
		Width(m.width - 2)
	auditStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorMuted).
		Width(m.width - 2)

	if m.activePanel == PanelUsers {
		usersStyle = usersStyle.BorderForeground(tui.ColorPrimary)
	} else {
		auditStyle = auditStyle.BorderForeground(tui.ColorPrimary)
	}

	usersView := usersStyle.Render(
		tui.Subtitle.Render(" Connections by User") + "\n" + m.users.View(),
	)
	auditView := auditStyle.Render(
		tui.Subtitle.Render(" Audit Trail") + "\n" + m.audit.View(),
	)

	helpBar := tui.Help.Render("  q quit  Tab switch  j/k navigate")
	if m.lastErr != nil {
		helpBar += "  " + lipgloss.NewStyle().Foreground(tui.ColorError).
			Render(fmt.Sprintf("poll failed: %v", m.lastErr))
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, usersView, auditView, helpBar)
}

func (m Model) headerView() string {
	left := tui.Title.Render("AgentWire Gateway")
	right := tui.Description.Render(m.baseURL)

	pressure := tui.PressureStyle(string(m.stats.PressureLevel)).
		Render(string(m.stats.PressureLevel))

	info := fmt.Sprintf(
		"  Connections: %d   Active: %d   Zombies: %d   Quarantined: %d   Pressure: %s   Tier: %s",
		m.stats.TotalConnections,
		m.stats.ActiveConnections,
		m.stats.ZombieConnections,
		m.stats.QuarantinedConnections,
		pressure,
		m.stats.CleanupTier,
	)
	if m.stats.OldestConnectionAge > 0 {
		info += fmt.Sprintf("   Oldest: %s",
			(time.Duration(m.stats.OldestConnectionAge) * time.Second).Truncate(time.Second))
	}

	headerStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorPrimary).
		Width(m.width-2).
		Padding(0, 1)

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 6
	if gap < 0 {
		gap = 0
	}
	firstRow := lipgloss.JoinHorizontal(lipgloss.Top,
		left,
		lipgloss.NewStyle().Width(gap).Render(""),
		right,
	)

	return headerStyle.Render(firstRow + "\n" + tui.Description.Render(info))
}

// Quitting returns true if the user quit.
func (m Model) Quitting() bool { return m.quitting }

func (m Model) auditHeight() int {
	used := 6 + m.users.height() + 4
	h := m.height - used
	if h < 5 {
		h = 5
	}
	return h
}

// --- Users panel ---

type userRow struct {
	userID string
	count  int
}

type usersModel struct {
	items  []userRow
	cursor int
}

func newUsers(perUser map[string]int) usersModel {
	var u usersModel
	u.update(perUser)
	return u
}

func (u *usersModel) update(perUser map[string]int) {
	rows := make([]userRow, 0, len(perUser))
	for id, n := range perUser {
		rows = append(rows, userRow{userID: id, count: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		return rows[i].userID < rows[j].userID
	})
	u.items = rows
	if u.cursor >= len(u.items) {
		u.cursor = max(0, len(u.items)-1)
	}
}

func (u usersModel) Update(msg tea.Msg) (usersModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "j", "down":
			if u.cursor < len(u.items)-1 {
				u.cursor++
			}
		case "k", "up":
			if u.cursor > 0 {
				u.cursor--
			}
		case "G":
			u.cursor = max(0, len(u.items)-1)
		case "g":
			u.cursor = 0
		}
	}
	return u, nil
}

func (u usersModel) View() string {
	if len(u.items) == 0 {
		return tui.Dimmed.Render("  No connected users")
	}

	headerStyle := lipgloss.NewStyle().Foreground(tui.ColorSubtle).Bold(true)
	header := fmt.Sprintf("  %-28s %s",
		headerStyle.Render("USER"),
		headerStyle.Render("CONNECTIONS"),
	)

	rows := header + "\n"
	for i, row := range u.items {
		cursor := "  "
		style := lipgloss.NewStyle()
		if i == u.cursor {
			cursor = tui.Selected.Render("> ")
			style = style.Bold(true)
		}

		userID := row.userID
		if len(userID) > 26 {
			userID = userID[:26]
		}
		rows += cursor + fmt.Sprintf("%-28s %s",
			style.Render(userID),
			style.Render(fmt.Sprintf("%d", row.count)),
		) + "\n"
	}
	return rows
}

func (u usersModel) height() int {
	return min(len(u.items)+2, 12) // header + rows, max 12
}

// --- Audit panel ---

const maxAuditLines = 500

type auditModel struct {
	viewport   viewport.Model
	lines      []string
	autoScroll bool
}

func newAudit() auditModel {
	return auditModel{
		viewport:   viewport.New(80, 10),
		autoScroll: true,
	}
}

func (a *auditModel) SetSize(width, height int) {
	a.viewport.Width = width
	a.viewport.Height = height
}

func (a *auditModel) update(events []store.AuditEvent) {
	// Events come newest-first; render oldest-first so new ones appear at the
	// bottom like a log.
	lines := make([]string, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		lines = append(lines, formatAuditEvent(events[i]))
	}
	if len(lines) > maxAuditLines {
		lines = lines[len(lines)-maxAuditLines:]
	}
	a.lines = lines
	a.viewport.SetContent(strings.Join(a.lines, "\n"))
	if a.autoScroll {
		a.viewport.GotoBottom()
	}
}

func formatAuditEvent(e store.AuditEvent) string {
	ts := e.CreatedAt.Local().Format("15:04:05")
	actionStyle := actionColor(e.Action)

	line := fmt.Sprintf("  %s %s", ts, actionStyle.Render(fmt.Sprintf("%-24s", e.Action)))
	var attrs []string
	if e.UserID != "" {
		attrs = append(attrs, "user="+e.UserID)
	}
	if e.ConnectionID != "" {
		attrs = append(attrs, "conn="+shortID(e.ConnectionID))
	}
	if len(e.Detail) > 0 {
		attrs = append(attrs, string(e.Detail))
	}
	if len(attrs) > 0 {
		line += "  " + tui.Dimmed.Render(strings.Join(attrs, " "))
	}
	return line
}

func actionColor(action string) lipgloss.Style {
	switch action {
	case store.ActionConnectionAdmitted:
		return lipgloss.NewStyle().Foreground(tui.ColorSuccess)
	case store.ActionConnectionDenied, store.ActionConnectionQuarantined:
		return lipgloss.NewStyle().Foreground(tui.ColorError)
	case store.ActionCleanupRun:
		return lipgloss.NewStyle().Foreground(tui.ColorWarning)
	default:
		return lipgloss.NewStyle().Foreground(tui.ColorText)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (a auditModel) Update(msg tea.Msg) (auditModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "G":
			a.autoScroll = true
			a.viewport.GotoBottom()
			return a, nil
		case "g":
			a.autoScroll = false
			a.viewport.GotoTop()
			return a, nil
		case "j", "down", "k", "up":
			a.autoScroll = false
		}
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return a, cmd
}

func (a auditModel) View() string {
	if len(a.lines) == 0 {
		return tui.Dimmed.Render("  No audit events")
	}
	return a.viewport.View()
}
