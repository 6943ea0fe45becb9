// Package tui is the terminal live view behind `stockpilot watch`: a
// connection indicator, the latest stock movement, the dashboard summary
// and the notification history, redrawn whenever a presenter changes.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/stockpilot/realtime/internal/presenter"
)

// Channel is the part of realtime.Manager the view drives.
type Channel interface {
	Reconnect()
	ConnectionError() string
}

// changedMsg is sent whenever a presenter signals a change.
type changedMsg struct{}

// tickMsg refreshes relative times ("12s ago").
type tickMsg time.Time

// Model is the root Bubble Tea model.
type Model struct {
	channel Channel
	status  *presenter.LiveStatus
	dash    *presenter.Dashboard
	notes   *presenter.Notifications
	ctx     context.Context
	cancel  context.CancelFunc

	health    gauge
	animating bool

	keys   KeyMap
	width  int
	height int
	now    func() time.Time
}

func New(ch Channel, status *presenter.LiveStatus, dash *presenter.Dashboard, notes *presenter.Notifications) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		channel: ch,
		status:  status,
		dash:    dash,
		notes:   notes,
		ctx:     ctx,
		cancel:  cancel,
		health:  newGauge(),
		keys:    DefaultKeyMap(),
		now:     time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	m.dash.Refresh()
	return tea.Batch(m.waitForChange(), tick())
}

// waitForChange blocks until any presenter fires or the view quits.
func (m Model) waitForChange() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-m.status.Changes():
		case <-m.dash.Changes():
		case <-m.notes.Changes():
		case <-m.ctx.Done():
			return nil
		}
		return changedMsg{}
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case changedMsg:
		if cmd := m.animateHealth(); cmd != nil {
			return m, tea.Batch(m.waitForChange(), cmd)
		}
		return m, m.waitForChange()

	case frameMsg:
		if m.health.step() {
			return m, frame()
		}
		m.animating = false
		return m, nil

	case tickMsg:
		return m, tick()
	}
	return m, nil
}

// animateHealth points the health gauge at the latest summary and starts
// the frame loop unless one is already running.
func (m *Model) animateHealth() tea.Cmd {
	sum, at, _ := m.dash.Summary()
	if at.IsZero() || !m.health.retarget(stockHealth(sum)) || m.animating {
		return nil
	}
	m.animating = true
	return frame()
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		return m, tea.Quit
	case key.Matches(msg, m.keys.Reconnect):
		m.channel.Reconnect()
	case key.Matches(msg, m.keys.Refresh):
		m.dash.Refresh()
	case key.Matches(msg, m.keys.MarkAllRead):
		m.notes.MarkAllRead()
	case key.Matches(msg, m.keys.Clear):
		m.notes.Clear()
	}
	return m, nil
}

func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	sections := []string{
		m.renderStatusBar(),
		m.renderLastUpdate(),
		m.renderSummary(),
		m.renderNotifications(),
		m.renderHelp(),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) contentWidth() int {
	return max(m.width, 40)
}

func (m Model) renderStatusBar() string {
	st := m.status.Status()
	indicator := "○"
	if st.Connected() {
		indicator = "●"
	}
	conn := lipgloss.NewStyle().Foreground(StateColor(st.State)).
		Render(indicator + " " + m.status.Label())

	sep := lipgloss.NewStyle().Foreground(ColorBorder).Render(" | ")
	parts := []string{conn, StyleDimmed.Render("since " + m.status.Since().Format("15:04:05"))}
	if st.ClientID != "" {
		parts = append(parts, StyleDimmed.Render("client "+shortID(st.ClientID)))
	}
	if unread := m.notes.UnreadCount(); unread > 0 {
		parts = append(parts, lipgloss.NewStyle().Foreground(ColorWarning).Render(fmt.Sprintf("%d unread", unread)))
	}
	content := strings.Join(parts, sep)
	if errMsg := m.channel.ConnectionError(); errMsg != "" && !st.Connected() {
		content += "\n" + StyleError.Render(truncate(errMsg, m.contentWidth()-4))
	}

	return lipgloss.NewStyle().
		Width(m.contentWidth()).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(ColorBorder).
		Render(content)
}

func (m Model) renderLastUpdate() string {
	last, ok := m.dash.LastUpdate()
	if !ok {
		return StyleDimmed.Render("  No stock movements yet")
	}
	qty := "?"
	if last.NewQuantity != nil {
		qty = fmt.Sprintf("%d", *last.NewQuantity)
	}
	if last.PreviousQuantity != nil {
		qty = fmt.Sprintf("%d → %s", *last.PreviousQuantity, qty)
	}
	who := last.UserName
	if who == "" {
		who = last.UserID
	}
	line := fmt.Sprintf("  Last update: %s  %s", StyleHeader.Render(last.ItemName), qty)
	if who != "" {
		line += StyleDimmed.Render("  by " + who)
	}
	return line
}

func (m Model) renderSummary() string {
	sum, at, refreshErr := m.dash.Summary()
	if at.IsZero() {
		if refreshErr != "" {
			return StyleError.Render("  Dashboard unavailable: " + refreshErr)
		}
		return StyleDimmed.Render("  Loading dashboard...")
	}

	low := lipgloss.NewStyle().Foreground(ColorWarning).Render(fmt.Sprintf("%d low", sum.LowStockCount))
	out := lipgloss.NewStyle().Foreground(ColorDanger).Render(fmt.Sprintf("%d out", sum.OutOfStockCount))
	line := fmt.Sprintf("  %d items  %d units  %s  %s", sum.TotalItems, sum.TotalUnits, low, out)
	line += StyleDimmed.Render("  (refreshed " + ago(m.now().Sub(at)) + ")")
	if refreshErr != "" {
		line += StyleError.Render("  stale: " + refreshErr)
	}

	color := ColorHealthy
	switch {
	case m.health.target < 0.5:
		color = ColorDanger
	case m.health.target < 0.8:
		color = ColorWarning
	}
	bar := lipgloss.NewStyle().Foreground(color).Render(m.health.render(gaugeWidth))
	line += fmt.Sprintf("\n  stock health %s %3.0f%%", bar, m.health.pos*100)
	return line
}

func (m Model) renderNotifications() string {
	items := m.notes.Items()
	lines := []string{StyleHeader.Render("=== NOTIFICATIONS ===")}
	if len(items) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, append(lines, StyleDimmed.Render("  Nothing yet"))...)
	}

	// Status bar, update, summary, gauge, header and footer take roughly 9
	// rows.
	room := max(m.height-9, 1)
	for i, n := range items {
		if i == room {
			lines = append(lines, StyleDimmed.Render(fmt.Sprintf("  … %d more", len(items)-room)))
			break
		}
		lines = append(lines, m.renderNotification(n))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) renderNotification(n presenter.Notification) string {
	marker := "  "
	title := lipgloss.NewStyle().Foreground(SeverityColor(n.Severity)).Render(n.Title)
	if !n.Read {
		marker = "• "
		title = StyleUnread.Render(title)
	}
	line := marker + StyleDimmed.Render(n.Timestamp.Local().Format("15:04:05")) + " " + title
	if n.Message != "" {
		line += "  " + truncate(n.Message, m.contentWidth()-len(n.Title)-16)
	}
	return line
}

func (m Model) renderHelp() string {
	var parts []string
	for _, b := range m.keys.ShortHelp() {
		h := b.Help()
		parts = append(parts, h.Key+":"+h.Desc)
	}
	return StyleDimmed.Render("  " + strings.Join(parts, "  "))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 1 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func ago(d time.Duration) string {
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
