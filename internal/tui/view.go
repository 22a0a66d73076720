package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/cankoe/bls-console/internal/actions"
	"github.com/cankoe/bls-console/internal/console"
	"github.com/cankoe/bls-console/internal/logstream"
	"github.com/cankoe/bls-console/internal/models"

	"github.com/charmbracelet/lipgloss"
)

var (
	accent  = lipgloss.Color("#50E3C2")
	muted   = lipgloss.Color("#8CA1AE")
	warning = lipgloss.Color("#F6AE2D")
	danger  = lipgloss.Color("#FF6B6B")
	success = lipgloss.Color("#7BD389")
)

var (
	accentStyle  = lipgloss.NewStyle().Foreground(accent)
	titleStyle   = lipgloss.NewStyle().Foreground(accent).Bold(true).Padding(0, 1)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	errorStyle   = lipgloss.NewStyle().Foreground(danger).Bold(true)
	noticeStyle  = lipgloss.NewStyle().Foreground(warning)
	activeTab    = lipgloss.NewStyle().Foreground(accent).Bold(true).Underline(true).Padding(0, 1)
	inactiveTab  = lipgloss.NewStyle().Foreground(muted).Padding(0, 1)
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#2D6A80")).Padding(0, 1)
	selectedLine = lipgloss.NewStyle().Foreground(accent).Bold(true)
)

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Appointment monitor"))
	b.WriteString("  ")
	b.WriteString(connectionLabel(m.session.Health(), time.Now()))
	b.WriteString("\n")
	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var body string
	switch m.tab {
	case tabLogs:
		body = m.renderLogs()
	case tabSlots:
		body = m.renderSlots()
	case tabActions:
		body = m.renderActions()
	default:
		body = m.renderStatus()
	}
	width := m.width - 2
	if width < 40 {
		width = 40
	}
	b.WriteString(panelStyle.Width(width).Render(body))
	b.WriteString("\n")

	switch {
	case m.pendingBook != "":
		b.WriteString(noticeStyle.Render(fmt.Sprintf("Book slot %s? y to confirm, any other key to cancel", m.pendingBook)))
	case m.failure != "":
		b.WriteString(errorStyle.Render(m.failure))
	case m.notice != "":
		b.WriteString(noticeStyle.Render(m.notice))
	}
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render(m.helpLine()))
	return b.String()
}

func (m Model) renderTabs() string {
	parts := make([]string, len(tabNames))
	for i, name := range tabNames {
		label := fmt.Sprintf("%d %s", i+1, name)
		if tab(i) == m.tab {
			parts[i] = activeTab.Render(label)
		} else {
			parts[i] = inactiveTab.Render(label)
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (m Model) helpLine() string {
	common := "tab switch · r refresh · q quit"
	switch m.tab {
	case tabLogs:
		return "/ search · l level · esc clear · " + common
	case tabSlots:
		return "↑/↓ select · b book · " + common
	default:
		return "s start · +/- interval · x stop · t test · " + common
	}
}

func (m Model) renderStatus() string {
	st := m.session.Status.Current()
	source, appliedAt := m.session.Status.LastSource()

	rows := [][2]string{
		{"State", runStateStyle(st.Status).Render(string(st.Status))},
		{"Uptime", formatUptime(st)},
		{"Last check", formatTimestamp(st.LastCheck)},
		{"Total checks", fmt.Sprint(st.TotalChecks)},
		{"Slots found", fmt.Sprint(st.SlotsFound)},
		{"Bookings", fmt.Sprint(st.SuccessfulBookings)},
		{"Errors", fmt.Sprint(st.ErrorCount)},
	}
	var b strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&b, "%-14s %s\n", r[0], r[1])
	}
	if !appliedAt.IsZero() {
		b.WriteString(mutedStyle.Render(fmt.Sprintf("from %s at %s", source, appliedAt.Format("15:04:05"))))
	}
	return b.String()
}

func (m Model) renderLogs() string {
	var b strings.Builder
	if m.searching || m.search.Value() != "" {
		b.WriteString(m.search.View())
		b.WriteString("\n")
	}

	entries := m.session.Logs.Search(m.search.Value())
	filter := m.session.Logs.Filter()
	b.WriteString(mutedStyle.Render(logHeader(len(entries), m.session.Logs.TotalCount(), filter)))
	b.WriteString("\n")

	limit := m.height - 9
	if limit < 5 {
		limit = 5
	}
	lineWidth := m.width - 6
	for i, e := range entries {
		if i >= limit {
			break
		}
		b.WriteString(renderLogLine(e, lineWidth))
		b.WriteString("\n")
	}
	if len(entries) == 0 {
		b.WriteString(mutedStyle.Render("No log entries"))
	}
	return b.String()
}

func logHeader(shown, total int, f logstream.Filter) string {
	level := "all levels"
	if f.Level != "" {
		level = string(f.Level)
	}
	return fmt.Sprintf("%d shown · %d on server · %s", shown, total, level)
}

func renderLogLine(e models.LogEntry, width int) string {
	ts := "--:--:--"
	if !e.Timestamp.IsZero() {
		ts = e.Timestamp.Local().Format("15:04:05")
	}
	badge := levelStyle(e.Level).Render(fmt.Sprintf("%-7s", strings.ToUpper(string(e.Level))))
	text := e.Message
	if e.Step != "" {
		text = "[" + e.Step + "] " + text
	}
	return fmt.Sprintf("%s %s %s", mutedStyle.Render(ts), badge, truncate(text, width-18))
}

func (m Model) renderSlots() string {
	available := m.session.Slots.Available()
	var b strings.Builder
	refreshed := "never"
	if at := m.session.Slots.RefreshedAt(); !at.IsZero() {
		refreshed = at.Format("15:04:05")
	}
	b.WriteString(mutedStyle.Render(fmt.Sprintf("%d available of %d listed · refreshed %s", len(available), m.session.Slots.TotalCount(), refreshed)))
	b.WriteString("\n")
	if len(available) == 0 {
		b.WriteString(mutedStyle.Render("No available slots"))
		return b.String()
	}
	for i, s := range available {
		line := slotLine(s)
		if i == m.slotCursor {
			b.WriteString(selectedLine.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}
	if m.session.Actions.InFlight(models.ActionBook) {
		b.WriteString(m.spinner.View() + " booking...")
	}
	return b.String()
}

func slotLine(s models.Slot) string {
	when := "date TBD"
	if s.Scheduled() {
		when = s.AppointmentDate + " " + s.AppointmentTime
	}
	return fmt.Sprintf("%-10s %-14s %-12s %-12s %-18s x%d", truncate(s.ID, 10), truncate(s.VisaType, 14),
		truncate(s.VisaCategory, 12), truncate(s.Location, 12), when, s.AvailableSlots)
}

func (m Model) renderActions() string {
	gw := m.session.Actions
	var b strings.Builder

	fmt.Fprintf(&b, "Check interval  %s\n", intervalPicker(m.interval))
	fmt.Fprintf(&b, "Stop            %s\n", stopLabel(gw.StopGate()))
	b.WriteString("\n")

	for _, k := range []models.ActionKind{models.ActionStart, models.ActionStop, models.ActionTest, models.ActionBook} {
		state := mutedStyle.Render("idle")
		if gw.InFlight(k) {
			state = m.spinner.View() + " running"
		} else if o, ok := gw.LastOutcome(k); ok {
			style := lipgloss.NewStyle().Foreground(success)
			if !o.OK {
				style = errorStyle
			}
			state = style.Render(o.Message) + mutedStyle.Render(" "+o.At.Format("15:04:05"))
		}
		fmt.Fprintf(&b, "%-6s %s\n", k, state)
	}
	return b.String()
}

func intervalPicker(current int) string {
	parts := make([]string, len(actions.AllowedIntervals))
	for i, v := range actions.AllowedIntervals {
		label := fmt.Sprintf("%dm", v)
		if v == current {
			parts[i] = selectedLine.Render("[" + label + "]")
		} else {
			parts[i] = mutedStyle.Render(" " + label + " ")
		}
	}
	return strings.Join(parts, "")
}

func stopLabel(g actions.StopGate) string {
	switch g {
	case actions.GateRequested:
		return noticeStyle.Render("press x again to confirm")
	case actions.GateSubmitted:
		return noticeStyle.Render("stopping...")
	}
	return mutedStyle.Render("x to stop")
}

// connectionLabel is the header badge: live push, or polling with the next
// reconnect attempt when one is scheduled.
func connectionLabel(h console.Health, now time.Time) string {
	if h.Connected {
		return lipgloss.NewStyle().Foreground(success).Render("● live")
	}
	label := "○ polling"
	if h.NextReconnect != nil {
		wait := h.NextReconnect.Sub(now).Round(time.Second)
		if wait < 0 {
			wait = 0
		}
		label += fmt.Sprintf(" · reconnect #%d in %s", h.ReconnectAttempt, wait)
	}
	if h.LastPollError != "" {
		return errorStyle.Render(label + " · last poll failed")
	}
	return noticeStyle.Render(label)
}

func runStateStyle(s models.RunState) lipgloss.Style {
	switch s {
	case models.StatusRunning:
		return lipgloss.NewStyle().Foreground(success).Bold(true)
	case models.StatusPaused:
		return lipgloss.NewStyle().Foreground(warning).Bold(true)
	case models.StatusError:
		return errorStyle
	}
	return mutedStyle
}

func levelStyle(l models.LogLevel) lipgloss.Style {
	switch l {
	case models.LevelSuccess:
		return lipgloss.NewStyle().Foreground(success)
	case models.LevelWarning:
		return lipgloss.NewStyle().Foreground(warning)
	case models.LevelError:
		return lipgloss.NewStyle().Foreground(danger)
	}
	return accentStyle
}

func formatUptime(st models.SystemStatus) string {
	minutes, ok := st.Uptime()
	if !ok {
		return "-"
	}
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dh %02dm", minutes/60, minutes%60)
}

func formatTimestamp(ts *models.Timestamp) string {
	if ts == nil || ts.IsZero() {
		return "never"
	}
	return ts.Local().Format("2006-01-02 15:04:05")
}

func testSummary(res actions.TestResult) string {
	switch res.SlotsFound {
	case 0:
		return "Test check found no slots"
	case 1:
		return "Test check found 1 slot"
	}
	return fmt.Sprintf("Test check found %d slots", res.SlotsFound)
}

// snapInterval returns the allowed interval closest to minutes, preferring
// the smaller on ties.
func snapInterval(minutes int) int {
	best := actions.AllowedIntervals[0]
	for _, v := range actions.AllowedIntervals {
		if abs(v-minutes) < abs(best-minutes) {
			best = v
		}
	}
	return best
}

// stepInterval moves dir positions through the allowed intervals, clamped at both ends.
func stepInterval(current, dir int) int {
	idx := 0
	for i, v := range actions.AllowedIntervals {
		if v == current {
			idx = i
		}
	}
	idx += dir
	if idx < 0 {
		idx = 0
	}
	if idx >= len(actions.AllowedIntervals) {
		idx = len(actions.AllowedIntervals) - 1
	}
	return actions.AllowedIntervals[idx]
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
