// Package tui is the interactive operator console. It renders the session's
// stores and forwards key presses to the action gateway; it holds no state of
// its own beyond cursor positions and pending confirmations.
package tui

import (
	"context"
	"time"

	"github.com/cankoe/bls-console/internal/actions"
	"github.com/cankoe/bls-console/internal/apiclient"
	"github.com/cankoe/bls-console/internal/console"
	"github.com/cankoe/bls-console/internal/models"

	"github.com/charmbracelet/bubbles/cursor"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

const (
	refreshEvery  = 500 * time.Millisecond
	actionTimeout = 90 * time.Second
)

type tab int

const (
	tabStatus tab = iota
	tabLogs
	tabSlots
	tabActions
)

var tabNames = []string{"Status", "Logs", "Slots", "Actions"}

// levelCycle is the order the level filter steps through; "" shows all.
var levelCycle = []models.LogLevel{"", models.LevelInfo, models.LevelSuccess, models.LevelWarning, models.LevelError}

type tickMsg time.Time

type actionDoneMsg struct {
	kind    models.ActionKind
	message string
	err     error
}

type filterLoadedMsg struct {
	level models.LogLevel
	err   error
}

type Model struct {
	session *console.Session

	width  int
	height int

	tab         tab
	interval    int
	search      textinput.Model
	searching   bool
	levelIdx    int
	slotCursor  int
	pendingBook string

	spinner spinner.Model
	notice  string
	failure string
}

// New builds the console model. interval is the initial check interval in
// minutes and is snapped to the nearest allowed value.
func New(session *console.Session, interval int) Model {
	search := textinput.New()
	search.Placeholder = "search message or step"
	search.Prompt = "/ "
	search.CharLimit = 120
	search.Cursor.SetMode(cursor.CursorStatic)

	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = accentStyle

	return Model{
		session:  session,
		interval: snapInterval(interval),
		search:   search,
		spinner:  sp,
		width:    100,
		height:   30,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.spinner.Tick)
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tickMsg:
		// Stores change underneath us; re-render and keep the cursor in range.
		m.clampCursor()
		return m, tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case actionDoneMsg:
		if msg.err != nil {
			m.failure = apiclient.UserMessage(msg.err)
			m.notice = ""
		} else {
			m.notice = msg.message
			m.failure = ""
		}
		m.clampCursor()
		return m, nil

	case filterLoadedMsg:
		if msg.err != nil {
			m.failure = apiclient.UserMessage(msg.err)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.searching {
		switch msg.String() {
		case "enter", "esc":
			m.searching = false
			m.search.Blur()
			if msg.String() == "esc" {
				m.search.SetValue("")
			}
			return m, nil
		case "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.search, cmd = m.search.Update(msg)
		return m, cmd
	}

	// A pending booking confirmation swallows every other key.
	if m.pendingBook != "" {
		switch msg.String() {
		case "y", "Y":
			id := m.pendingBook
			m.pendingBook = ""
			m.notice = "Booking " + id + "..."
			return m, m.bookCmd(id)
		case "ctrl+c":
			return m, tea.Quit
		default:
			m.pendingBook = ""
			m.notice = "Booking cancelled"
			return m, nil
		}
	}

	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "tab", "right":
		m.tab = (m.tab + 1) % tab(len(tabNames))
		return m, nil
	case "shift+tab", "left":
		m.tab = (m.tab + tab(len(tabNames)) - 1) % tab(len(tabNames))
		return m, nil
	case "1", "2", "3", "4":
		m.tab = tab(msg.String()[0] - '1')
		return m, nil
	case "r":
		m.notice = "Refreshing..."
		return m, m.refreshCmd()
	}

	switch m.tab {
	case tabLogs:
		return m.handleLogsKey(msg)
	case tabSlots:
		return m.handleSlotsKey(msg)
	default:
		return m.handleActionsKey(msg)
	}
}

func (m Model) handleActionsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	gw := m.session.Actions
	switch msg.String() {
	case "+", "=":
		m.interval = stepInterval(m.interval, 1)
	case "-":
		m.interval = stepInterval(m.interval, -1)
	case "s":
		if gw.InFlight(models.ActionStart) {
			return m, nil
		}
		return m, m.startCmd(m.interval)
	case "x":
		switch gw.StopGate() {
		case actions.GateUnconfirmed:
			gw.RequestStop()
			m.notice = "Press x again to stop the system, esc to cancel"
		case actions.GateRequested:
			return m, m.stopCmd()
		}
	case "esc":
		if gw.StopGate() == actions.GateRequested {
			gw.CancelStop()
			m.notice = "Stop cancelled"
		}
	case "t":
		if gw.InFlight(models.ActionTest) {
			return m, nil
		}
		m.notice = "Running test check..."
		return m, m.testCmd()
	}
	return m, nil
}

func (m Model) handleLogsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "/":
		m.searching = true
		return m, m.search.Focus()
	case "esc":
		m.search.SetValue("")
	case "l":
		m.levelIdx = (m.levelIdx + 1) % len(levelCycle)
		return m, m.filterCmd(levelCycle[m.levelIdx])
	}
	return m, nil
}

func (m Model) handleSlotsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// The registry may have shrunk since the last tick.
	m.clampCursor()
	available := m.session.Slots.Available()
	switch msg.String() {
	case "up", "k":
		if m.slotCursor > 0 {
			m.slotCursor--
		}
	case "down", "j":
		if m.slotCursor < len(available)-1 {
			m.slotCursor++
		}
	case "b", "enter":
		if m.slotCursor >= len(available) || m.session.Actions.InFlight(models.ActionBook) {
			return m, nil
		}
		m.pendingBook = available[m.slotCursor].ID
		m.failure = ""
	}
	return m, nil
}

func (m *Model) clampCursor() {
	n := len(m.session.Slots.Available())
	if m.slotCursor >= n {
		m.slotCursor = n - 1
	}
	if m.slotCursor < 0 {
		m.slotCursor = 0
	}
}

func (m Model) startCmd(interval int) tea.Cmd {
	gw := m.session.Actions
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		err := gw.Start(ctx, interval)
		return actionDoneMsg{kind: models.ActionStart, message: "System started", err: err}
	}
}

func (m Model) stopCmd() tea.Cmd {
	gw := m.session.Actions
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		err := gw.ConfirmStop(ctx)
		return actionDoneMsg{kind: models.ActionStop, message: "System stopped", err: err}
	}
}

func (m Model) testCmd() tea.Cmd {
	gw := m.session.Actions
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		res, err := gw.RunTestCheck(ctx)
		return actionDoneMsg{kind: models.ActionTest, message: testSummary(res), err: err}
	}
}

func (m Model) bookCmd(slotID string) tea.Cmd {
	gw := m.session.Actions
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		id, err := gw.BookSlot(ctx, actions.BookingRequest{SlotID: slotID, ConfirmBooking: true})
		return actionDoneMsg{kind: models.ActionBook, message: "Booked, confirmation " + id, err: err}
	}
}

func (m Model) refreshCmd() tea.Cmd {
	s := m.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		err := s.PollNow(ctx)
		if _, slotErr := s.Slots.Refresh(ctx, 0); err == nil {
			err = slotErr
		}
		return actionDoneMsg{message: "Refreshed", err: err}
	}
}

func (m Model) filterCmd(level models.LogLevel) tea.Cmd {
	s := m.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return filterLoadedMsg{level: level, err: s.SetLogFilter(ctx, level)}
	}
}
