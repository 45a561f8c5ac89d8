// Package tui is the live monitor behind "petitionctl watch": a status
// header, the petition table fed by the SSE event stream, and a rolling
// event log.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/petitiond/petitiond/internal/client"
	"github.com/petitiond/petitiond/internal/events"
	"github.com/petitiond/petitiond/internal/protocol"
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK       = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusEnqueued = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

// --- Types ---

type petitionRow struct {
	ID        string
	Kind      string
	Priority  float64
	State     string
	ExitCode  *int
	StartedAt time.Time
	EndedAt   time.Time
	seen      time.Time
}

type Model struct {
	api *client.Client

	width  int
	height int

	petitions map[string]*petitionRow
	eventLog  []events.Event
	incoming  chan events.Event

	status protocol.StatusResponse

	petitionTable table.Model

	mu sync.Mutex
}

type eventMsg events.Event
type statusMsg protocol.StatusResponse
type errMsg error

// --- Init ---

func NewMonitor(api *client.Client) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Petition", Width: 24},
			{Title: "Kind", Width: 10},
			{Title: "Prio", Width: 6},
			{Title: "Exit", Width: 4},
			{Title: "Duration", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		api:           api,
		petitions:     make(map[string]*petitionRow),
		eventLog:      make([]events.Event, 0),
		incoming:      make(chan events.Event, 100),
		petitionTable: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.subscribeToEvents(),
		m.receiveNextEvent(),
		m.pollStatus(),
		tea.EnterAltScreen,
	)
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.petitionTable.SetWidth(m.width - 6)

	case eventMsg:
		m.handleEvent(events.Event(msg))
		m.updateTable()
		return m, m.receiveNextEvent()

	case statusMsg:
		m.status = protocol.StatusResponse(msg)
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return m.fetchStatus()
		})

	case errMsg:
		// Keep rendering with stale data; the next poll may recover.
	}

	m.petitionTable, cmd = m.petitionTable.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(e events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > 50 {
		m.eventLog = m.eventLog[:50]
	}

	var data events.PetitionData
	if err := json.Unmarshal(e.Data, &data); err != nil || data.PetitionID == "" {
		return
	}

	row, ok := m.petitions[data.PetitionID]
	if !ok {
		row = &petitionRow{ID: data.PetitionID, seen: time.Now()}
		m.petitions[data.PetitionID] = row
	}
	row.Kind = data.Kind
	row.Priority = data.Priority
	row.State = data.State

	switch e.Type {
	case events.TypeStarted:
		row.StartedAt = time.Now()
	case events.TypeFinished, events.TypeCancelled:
		row.State = data.State
		row.ExitCode = data.ExitCode
		if row.EndedAt.IsZero() {
			row.EndedAt = time.Now()
		}
	}
}

func (m *Model) updateTable() {
	m.mu.Lock()
	rows := make([]*petitionRow, 0, len(m.petitions))
	for _, r := range m.petitions {
		rows = append(rows, r)
	}
	m.mu.Unlock()

	// Newest first.
	sort.Slice(rows, func(i, j int) bool { return rows[i].seen.After(rows[j].seen) })
	if len(rows) > 30 {
		rows = rows[:30]
	}

	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, m.rowFor(r))
	}
	m.petitionTable.SetRows(out)
}

func (m *Model) rowFor(r *petitionRow) table.Row {
	sym := statusEnqueued.Render("○")
	switch r.State {
	case "running":
		sym = statusRunning.Render("◉")
	case "finished":
		if r.ExitCode != nil && *r.ExitCode != 0 {
			sym = statusFailed.Render("∅")
		} else {
			sym = statusOK.Render("●")
		}
	case "cancelled", "broken":
		sym = statusFailed.Render("◑")
	}

	exit := "-"
	if r.ExitCode != nil {
		exit = fmt.Sprintf("%d", *r.ExitCode)
	}

	duration := "-"
	if !r.StartedAt.IsZero() {
		end := r.EndedAt
		if end.IsZero() {
			end = time.Now()
		}
		duration = end.Sub(r.StartedAt).Round(time.Millisecond).String()
	}

	id := r.ID
	if len(id) > 24 {
		id = id[:24]
	}

	return table.Row{
		sym,
		id,
		r.Kind,
		fmt.Sprintf("%.0f", r.Priority),
		exit,
		duration,
	}
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	header := m.renderHeader()
	petitionsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Petitions"),
			m.petitionTable.View(),
		),
	)

	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit • [↑/↓] Scroll")

	return docStyle.Render(
		lipgloss.JoinVertical(
			lipgloss.Left,
			header,
			petitionsView,
			eventsView,
			help,
		),
	)
}

func (m Model) renderHeader() string {
	status := statusOK.Render("HEALTHY")
	if !m.status.Healthy {
		status = statusFailed.Render("UNHEALTHY")
	}

	items := []string{
		fmt.Sprintf("Service: %s", m.status.Name),
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Running: %d", m.status.Running),
		fmt.Sprintf("Queued: %d", m.status.Queued),
	}

	return borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinHorizontal(lipgloss.Top,
			lipgloss.NewStyle().Width((m.width-4)/4).Render(items[0]),
			lipgloss.NewStyle().Width((m.width-4)/4).Render(items[1]),
			lipgloss.NewStyle().Width((m.width-4)/4).Render(items[2]),
			lipgloss.NewStyle().Width((m.width-4)/4).Render(items[3]),
		),
	)
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		ts := e.At.Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-20s | %s", ts, e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

// --- Commands ---

func (m Model) subscribeToEvents() tea.Cmd {
	return func() tea.Msg {
		err := m.api.Events(context.Background(), func(ev client.Event) {
			m.incoming <- events.Event{ID: ev.ID, Type: ev.Type, At: ev.At, Data: ev.Data}
		})
		if err != nil {
			return errMsg(err)
		}
		return nil
	}
}

func (m Model) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-m.incoming)
	}
}

func (m Model) pollStatus() tea.Cmd {
	return func() tea.Msg {
		return m.fetchStatus()
	}
}

func (m Model) fetchStatus() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := m.api.Status(ctx)
	if err != nil {
		return errMsg(err)
	}
	return statusMsg(*st)
}
