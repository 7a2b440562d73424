// Package tui renders rusers results: a live per-host view while a query
// runs, and bordered tables for the final output.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/liliang-cn/rusers/pkg/machine"
	"github.com/liliang-cn/rusers/pkg/rusers"
)

var (
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("62"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
	detailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

// HostDoneMsg reports one finished host.
type HostDoneMsg struct {
	Outcome rusers.Outcome
}

// DoneMsg signals that every host has answered or the query was aborted.
type DoneMsg struct {
	Err error
}

type hostStatus int

const (
	statusRunning hostStatus = iota
	statusDone
	statusFailed
)

type queryHostState struct {
	status   hostStatus
	users    int
	sessions int
	err      error
	elapsed  time.Duration
}

// QueryModel is the bubbletea model shown while hosts are queried.
type QueryModel struct {
	title    string
	hosts    []machine.Machine
	states   map[string]*queryHostState
	spinner  spinner.Model
	started  time.Time
	quitting bool
	aborted  bool
	err      error
	width    int
}

// NewQueryModel creates a model with every host in the running state.
func NewQueryModel(title string, hosts []machine.Machine) *QueryModel {
	sorted := append([]machine.Machine(nil), hosts...)
	machine.Sort(sorted)

	states := make(map[string]*queryHostState, len(sorted))
	for _, h := range sorted {
		states[h.Name] = &queryHostState{}
	}

	s := spinner.New()
	s.Spinner = spinner.Dot

	return &QueryModel{
		title:   title,
		hosts:   sorted,
		states:  states,
		spinner: s,
		started: time.Now(),
		width:   100,
	}
}

func (m *QueryModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *QueryModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			m.aborted = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case HostDoneMsg:
		out := msg.Outcome
		if state, ok := m.states[out.Host.Name]; ok {
			state.elapsed = out.Duration()
			if out.OK() {
				state.status = statusDone
				state.users = len(out.Users)
				state.sessions = out.Sessions()
			} else {
				state.status = statusFailed
				state.err = out.Err
			}
		}

	case DoneMsg:
		m.err = msg.Err
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// Aborted reports whether the user quit before the query finished.
func (m *QueryModel) Aborted() bool {
	return m.aborted
}

// Err returns the error the query ended with, if any.
func (m *QueryModel) Err() error {
	return m.err
}

func (m *QueryModel) summary() (running, done, failed int) {
	for _, s := range m.states {
		switch s.status {
		case statusRunning:
			running++
		case statusDone:
			done++
		case statusFailed:
			failed++
		}
	}
	return running, done, failed
}

func (m *QueryModel) View() string {
	// Final output is printed by the caller.
	if m.quitting {
		return ""
	}

	const (
		colHost   = 24
		colStatus = 12
		colTime   = 8
		colUsers  = 30
	)
	cols := []int{colHost, colStatus, colTime, colUsers}

	var b strings.Builder
	running, done, failed := m.summary()
	b.WriteString(headerStyle.Render(m.title))
	b.WriteString(detailStyle.Render(fmt.Sprintf("  %d running, %d done, %d failed", running, done, failed)))
	b.WriteString("\n\n")

	b.WriteString(borderStyle.Render(border("┌", "┬", "┐", cols)))
	b.WriteString("\n")
	writeRow(&b, cols, "Host", "Status", "Time", "Users")
	b.WriteString(borderStyle.Render(border("├", "┼", "┤", cols)))
	b.WriteString("\n")

	for _, h := range m.hosts {
		state := m.states[h.Name]

		var status, elapsed, users string
		switch state.status {
		case statusRunning:
			status = m.spinner.View() + " Running"
			elapsed = formatDuration(time.Since(m.started))
		case statusDone:
			status = doneStyle.Render("✓ Done")
			elapsed = formatDuration(state.elapsed)
			users = fmt.Sprintf("%d users, %d sessions", state.users, state.sessions)
		case statusFailed:
			status = errStyle.Render("✗ Failed")
			elapsed = formatDuration(state.elapsed)
			users = state.err.Error()
		}

		writeRow(&b, cols, h.String(), status, elapsed, users)
	}

	b.WriteString(borderStyle.Render(border("└", "┴", "┘", cols)))
	b.WriteString("\n\n")
	b.WriteString(detailStyle.Render("Press q to quit"))

	return b.String()
}

func formatDuration(d time.Duration) string {
	if d >= time.Second {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}
