package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/waveforge/wave-orchestrator/internal/orchestrator"
)

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "j", "down":
			m.scroll++
		case "k", "up":
			if m.scroll > 0 {
				m.scroll--
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tickCmd()

	case EventMsg:
		m.applyEvent(orchestrator.Event(msg))
		if m.runFinished {
			return m, tea.Quit
		}
	}

	return m, nil
}

func (m *Model) applyEvent(e orchestrator.Event) {
	m.lastEvent = e.Type

	switch e.Type {
	case orchestrator.EventRunStarted:
		m.runStarted = e.Time

	case orchestrator.EventDispatched:
		m.row(e.IssueID).Status = "dispatched"
		m.row(e.IssueID).Wave = e.Wave
		m.row(e.IssueID).SubWave = e.SubWave
		m.row(e.IssueID).Since = e.Time
		m.recount()

	case orchestrator.EventMergeQueued:
		m.row(e.IssueID).Status = "merging"
		m.recount()

	case orchestrator.EventMerged:
		m.setDone(e, "merged")

	case orchestrator.EventFailed:
		m.setDone(e, "failed")

	case orchestrator.EventDeferred:
		m.setDone(e, "deferred")

	case orchestrator.EventShutdown:
		m.lastEvent = "shutdown requested, finishing in-flight work"

	case orchestrator.EventRunFinished:
		m.runFinished = true
		m.finishLine = e.Detail
	}
}

func (m *Model) row(id string) *issueRow {
	if row, ok := m.rows[id]; ok {
		return row
	}
	row := &issueRow{ID: id, Status: "queued"}
	m.rows[id] = row
	m.order = append(m.order, id)
	return row
}

func (m *Model) setDone(e orchestrator.Event, status string) {
	row := m.row(e.IssueID)
	row.Status = status
	row.Detail = e.Detail
	m.recount()
}

func (m *Model) recount() {
	m.merged, m.failed, m.deferred, m.inFlight = 0, 0, 0, 0
	for _, row := range m.rows {
		switch row.Status {
		case "merged":
			m.merged++
		case "failed":
			m.failed++
		case "deferred":
			m.deferred++
		case "dispatched", "merging":
			m.inFlight++
		}
	}
}
