// Package tui renders a live dashboard over the orchestrator's event feed.
package tui

import (
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/waveforge/wave-orchestrator/internal/orchestrator"
)

// issueRow is one issue's current position in the run.
type issueRow struct {
	ID      string
	Status  string
	Detail  string
	Wave    int
	SubWave int
	Since   time.Time
}

// Model is the watch dashboard model.
type Model struct {
	maxWorkers int

	rows  map[string]*issueRow
	order []string // insertion order of first sighting

	merged   int
	failed   int
	deferred int
	inFlight int

	runStarted  time.Time
	runFinished bool
	finishLine  string
	lastEvent   string

	width  int
	height int
	scroll int
}

// NewModel creates an empty dashboard for a run with the given worker count.
func NewModel(maxWorkers int) Model {
	return Model{
		maxWorkers: maxWorkers,
		rows:       make(map[string]*issueRow),
	}
}

// Init starts the elapsed-time ticker.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// EventMsg wraps an orchestrator event for the bubbletea loop. The watch
// command feeds these in via Program.Send.
type EventMsg orchestrator.Event

// TickMsg refreshes elapsed times once a second.
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// activeRows returns non-terminal issues, oldest first.
func (m Model) activeRows() []*issueRow {
	var active []*issueRow
	for _, id := range m.order {
		row := m.rows[id]
		if row.Status == "dispatched" || row.Status == "merging" {
			active = append(active, row)
		}
	}
	return active
}

// doneRows returns terminal issues sorted by ID.
func (m Model) doneRows() []*issueRow {
	var done []*issueRow
	for _, row := range m.rows {
		switch row.Status {
		case "merged", "failed", "deferred":
			done = append(done, row)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].ID < done[j].ID })
	return done
}
