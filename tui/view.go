package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	mergingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	mergedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	deferredStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// View renders the dashboard.
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	header := fmt.Sprintf(" wave-orch │ in flight: %d/%d │ merged: %d │ failed: %d │ deferred: %d │ %s ",
		m.inFlight, m.maxWorkers, m.merged, m.failed, m.deferred, m.elapsed())
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderActive()))
	b.WriteString("\n")
	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderDone()))
	b.WriteString("\n")

	if m.runFinished {
		b.WriteString(mergedStyle.Render(" run finished: " + m.finishLine))
	} else if m.lastEvent != "" {
		b.WriteString(dimmedStyle.Render(" " + m.lastEvent))
	}
	b.WriteString("\n")
	b.WriteString(dimmedStyle.Render(" q quit │ j/k scroll"))

	return b.String()
}

func (m Model) elapsed() string {
	if m.runStarted.IsZero() {
		return "starting"
	}
	return humanize.RelTime(m.runStarted, time.Now(), "elapsed", "")
}

func (m Model) renderActive() string {
	active := m.activeRows()
	if len(active) == 0 {
		return "In flight\n" + dimmedStyle.Render("  nothing running")
	}

	var b strings.Builder
	b.WriteString("In flight\n")
	for _, row := range active {
		style := runningStyle
		if row.Status == "merging" {
			style = mergingStyle
		}
		line := fmt.Sprintf("  %-24s %-10s wave %d.%d  %s",
			row.ID, row.Status, row.Wave, row.SubWave, sinceText(row.Since))
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderDone() string {
	done := m.doneRows()
	if len(done) == 0 {
		return "Completed\n" + dimmedStyle.Render("  nothing yet")
	}

	visible := maxVisibleDone
	if m.height > 0 {
		// Leave room for the header, active section, and footer
		if v := m.height - len(m.activeRows()) - 10; v > 0 && v < visible {
			visible = v
		}
	}
	if m.scroll > len(done)-visible {
		m.scroll = len(done) - visible
	}
	if m.scroll < 0 {
		m.scroll = 0
	}
	end := m.scroll + visible
	if end > len(done) {
		end = len(done)
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Completed (%d)\n", len(done)))
	for _, row := range done[m.scroll:end] {
		var style lipgloss.Style
		switch row.Status {
		case "merged":
			style = mergedStyle
		case "failed":
			style = failedStyle
		default:
			style = deferredStyle
		}
		line := fmt.Sprintf("  %-24s %-10s %s", row.ID, row.Status, row.Detail)
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

const maxVisibleDone = 15

func sinceText(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return time.Since(t).Round(time.Second).String()
}
