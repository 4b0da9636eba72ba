// Package notify delivers run-completion notifications.
package notify

import (
	"log"
	"os/exec"
	"runtime"
)

// Notifier delivers a short title and message to a human.
type Notifier interface {
	Notify(title, message string)
}

// Noop discards notifications.
type Noop struct{}

func (Noop) Notify(title, message string) {}

// Multi fans a notification out to several notifiers.
type Multi struct {
	notifiers []Notifier
}

// NewMulti creates a notifier that delivers to all provided notifiers.
func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

func (m *Multi) Notify(title, message string) {
	for _, n := range m.notifiers {
		n.Notify(title, message)
	}
}

// Desktop sends desktop notifications via the platform's notifier command.
type Desktop struct {
	enabled bool
}

// NewDesktop creates a desktop notifier. When disabled it is silent.
func NewDesktop(enabled bool) *Desktop {
	return &Desktop{enabled: enabled}
}

func (d *Desktop) Notify(title, message string) {
	if !d.enabled {
		return
	}
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		script := `display notification "` + message + `" with title "` + title + `"`
		cmd = exec.Command("osascript", "-e", script)
	case "linux":
		cmd = exec.Command("notify-send", title, message)
	default:
		return
	}
	if err := cmd.Run(); err != nil {
		log.Printf("Warning: desktop notification failed: %v", err)
	}
}

// Log writes notifications to the process log. Useful for unattended runs.
type Log struct{}

func (Log) Notify(title, message string) {
	log.Printf("%s: %s", title, message)
}
