package domain

import (
	"fmt"
	"regexp"
	"time"
)

var issueIDRegex = regexp.MustCompile(`^[a-z][a-z0-9._-]*$`)

// IssueStatus represents the lifecycle state of an issue.
// Status is mutated only by the orchestrator; issues are never deleted,
// only transitioned.
type IssueStatus string

const (
	StatusQueued     IssueStatus = "queued"
	StatusDispatched IssueStatus = "dispatched"
	StatusInProgress IssueStatus = "in_progress"
	StatusMerged     IssueStatus = "merged"
	StatusFailed     IssueStatus = "failed"
	StatusDeferred   IssueStatus = "deferred"
)

// Terminal returns true if no further transition is possible.
func (s IssueStatus) Terminal() bool {
	return s == StatusMerged || s == StatusFailed || s == StatusDeferred
}

// Priority represents issue priority
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = ""
	PriorityLow    Priority = "low"
)

// PriorityOrder returns a sortable rank (lower runs first).
func PriorityOrder(p Priority) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// ValidateIssueID checks that an ID is usable as a branch-name component.
func ValidateIssueID(id string) error {
	if !issueIDRegex.MatchString(id) {
		return fmt.Errorf("invalid issue ID %q (want lowercase alphanumeric with . _ -)", id)
	}
	return nil
}

// Issue is a unit of work loaded from the backlog.
type Issue struct {
	ID        string
	Title     string
	Body      string
	Priority  Priority
	BlockedBy []string // IDs this issue waits on
	Blocks    []string // IDs waiting on this issue
	Hints     []string // extracted file/directory/scope hints
	Status    IssueStatus
	Arrival   int // load order, used as final queue tiebreaker
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsReady returns true if the issue is queued and all in-set blockers are done.
func (i *Issue) IsReady(done map[string]bool, inSet map[string]bool) bool {
	if i.Status != StatusQueued {
		return false
	}
	for _, dep := range i.BlockedBy {
		if inSet[dep] && !done[dep] {
			return false
		}
	}
	return true
}
