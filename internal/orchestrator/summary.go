package orchestrator

import (
	"fmt"
	"sort"
	"time"

	"github.com/waveforge/wave-orchestrator/internal/domain"
	"github.com/waveforge/wave-orchestrator/internal/state"
)

// IssueReport is one issue's line in the final summary.
type IssueReport struct {
	IssueID string
	Status  domain.IssueStatus
	Kind    domain.FailureKind
	Reason  string
	Elapsed time.Duration
}

// Summary aggregates a finished (or interrupted) run for reporting.
type Summary struct {
	RunID        string
	Merged       int
	Failed       int
	Deferred     int
	Remaining    int
	MergeRetries int
	Corrections  int
	Elapsed      time.Duration
	Issues       []IssueReport
	CycleBreaks  int
}

func buildSummary(snap *state.Snapshot, elapsed time.Duration) *Summary {
	s := &Summary{
		RunID:     snap.RunID,
		Remaining: len(snap.Queue) + len(snap.InProgress),
		Elapsed:   elapsed,
	}
	if snap.Plan != nil {
		s.CycleBreaks = len(snap.Plan.CycleBreaks)
	}
	for _, o := range snap.Outcomes {
		switch o.Status {
		case domain.StatusMerged:
			s.Merged++
		case domain.StatusFailed:
			s.Failed++
		case domain.StatusDeferred:
			s.Deferred++
		}
		s.Issues = append(s.Issues, IssueReport{
			IssueID: o.IssueID,
			Status:  o.Status,
			Kind:    o.Kind,
			Reason:  o.Reason,
			Elapsed: o.Elapsed,
		})
	}
	sort.Slice(s.Issues, func(i, j int) bool { return s.Issues[i].IssueID < s.Issues[j].IssueID })

	for _, rec := range snap.MergeLog {
		s.MergeRetries += rec.Retries
	}
	for _, n := range snap.Corrections {
		s.Corrections += n
	}
	return s
}

// Oneline renders the counts for logs and notifications.
func (s *Summary) Oneline() string {
	line := fmt.Sprintf("%d merged, %d failed, %d deferred", s.Merged, s.Failed, s.Deferred)
	if s.Remaining > 0 {
		line += fmt.Sprintf(", %d remaining", s.Remaining)
	}
	return line
}
