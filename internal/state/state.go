// Package state persists the orchestrator's progress so an interrupted run
// can resume exactly where it stopped.
package state

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/waveforge/wave-orchestrator/internal/domain"
	"github.com/waveforge/wave-orchestrator/internal/fileutil"
	"github.com/waveforge/wave-orchestrator/internal/scheduler"
)

// IssueOutcome summarizes a finished issue.
type IssueOutcome struct {
	IssueID string             `json:"issue_id"`
	Status  domain.IssueStatus `json:"status"`
	Kind    domain.FailureKind `json:"kind,omitempty"`
	Reason  string             `json:"reason,omitempty"`
	Elapsed time.Duration      `json:"elapsed_ns"`
}

// MergeRecord is one entry in the merge history.
type MergeRecord struct {
	IssueID    string             `json:"issue_id"`
	Branch     string             `json:"branch"`
	Status     domain.MergeStatus `json:"status"`
	Retries    int                `json:"retries"`
	Reason     string             `json:"reason,omitempty"`
	FinishedAt time.Time          `json:"finished_at"`
}

// Snapshot is the durable picture of a run. It is the single source of truth
// for crash recovery: the queue, in-progress set, and outcome sets must
// always partition the full issue set.
type Snapshot struct {
	RunID       string                  `json:"run_id"`
	StartedAt   time.Time               `json:"started_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
	Plan        *scheduler.Plan         `json:"plan"`
	Queue       []string                `json:"queue"`
	InProgress  []string                `json:"in_progress"`
	Outcomes    map[string]IssueOutcome `json:"outcomes"`
	MergeLog    []MergeRecord           `json:"merge_log"`
	Corrections map[string]int          `json:"corrections"`
}

// NewSnapshot starts a fresh run over the given plan. The queue takes the
// plan's sub-wave order.
func NewSnapshot(plan *scheduler.Plan) *Snapshot {
	s := &Snapshot{
		RunID:       uuid.NewString(),
		StartedAt:   time.Now().UTC(),
		Plan:        plan,
		Outcomes:    make(map[string]IssueOutcome),
		Corrections: make(map[string]int),
	}
	for _, sw := range plan.SubWaves {
		s.Queue = append(s.Queue, sw.IssueIDs...)
	}
	return s
}

// MarkInProgress moves an issue from the queue to the in-progress set.
func (s *Snapshot) MarkInProgress(id string) {
	s.Queue = removeID(s.Queue, id)
	if !containsID(s.InProgress, id) {
		s.InProgress = append(s.InProgress, id)
	}
}

// MarkDone moves an issue from the in-progress set (or queue, for issues
// deferred before dispatch) to a terminal outcome.
func (s *Snapshot) MarkDone(outcome IssueOutcome) {
	s.InProgress = removeID(s.InProgress, outcome.IssueID)
	s.Queue = removeID(s.Queue, outcome.IssueID)
	s.Outcomes[outcome.IssueID] = outcome
}

// RequeueInProgress returns dispatched-but-unfinished issues to the front of
// the queue. Called at resume: work that died with the previous process must
// be run again.
func (s *Snapshot) RequeueInProgress() {
	if len(s.InProgress) == 0 {
		return
	}
	requeued := append([]string(nil), s.InProgress...)
	sort.Strings(requeued)
	s.Queue = append(requeued, s.Queue...)
	s.InProgress = nil
}

// AddCorrections bumps the correction count for an issue.
func (s *Snapshot) AddCorrections(id string, n int) {
	if n > 0 {
		s.Corrections[id] += n
	}
}

// CountByStatus returns how many outcomes carry the given status.
func (s *Snapshot) CountByStatus(status domain.IssueStatus) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Done reports whether no work remains.
func (s *Snapshot) Done() bool {
	return len(s.Queue) == 0 && len(s.InProgress) == 0
}

// Validate checks the partition invariant: every issue of the plan appears in
// exactly one of queue, in-progress, or outcomes.
func (s *Snapshot) Validate() error {
	seen := make(map[string]int)
	for _, id := range s.Queue {
		seen[id]++
	}
	for _, id := range s.InProgress {
		seen[id]++
	}
	for id := range s.Outcomes {
		seen[id]++
	}
	for id, n := range seen {
		if n > 1 {
			return fmt.Errorf("issue %s appears in %d state sets", id, n)
		}
	}
	if s.Plan != nil {
		for _, sw := range s.Plan.SubWaves {
			for _, id := range sw.IssueIDs {
				if seen[id] != 1 {
					return fmt.Errorf("issue %s missing from state sets", id)
				}
			}
		}
	}
	return nil
}

// Store reads and writes snapshots at a fixed path.
type Store struct {
	path string
}

// NewStore creates a Store for the given state file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file location.
func (st *Store) Path() string {
	return st.path
}

// Exists reports whether a state file is present.
func (st *Store) Exists() bool {
	_, err := os.Stat(st.path)
	return err == nil
}

// Save writes the snapshot atomically. Called after every transition, so a
// crash at any point leaves either the old or the new state on disk.
func (st *Store) Save(s *Snapshot) error {
	s.UpdatedAt = time.Now().UTC()
	return fileutil.WriteJSON(st.path, s)
}

// Load reads the snapshot from disk.
func (st *Store) Load() (*Snapshot, error) {
	var s Snapshot
	if err := fileutil.ReadJSON(st.path, &s); err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	if s.Outcomes == nil {
		s.Outcomes = make(map[string]IssueOutcome)
	}
	if s.Corrections == nil {
		s.Corrections = make(map[string]int)
	}
	return &s, nil
}

// Archive renames the state file aside after a clean completion, keeping it
// for inspection without letting a later run resume from it.
func (st *Store) Archive(runID string) error {
	target := fmt.Sprintf("%s.done-%s", st.path, runID)
	if err := os.Rename(st.path, target); err != nil {
		return fmt.Errorf("archiving state: %w", err)
	}
	return nil
}

func removeID(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func containsID(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
