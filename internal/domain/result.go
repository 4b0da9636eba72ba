package domain

import "time"

// FailureKind classifies why a piece of work failed. Raw agent output is
// interpreted once at the worker boundary and converted to one of these;
// nothing downstream re-inspects text.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureTransient FailureKind = "transient" // quota/network/timeout signals, logged only
	FailureReal      FailureKind = "real"      // logic or validation failure
	FailureConflict  FailureKind = "merge_conflict"
	FailureIndex     FailureKind = "index_corruption"
	FailureLeak      FailureKind = "trunk_leak"
	FailureLock      FailureKind = "lock_timeout"
)

// WorkResult is produced exactly once per dispatched issue by the worker pool.
type WorkResult struct {
	IssueID      string
	Success      bool
	ErrorKind    FailureKind
	ErrorMessage string
	Elapsed      time.Duration
	Output       []string // tail of captured agent output
	Corrections  []string
	Branch       string
	WorktreePath string
	NoChanges    bool // process exited cleanly but touched nothing
}

// MergeStatus represents the state of a merge request.
type MergeStatus string

const (
	MergePending  MergeStatus = "pending"
	MergeMerged   MergeStatus = "merged"
	MergeConflict MergeStatus = "conflict"
	MergeFailed   MergeStatus = "failed"
)

// MergeRequest asks the merge coordinator to integrate an issue's branch.
// Status is the only field mutated after creation.
type MergeRequest struct {
	IssueID      string
	Branch       string
	WorktreePath string
	Status       MergeStatus
	Retries      int
	Reason       string
}
