package runstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/waveforge/wave-orchestrator/internal/domain"
	"github.com/waveforge/wave-orchestrator/internal/state"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := newStore(t)

	if err := s.RecordRunStart("run-1", 5); err != nil {
		t.Fatal(err)
	}
	// Re-recording the same run is a no-op, not an error
	if err := s.RecordRunStart("run-1", 5); err != nil {
		t.Fatalf("duplicate start: %v", err)
	}
	if err := s.RecordRunFinish("run-1", 0); err != nil {
		t.Fatal(err)
	}

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("ListRuns() = %d runs, want 1", len(runs))
	}
	r := runs[0]
	if r.ID != "run-1" || r.IssueCount != 5 {
		t.Errorf("run = %+v", r)
	}
	if r.ExitCode == nil || *r.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", r.ExitCode)
	}
	if r.FinishedAt == nil {
		t.Error("finished_at not set")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := newStore(t)

	if err := s.RecordRunStart("old", 1); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := s.RecordRunStart("new", 1); err != nil {
		t.Fatal(err)
	}

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "new" {
		t.Errorf("runs = %+v, want newest first", runs)
	}
}

func TestOutcomesRoundTrip(t *testing.T) {
	s := newStore(t)
	if err := s.RecordRunStart("run-1", 2); err != nil {
		t.Fatal(err)
	}

	outcomes := []state.IssueOutcome{
		{IssueID: "a", Status: domain.StatusMerged, Elapsed: 3 * time.Second},
		{IssueID: "b", Status: domain.StatusFailed, Kind: domain.FailureReal, Reason: "tests failed", Elapsed: time.Second},
	}
	for _, o := range outcomes {
		if err := s.RecordIssueOutcome("run-1", o); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListOutcomes("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("ListOutcomes() = %d rows, want 2", len(got))
	}
	if got[0].IssueID != "a" || got[0].Status != "merged" || got[0].Elapsed != 3*time.Second {
		t.Errorf("first outcome = %+v", got[0])
	}
	if got[1].Kind != "real" || got[1].Reason != "tests failed" {
		t.Errorf("second outcome = %+v", got[1])
	}
}

func TestMergeStats(t *testing.T) {
	s := newStore(t)
	if err := s.RecordRunStart("run-1", 3); err != nil {
		t.Fatal(err)
	}

	recs := []state.MergeRecord{
		{IssueID: "a", Branch: "issue/a", Status: domain.MergeMerged, Retries: 0, FinishedAt: time.Now().UTC()},
		{IssueID: "b", Branch: "issue/b", Status: domain.MergeMerged, Retries: 2, FinishedAt: time.Now().UTC()},
		{IssueID: "c", Branch: "issue/c", Status: domain.MergeFailed, Retries: 3, Reason: "conflict in src/core.py", FinishedAt: time.Now().UTC()},
	}
	for _, rec := range recs {
		if err := s.RecordMergeAttempt("run-1", rec); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.MergeStatsForRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Attempts != 3 || stats.TotalRetries != 5 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want 3 attempts, 5 retries, 1 failed", stats)
	}
}

func TestEmptyRunQueries(t *testing.T) {
	s := newStore(t)

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("runs = %+v, want none", runs)
	}

	stats, err := s.MergeStatsForRun("nope")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Attempts != 0 {
		t.Errorf("stats = %+v", stats)
	}
}
