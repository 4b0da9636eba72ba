// Package runstore keeps run history in SQLite so past runs can be inspected
// after their state files are archived.
package runstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/waveforge/wave-orchestrator/internal/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    issue_count INTEGER NOT NULL,
    exit_code INTEGER,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS issue_outcomes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    issue_id TEXT NOT NULL,
    status TEXT NOT NULL,
    kind TEXT,
    reason TEXT,
    elapsed_ns INTEGER,
    recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_outcomes_run_id ON issue_outcomes(run_id);
CREATE INDEX IF NOT EXISTS idx_outcomes_issue_id ON issue_outcomes(issue_id);

CREATE TABLE IF NOT EXISTS merge_attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    issue_id TEXT NOT NULL,
    branch TEXT,
    status TEXT NOT NULL,
    retries INTEGER NOT NULL DEFAULT 0,
    reason TEXT,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_merges_run_id ON merge_attempts(run_id);
`

// Store provides SQLite-backed run history.
type Store struct {
	db *sql.DB
}

// New opens (and if needed creates) the history database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRunStart inserts a new run row.
func (s *Store) RecordRunStart(runID string, issueCount int) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, issue_count, started_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, runID, issueCount, time.Now().UTC())
	return err
}

// RecordRunFinish stamps a run with its exit code.
func (s *Store) RecordRunFinish(runID string, exitCode int) error {
	_, err := s.db.Exec(`
		UPDATE runs SET exit_code = ?, finished_at = ? WHERE id = ?
	`, exitCode, time.Now().UTC(), runID)
	return err
}

// RecordIssueOutcome appends one terminal issue outcome.
func (s *Store) RecordIssueOutcome(runID string, o state.IssueOutcome) error {
	_, err := s.db.Exec(`
		INSERT INTO issue_outcomes (run_id, issue_id, status, kind, reason, elapsed_ns)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, o.IssueID, string(o.Status), string(o.Kind), o.Reason, int64(o.Elapsed))
	return err
}

// RecordMergeAttempt appends one finalized merge request.
func (s *Store) RecordMergeAttempt(runID string, rec state.MergeRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO merge_attempts (run_id, issue_id, branch, status, retries, reason, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, runID, rec.IssueID, rec.Branch, string(rec.Status), rec.Retries, rec.Reason, rec.FinishedAt)
	return err
}

// RunRecord is one row of run history.
type RunRecord struct {
	ID         string
	IssueCount int
	ExitCode   *int
	StartedAt  time.Time
	FinishedAt *time.Time
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]RunRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, issue_count, exit_code, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.IssueCount, &r.ExitCode, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// OutcomeRecord is one issue outcome row.
type OutcomeRecord struct {
	IssueID string
	Status  string
	Kind    string
	Reason  string
	Elapsed time.Duration
}

// ListOutcomes returns the outcomes of one run.
func (s *Store) ListOutcomes(runID string) ([]OutcomeRecord, error) {
	rows, err := s.db.Query(`
		SELECT issue_id, status, kind, reason, elapsed_ns
		FROM issue_outcomes WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []OutcomeRecord
	for rows.Next() {
		var o OutcomeRecord
		var elapsed int64
		if err := rows.Scan(&o.IssueID, &o.Status, &o.Kind, &o.Reason, &elapsed); err != nil {
			return nil, err
		}
		o.Elapsed = time.Duration(elapsed)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// MergeStats aggregates merge behavior for one run.
type MergeStats struct {
	Attempts     int
	TotalRetries int
	Failed       int
}

// MergeStatsForRun aggregates merge attempts of one run.
func (s *Store) MergeStatsForRun(runID string) (MergeStats, error) {
	var st MergeStats
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(retries), 0),
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM merge_attempts WHERE run_id = ?
	`, runID).Scan(&st.Attempts, &st.TotalRetries, &st.Failed)
	return st, err
}
