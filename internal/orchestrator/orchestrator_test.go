package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/waveforge/wave-orchestrator/internal/config"
	"github.com/waveforge/wave-orchestrator/internal/domain"
	"github.com/waveforge/wave-orchestrator/internal/gitrepo"
	"github.com/waveforge/wave-orchestrator/internal/repolock"
	"github.com/waveforge/wave-orchestrator/internal/scheduler"
	"github.com/waveforge/wave-orchestrator/internal/state"
)

type memStore struct {
	mu          sync.Mutex
	issues      []*domain.Issue
	completions map[string]domain.IssueStatus
	order       []string
	corrections map[string][]string
}

func newMemStore(issues ...*domain.Issue) *memStore {
	return &memStore{
		issues:      issues,
		completions: make(map[string]domain.IssueStatus),
		corrections: make(map[string][]string),
	}
}

func (m *memStore) LoadActiveIssues() ([]*domain.Issue, error) {
	return m.issues, nil
}

func (m *memStore) RecordCompletion(id string, status domain.IssueStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completions[id] = status
	m.order = append(m.order, id)
	return nil
}

func (m *memStore) RecordCorrections(id string, notes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.corrections[id] = append(m.corrections[id], notes...)
	return nil
}

func (m *memStore) completionIndex(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, v := range m.order {
		if v == id {
			return i
		}
	}
	return -1
}

func initRepo(t *testing.T) *gitrepo.Repo {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", "a.txt")
	run("commit", "-m", "initial")

	opts := repolock.Options{MaxRetries: 3, InitialBackoff: 5 * time.Millisecond, StaleAfter: time.Hour}
	return gitrepo.New(dir, repolock.New(dir, opts))
}

func testConfig(t *testing.T, repo *gitrepo.Repo, script string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.General.RepoRoot = repo.Dir()
	cfg.General.WorktreeDir = t.TempDir()
	cfg.General.StatePath = filepath.Join(t.TempDir(), "state.json")
	cfg.General.MaxWorkers = 2
	cfg.Timeouts.IssueTimeout = 30 * time.Second
	cfg.Timeouts.IdleTimeout = 30 * time.Second
	cfg.Timeouts.MergePoll = 20 * time.Millisecond
	cfg.Agent.Command = "sh"
	cfg.Agent.Args = []string{"-c", script}
	return cfg
}

// writeScript makes each issue produce a unique file so merges never collide.
const writeScript = `cat >/dev/null; echo work > "done-$$.txt"`

func TestRun_DependencyOrderAndMerge(t *testing.T) {
	repo := initRepo(t)
	store := newMemStore(
		&domain.Issue{ID: "aa", BlockedBy: []string{"bb"}},
		&domain.Issue{ID: "bb"},
		&domain.Issue{ID: "cc"},
	)
	cfg := testConfig(t, repo, writeScript)
	o := New(cfg, repo, store)

	summary, code, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if code != ExitOK {
		t.Fatalf("exit code = %d, summary %+v", code, summary)
	}
	if summary.Merged != 3 || summary.Failed != 0 {
		t.Fatalf("summary = %+v, want 3 merged", summary)
	}

	// The blocker must complete before its dependent
	if store.completionIndex("bb") > store.completionIndex("aa") {
		t.Errorf("bb completed at %d, after aa at %d", store.completionIndex("bb"), store.completionIndex("aa"))
	}

	// Clean completion archives the state file
	if _, err := os.Stat(cfg.General.StatePath); !os.IsNotExist(err) {
		t.Error("state file still present after clean completion")
	}
	if _, err := os.Stat(cfg.General.StatePath + ".done-" + summary.RunID); err != nil {
		t.Errorf("archived state missing: %v", err)
	}

	// Trunk is clean and has the merged work
	status, _ := repo.Status()
	if len(status) != 0 {
		t.Errorf("trunk dirty after run: %v", status)
	}
}

func TestRun_AgentFailureDoesNotHang(t *testing.T) {
	repo := initRepo(t)
	store := newMemStore(
		&domain.Issue{ID: "one"},
		&domain.Issue{ID: "two"},
	)
	cfg := testConfig(t, repo, `cat >/dev/null; echo "unhandled exception"; exit 1`)
	cfg.General.MaxWorkers = 1
	o := New(cfg, repo, store)

	done := make(chan struct{})
	var summary *Summary
	var code int
	go func() {
		summary, code, _ = o.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(60 * time.Second):
		t.Fatal("run hung after agent failure")
	}
	if code != ExitFailed {
		t.Errorf("exit code = %d, want %d", code, ExitFailed)
	}
	if summary.Failed != 2 {
		t.Errorf("summary = %+v, want 2 failed", summary)
	}
	// Both issues got a completion record despite failures
	if len(store.completions) != 2 {
		t.Errorf("completions = %v", store.completions)
	}
}

func TestRun_NoOpAgentDeferred(t *testing.T) {
	repo := initRepo(t)
	store := newMemStore(&domain.Issue{ID: "lazy"})
	cfg := testConfig(t, repo, `cat >/dev/null; echo "nothing to do"`)
	o := New(cfg, repo, store)

	summary, code, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if code != ExitOK {
		t.Errorf("exit code = %d", code)
	}
	if summary.Deferred != 1 || summary.Merged != 0 {
		t.Errorf("summary = %+v, want 1 deferred", summary)
	}
	if store.completions["lazy"] != domain.StatusDeferred {
		t.Errorf("completion = %s, want deferred", store.completions["lazy"])
	}
}

func TestResume_DispatchesQueuedExactlyOnce(t *testing.T) {
	repo := initRepo(t)
	issues := []*domain.Issue{
		{ID: "ra"},
		{ID: "rb"},
	}
	store := newMemStore(issues...)
	cfg := testConfig(t, repo, writeScript)
	o := New(cfg, repo, store)

	// Persist a snapshot as an interrupted run would have left it: empty
	// in-progress set, full queue.
	plan := &scheduler.Plan{SubWaves: []scheduler.SubWave{{Wave: 0, Index: 0, IssueIDs: []string{"ra", "rb"}}}}
	snap := state.NewSnapshot(plan)
	if err := state.NewStore(cfg.General.StatePath).Save(snap); err != nil {
		t.Fatal(err)
	}

	summary, code, err := o.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if code != ExitOK {
		t.Fatalf("exit code = %d, summary %+v", code, summary)
	}
	if summary.Merged != 2 {
		t.Errorf("summary = %+v, want 2 merged", summary)
	}

	// Exactly one completion per issue: no duplicates, no omissions
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.order) != 2 {
		t.Errorf("completion order = %v, want one entry per issue", store.order)
	}
}

func TestRun_CooperativeShutdownBeforeDispatch(t *testing.T) {
	repo := initRepo(t)
	store := newMemStore(&domain.Issue{ID: "never-run"})
	cfg := testConfig(t, repo, writeScript)
	o := New(cfg, repo, store)

	o.RequestShutdown()
	summary, code, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if code != ExitInterrupted {
		t.Errorf("exit code = %d, want %d", code, ExitInterrupted)
	}
	if summary.Remaining != 1 {
		t.Errorf("summary = %+v, want 1 remaining", summary)
	}
	// Interrupted runs keep their state file for resume
	if _, err := os.Stat(cfg.General.StatePath); err != nil {
		t.Errorf("state file missing after interrupt: %v", err)
	}
}

func TestEvents_PublishedDuringRun(t *testing.T) {
	repo := initRepo(t)
	store := newMemStore(&domain.Issue{ID: "watched"})
	cfg := testConfig(t, repo, writeScript)
	o := New(cfg, repo, store)

	events, cancel := o.Events().Subscribe()
	defer cancel()

	if _, code, err := o.Run(context.Background()); err != nil || code != ExitOK {
		t.Fatalf("Run() = %d, %v", code, err)
	}

	seen := make(map[string]bool)
	for {
		select {
		case e := <-events:
			seen[e.Type] = true
			if e.Type == EventRunFinished {
				for _, want := range []string{EventRunStarted, EventDispatched, EventMerged} {
					if !seen[want] {
						t.Errorf("event %s never published (saw %v)", want, seen)
					}
				}
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("run finished event never arrived, saw %v", seen)
		}
	}
}
