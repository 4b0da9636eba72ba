package merge

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/waveforge/wave-orchestrator/internal/domain"
)

// fakeRepo scripts merge outcomes per attempt: "ok", "conflict", or "index".
type fakeRepo struct {
	script  []string
	attempt int

	conflicts []string
	unmerged  []string
	status    []string
	inMerge   bool

	mergedCount  int
	rebaseCount  int
	resetCount   int
	abortCount   int
	stashPushes  int
	stashPops    int
	stashErr     error
	rebaseErr    error
	added        []string
	commits      []string
	lastExcludes []string
}

func (f *fakeRepo) Status() ([]string, error) { return f.status, nil }

func (f *fakeRepo) Add(paths ...string) error {
	f.added = append(f.added, paths...)
	return nil
}

func (f *fakeRepo) Commit(message string) (bool, error) {
	f.commits = append(f.commits, message)
	f.status = nil
	return true, nil
}

func (f *fakeRepo) StashPush(message string, excludes []string) (bool, error) {
	f.lastExcludes = excludes
	if f.stashErr != nil {
		return false, f.stashErr
	}
	if len(f.status) == 0 {
		return false, nil
	}
	f.stashPushes++
	return true, nil
}

func (f *fakeRepo) StashPop() error {
	f.stashPops++
	return nil
}

func (f *fakeRepo) Merge(branch, message string) error {
	mode := "ok"
	if f.attempt < len(f.script) {
		mode = f.script[f.attempt]
	}
	f.attempt++
	switch mode {
	case "conflict":
		f.conflicts = []string{"src/core.py"}
		f.inMerge = true
		return errors.New("merge failed: conflict")
	case "index":
		f.unmerged = []string{"100644 abc 1\tsrc/core.py"}
		return errors.New("merge failed: unmerged files")
	default:
		f.mergedCount++
		return nil
	}
}

func (f *fakeRepo) MergeAbort() {
	f.abortCount++
	f.conflicts = nil
	f.inMerge = false
}

func (f *fakeRepo) MergeInProgress() bool { return f.inMerge }

func (f *fakeRepo) ConflictingFiles() ([]string, error) { return f.conflicts, nil }

func (f *fakeRepo) UnmergedIndexEntries() ([]string, error) { return f.unmerged, nil }

func (f *fakeRepo) ResetIndex() error {
	f.resetCount++
	f.unmerged = nil
	return nil
}

func (f *fakeRepo) RebaseOnto(worktree, trunk string) error {
	f.rebaseCount++
	return f.rebaseErr
}

func (f *fakeRepo) RebaseAbort(worktree string) {}

func request(id string) *domain.MergeRequest {
	return &domain.MergeRequest{
		IssueID:      id,
		Branch:       "issue/" + id,
		WorktreePath: "/tmp/wt-" + id,
		Status:       domain.MergePending,
	}
}

func options() Options {
	return Options{
		Trunk:         "main",
		RetryLimit:    3,
		StashExcludes: []string{"state.json"},
		PollInterval:  10 * time.Millisecond,
	}
}

func TestCoordinator_CleanMerge(t *testing.T) {
	repo := &fakeRepo{script: []string{"ok"}}
	c := New(repo, options(), nil)

	req := request("a")
	c.process(req)

	if req.Status != domain.MergeMerged {
		t.Errorf("Status = %s, want merged (%s)", req.Status, req.Reason)
	}
	if req.Retries != 0 {
		t.Errorf("Retries = %d, want 0", req.Retries)
	}
}

func TestCoordinator_ConflictTwiceThenMerged(t *testing.T) {
	repo := &fakeRepo{script: []string{"conflict", "conflict", "ok"}}
	c := New(repo, options(), nil)

	req := request("a")
	c.process(req)

	if req.Status != domain.MergeMerged {
		t.Fatalf("Status = %s, want merged (%s)", req.Status, req.Reason)
	}
	if req.Retries != 2 {
		t.Errorf("Retries = %d, want 2", req.Retries)
	}
	if repo.rebaseCount != 2 {
		t.Errorf("rebase count = %d, want 2", repo.rebaseCount)
	}
	if repo.abortCount != 2 {
		t.Errorf("abort count = %d, want 2 (each conflict aborted)", repo.abortCount)
	}
}

func TestCoordinator_RetriesExhausted(t *testing.T) {
	repo := &fakeRepo{script: []string{"conflict", "conflict"}}
	opts := options()
	opts.RetryLimit = 1
	c := New(repo, opts, nil)

	req := request("a")
	c.process(req)

	if req.Status != domain.MergeFailed {
		t.Fatalf("Status = %s, want failed", req.Status)
	}
	if !strings.Contains(req.Reason, "src/core.py") {
		t.Errorf("Reason = %q, want conflicting file named", req.Reason)
	}
	if repo.inMerge {
		t.Error("trunk left with merge in progress")
	}
	if repo.mergedCount != 0 {
		t.Error("failed request must not mutate trunk")
	}
}

func TestCoordinator_IndexArtifactRepaired(t *testing.T) {
	// First attempt fails with unmerged index entries but no content
	// conflict; reset-and-retry must succeed without burning the budget.
	repo := &fakeRepo{script: []string{"index", "ok"}}
	c := New(repo, options(), nil)

	req := request("a")
	c.process(req)

	if req.Status != domain.MergeMerged {
		t.Fatalf("Status = %s, want merged (%s)", req.Status, req.Reason)
	}
	if req.Retries != 0 {
		t.Errorf("Retries = %d, want 0 (index repair is not a conflict retry)", req.Retries)
	}
	if repo.resetCount == 0 {
		t.Error("index never reset")
	}
	if repo.rebaseCount != 0 {
		t.Error("index artifact must not trigger a rebase")
	}
}

func TestCoordinator_PreexistingIndexCorruptionRepaired(t *testing.T) {
	repo := &fakeRepo{script: []string{"ok"}}
	repo.unmerged = []string{"100644 abc 1\tstale.py"}
	c := New(repo, options(), nil)

	req := request("a")
	c.process(req)

	if req.Status != domain.MergeMerged {
		t.Fatalf("Status = %s, want merged", req.Status)
	}
	if repo.resetCount != 1 {
		t.Errorf("reset count = %d, want 1", repo.resetCount)
	}
}

func TestCoordinator_RebaseFailureFails(t *testing.T) {
	repo := &fakeRepo{script: []string{"conflict"}, rebaseErr: errors.New("rebase conflict")}
	c := New(repo, options(), nil)

	req := request("a")
	c.process(req)

	if req.Status != domain.MergeFailed {
		t.Fatalf("Status = %s, want failed", req.Status)
	}
	if req.Retries != 1 {
		t.Errorf("Retries = %d, want 1", req.Retries)
	}
}

func TestCoordinator_StashAroundMerge(t *testing.T) {
	repo := &fakeRepo{script: []string{"ok"}}
	repo.status = []string{" M local-notes.txt"}
	c := New(repo, options(), nil)

	c.process(request("a"))

	if repo.stashPushes != 1 {
		t.Errorf("stash pushes = %d, want 1", repo.stashPushes)
	}
	if repo.stashPops != 1 {
		t.Errorf("stash pops = %d, want 1", repo.stashPops)
	}
	if len(repo.lastExcludes) == 0 || repo.lastExcludes[0] != "state.json" {
		t.Errorf("stash excludes = %v, want config value", repo.lastExcludes)
	}
}

func TestCoordinator_BookkeepingCommitted(t *testing.T) {
	repo := &fakeRepo{script: []string{"ok"}}
	repo.status = []string{
		"R  backlog/active/a.md -> backlog/done/a.md",
		" M unrelated.txt",
	}
	opts := options()
	opts.BookkeepingDir = "backlog"
	c := New(repo, opts, nil)

	c.process(request("b"))

	if len(repo.commits) == 0 {
		t.Fatal("bookkeeping changes never committed")
	}
	for _, p := range repo.added {
		if !strings.HasPrefix(p, "backlog/") {
			t.Errorf("staged out-of-scope path %q", p)
		}
	}
}

func TestCoordinator_SerializesConcurrentRequests(t *testing.T) {
	repo := &fakeRepo{} // every attempt merges
	var mu sync.Mutex
	var results []*domain.MergeRequest
	c := New(repo, options(), func(req *domain.MergeRequest) {
		mu.Lock()
		results = append(results, req)
		mu.Unlock()
	})
	c.Start()

	const k = 8
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.Enqueue(request(string(rune('a' + n))))
		}(i)
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(results)
		mu.Unlock()
		if n == k {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("processed %d of %d requests", n, k)
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Stop()

	if repo.mergedCount != k {
		t.Errorf("trunk mutations = %d, want %d", repo.mergedCount, k)
	}
	for _, r := range results {
		if r.Status != domain.MergeMerged {
			t.Errorf("request %s status = %s", r.IssueID, r.Status)
		}
	}
}

func TestCoordinator_StopDrainsQueue(t *testing.T) {
	repo := &fakeRepo{}
	var mu sync.Mutex
	count := 0
	c := New(repo, options(), func(*domain.MergeRequest) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	// Queue before the consumer starts, then stop immediately
	c.Enqueue(request("a"))
	c.Enqueue(request("b"))
	c.Start()
	time.Sleep(50 * time.Millisecond)
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("processed %d requests before shutdown, want 2", count)
	}
}
