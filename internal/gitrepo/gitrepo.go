package gitrepo

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/waveforge/wave-orchestrator/internal/repolock"
)

// Repo wraps the git command-line tool for one repository. Every invocation
// passes through the repository lock so that concurrent workers and the
// merge coordinator (possibly separate OS processes) never race on the
// shared object store.
type Repo struct {
	dir  string
	lock *repolock.Lock
	mu   sync.Mutex // serializes git calls within this process
}

// New creates a Repo rooted at dir.
func New(dir string, lock *repolock.Lock) *Repo {
	return &Repo{dir: dir, lock: lock}
}

// Dir returns the repository working directory.
func (r *Repo) Dir() string {
	return r.dir
}

// Git runs a git command in the repository under the lock and returns its
// combined output.
func (r *Repo) Git(args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out string
	err := r.lock.With(func() error {
		var runErr error
		out, runErr = r.gitUnlocked(args...)
		return runErr
	})
	return out, err
}

// GitIn runs a git command in an arbitrary directory (e.g. a worktree) under
// the same repository lock; worktrees share the object store with the trunk.
func (r *Repo) GitIn(dir string, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out string
	err := r.lock.With(func() error {
		var runErr error
		out, runErr = gitIn(dir, args...)
		return runErr
	})
	return out, err
}

func (r *Repo) gitUnlocked(args ...string) (string, error) {
	return gitIn(r.dir, args...)
}

func gitIn(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s failed: %w\n%s", args[0], err, out)
	}
	return string(out), nil
}

// Status returns porcelain status lines for the trunk checkout.
func (r *Repo) Status() ([]string, error) {
	out, err := r.Git("status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return nonEmptyLines(out), nil
}

// StatusIn returns porcelain status lines for an arbitrary checkout.
func (r *Repo) StatusIn(dir string) ([]string, error) {
	out, err := r.GitIn(dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return nonEmptyLines(out), nil
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch() (string, error) {
	out, err := r.Git("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Rev resolves a ref to a commit SHA.
func (r *Repo) Rev(ref string) (string, error) {
	out, err := r.Git("rev-parse", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// BranchExists reports whether a local branch exists.
func (r *Repo) BranchExists(branch string) bool {
	_, err := r.Git("rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// DeleteBranch force-deletes a local branch. Missing branches are not an error.
func (r *Repo) DeleteBranch(branch string) {
	r.Git("branch", "-D", branch)
}

// Checkout switches the trunk checkout to a branch.
func (r *Repo) Checkout(branch string) error {
	_, err := r.Git("checkout", branch)
	return err
}

// Add stages the given paths.
func (r *Repo) Add(paths ...string) error {
	args := append([]string{"add", "--"}, paths...)
	_, err := r.Git(args...)
	return err
}

// Commit records staged changes. Returns false if there was nothing staged.
func (r *Repo) Commit(message string) (bool, error) {
	// git diff --cached --quiet exits 1 when there are staged changes
	if _, err := r.Git("diff", "--cached", "--quiet"); err == nil {
		return false, nil
	}
	if _, err := r.Git("commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// StashPush stashes uncommitted changes, excluding the given pathspecs.
// Returns false if there was nothing to stash.
func (r *Repo) StashPush(message string, excludes []string) (bool, error) {
	args := []string{"stash", "push", "--include-untracked", "-m", message}
	if len(excludes) > 0 {
		args = append(args, "--")
		args = append(args, ":/")
		for _, e := range excludes {
			args = append(args, ":(exclude)"+e)
		}
	}
	out, err := r.Git(args...)
	if err != nil {
		return false, err
	}
	return !strings.Contains(out, "No local changes to save"), nil
}

// StashPop restores the most recent stash entry.
func (r *Repo) StashPop() error {
	_, err := r.Git("stash", "pop")
	return err
}

// StashDrop discards the most recent stash entry.
func (r *Repo) StashDrop() error {
	_, err := r.Git("stash", "drop")
	return err
}

// Merge merges branch into the current branch with a merge commit.
func (r *Repo) Merge(branch, message string) error {
	_, err := r.Git("merge", "--no-ff", "-m", message, branch)
	return err
}

// MergeAbort abandons an in-progress merge. Safe to call when none is active.
func (r *Repo) MergeAbort() {
	r.Git("merge", "--abort")
}

// RebaseOnto rebases branch onto the trunk branch, working in the branch's
// worktree so the trunk checkout is untouched.
func (r *Repo) RebaseOnto(worktree, trunk string) error {
	_, err := r.GitIn(worktree, "rebase", trunk)
	return err
}

// RebaseAbort abandons an in-progress rebase in a worktree.
func (r *Repo) RebaseAbort(worktree string) {
	r.GitIn(worktree, "rebase", "--abort")
}

// ConflictingFiles returns paths with genuine content conflicts in the trunk
// checkout (unmerged entries from an active merge).
func (r *Repo) ConflictingFiles() ([]string, error) {
	out, err := r.Git("diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return nonEmptyLines(out), nil
}

// UnmergedIndexEntries returns unmerged index stages. Non-empty output with
// no active merge means the index was left corrupted by an aborted attempt.
func (r *Repo) UnmergedIndexEntries() ([]string, error) {
	out, err := r.Git("ls-files", "--unmerged")
	if err != nil {
		return nil, err
	}
	return nonEmptyLines(out), nil
}

// MergeInProgress reports whether a merge is active (MERGE_HEAD exists).
func (r *Repo) MergeInProgress() bool {
	_, err := r.Git("rev-parse", "--verify", "--quiet", "MERGE_HEAD")
	return err == nil
}

// ResetIndex resets the index to HEAD without touching the working tree.
// This clears unmerged entries left behind by a prior aborted merge.
func (r *Repo) ResetIndex() error {
	_, err := r.Git("reset", "--mixed", "HEAD")
	return err
}

// ResetHard discards all local changes and resets to the given ref.
func (r *Repo) ResetHard(ref string) error {
	_, err := r.Git("reset", "--hard", ref)
	return err
}

// CheckoutPaths restores the given paths from HEAD, discarding local edits.
func (r *Repo) CheckoutPaths(paths ...string) error {
	args := append([]string{"checkout", "HEAD", "--"}, paths...)
	_, err := r.Git(args...)
	return err
}

// CleanPaths removes the given untracked files.
func (r *Repo) CleanPaths(paths ...string) error {
	args := append([]string{"clean", "-f", "--"}, paths...)
	_, err := r.Git(args...)
	return err
}

// WorktreeAdd creates a worktree at path on a new branch from base.
func (r *Repo) WorktreeAdd(path, branch, base string) error {
	_, err := r.Git("worktree", "add", "-b", branch, path, base)
	return err
}

// WorktreeRemove force-removes a worktree.
func (r *Repo) WorktreeRemove(path string) error {
	_, err := r.Git("worktree", "remove", "--force", path)
	return err
}

// WorktreePrune drops stale worktree bookkeeping.
func (r *Repo) WorktreePrune() {
	r.Git("worktree", "prune")
}

// WorktreeList returns the paths of all worktrees (porcelain format).
func (r *Repo) WorktreeList() ([]string, error) {
	out, err := r.Git("worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths, nil
}

// WorktreeBranch returns the branch checked out in the worktree at path, or
// empty if not found.
func (r *Repo) WorktreeBranch(path string) string {
	out, err := r.Git("worktree", "list", "--porcelain")
	if err != nil {
		return ""
	}
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if strings.TrimPrefix(line, "worktree ") != path {
			continue
		}
		for j := i + 1; j < len(lines) && j < i+4; j++ {
			if strings.HasPrefix(lines[j], "branch refs/heads/") {
				return strings.TrimPrefix(lines[j], "branch refs/heads/")
			}
		}
	}
	return ""
}

func nonEmptyLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
