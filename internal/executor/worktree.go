package executor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/waveforge/wave-orchestrator/internal/gitrepo"
)

// WorktreeManager provisions isolated checkouts for workers. Each issue gets
// a fresh branch and its own working directory so concurrent workers never
// touch each other's edits.
type WorktreeManager struct {
	repo        *gitrepo.Repo
	worktreeDir string
	trunk       string
	seedFiles   []string
}

// NewWorktreeManager creates a WorktreeManager.
func NewWorktreeManager(repo *gitrepo.Repo, worktreeDir, trunk string, seedFiles []string) *WorktreeManager {
	return &WorktreeManager{
		repo:        repo,
		worktreeDir: worktreeDir,
		trunk:       trunk,
		seedFiles:   seedFiles,
	}
}

// Trunk returns the branch worktrees are anchored at.
func (m *WorktreeManager) Trunk() string {
	return m.trunk
}

// SeedFiles returns the configured anchor file paths, relative to the
// checkout root. They are local-only and never belong on a work branch.
func (m *WorktreeManager) SeedFiles() []string {
	return m.seedFiles
}

// BranchName returns the work branch for an issue.
func BranchName(issueID string) string {
	return "issue/" + issueID
}

// Create provisions a worktree for the issue on a fresh branch anchored at
// the trunk. Leftovers from an earlier attempt for the same issue are cleaned
// up first.
func (m *WorktreeManager) Create(issueID string) (string, string, error) {
	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return "", "", fmt.Errorf("creating worktree dir: %w", err)
	}

	branch := BranchName(issueID)
	if err := m.cleanupExistingBranch(branch); err != nil {
		return "", "", fmt.Errorf("cleaning up existing branch: %w", err)
	}

	// Unique suffix so a retry never collides with a half-removed directory
	suffix := uuid.NewString()[:8]
	wtPath := filepath.Join(m.worktreeDir, fmt.Sprintf("%s-%s", issueID, suffix))

	if err := m.repo.WorktreeAdd(wtPath, branch, m.trunk); err != nil {
		return "", "", err
	}

	if err := m.seed(wtPath); err != nil {
		m.Remove(wtPath, branch)
		return "", "", err
	}
	return wtPath, branch, nil
}

// Remove tears down a worktree and its branch. Errors are reported but the
// teardown continues; stale entries are pruned either way.
func (m *WorktreeManager) Remove(wtPath, branch string) error {
	err := m.repo.WorktreeRemove(wtPath)
	m.repo.WorktreePrune()
	if branch != "" {
		m.repo.DeleteBranch(branch)
	}
	return err
}

// cleanupExistingBranch removes any worktree still holding the branch, then
// the branch itself.
func (m *WorktreeManager) cleanupExistingBranch(branch string) error {
	m.repo.WorktreePrune()

	paths, err := m.repo.WorktreeList()
	if err != nil {
		return err
	}
	for _, p := range paths {
		if m.repo.WorktreeBranch(p) == branch {
			if err := m.repo.WorktreeRemove(p); err != nil {
				return err
			}
		}
	}
	if m.repo.BranchExists(branch) {
		m.repo.DeleteBranch(branch)
	}
	return nil
}

// seed copies configured anchor files from the trunk checkout into the
// worktree. These are uncommitted files (agent instructions, local settings)
// the agent needs but the branch does not carry.
func (m *WorktreeManager) seed(wtPath string) error {
	for _, name := range m.seedFiles {
		src := filepath.Join(m.repo.Dir(), name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyFile(src, filepath.Join(wtPath, name)); err != nil {
			return fmt.Errorf("seeding %s: %w", name, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
