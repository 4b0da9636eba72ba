// Package worker runs issues through isolated checkouts with a bounded
// number of concurrent workers.
package worker

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/waveforge/wave-orchestrator/internal/domain"
	"github.com/waveforge/wave-orchestrator/internal/executor"
	"github.com/waveforge/wave-orchestrator/internal/gitrepo"
)

// Pool dispatches issues to workers. Capacity is fixed at construction; a
// dispatch either claims a slot immediately or reports the pool full.
type Pool struct {
	slots     *slotPool
	repo      *gitrepo.Repo
	worktrees *executor.WorktreeManager
	runner    *executor.AgentRunner

	wallTimeout time.Duration
	idleTimeout time.Duration

	wg sync.WaitGroup
}

// New creates a Pool with maxWorkers slots.
func New(maxWorkers int, repo *gitrepo.Repo, worktrees *executor.WorktreeManager, runner *executor.AgentRunner, wallTimeout, idleTimeout time.Duration) *Pool {
	return &Pool{
		slots:       newSlotPool(maxWorkers),
		repo:        repo,
		worktrees:   worktrees,
		runner:      runner,
		wallTimeout: wallTimeout,
		idleTimeout: idleTimeout,
	}
}

// Available returns the number of free worker slots.
func (p *Pool) Available() int {
	return p.slots.availableSlots()
}

// SetOnSlotsChanged registers a callback invoked when slot availability
// changes, for status reporting.
func (p *Pool) SetOnSlotsChanged(callback func(available int)) {
	p.slots.setOnSlotsChanged(callback)
}

// Dispatch claims a slot and runs the issue on a new worker goroutine.
// Returns false without side effects when the pool is full. onComplete is
// invoked exactly once per successful dispatch, always with a WorkResult:
// panics, cancellation, and timeouts are all converted to failed results at
// this boundary.
func (p *Pool) Dispatch(ctx context.Context, issue *domain.Issue, onComplete func(domain.WorkResult)) bool {
	if !p.slots.acquire() {
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.slots.release()

		var once sync.Once
		complete := func(r domain.WorkResult) {
			once.Do(func() { onComplete(r) })
		}

		defer func() {
			if r := recover(); r != nil {
				log.Printf("worker for %s panicked: %v", issue.ID, r)
				complete(domain.WorkResult{
					IssueID:      issue.ID,
					Success:      false,
					ErrorKind:    domain.FailureReal,
					ErrorMessage: fmt.Sprintf("worker panic: %v", r),
				})
			}
		}()

		complete(p.runWorker(ctx, issue))
	}()
	return true
}

// Wait blocks until all in-flight workers have completed.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// runWorker executes the full per-issue sequence: provision a worktree,
// invoke the agent, commit its leftovers, detect no-ops and trunk leaks,
// and package everything into a WorkResult.
func (p *Pool) runWorker(ctx context.Context, issue *domain.Issue) domain.WorkResult {
	result := domain.WorkResult{IssueID: issue.ID}

	if ctx.Err() != nil {
		result.ErrorKind = domain.FailureTransient
		result.ErrorMessage = "run cancelled before dispatch"
		return result
	}

	trunkBefore, err := p.repo.Status()
	if err != nil {
		result.ErrorKind = domain.FailureReal
		result.ErrorMessage = fmt.Sprintf("reading trunk status: %v", err)
		return result
	}

	wtPath, branch, err := p.worktrees.Create(issue.ID)
	if err != nil {
		result.ErrorKind = domain.FailureReal
		result.ErrorMessage = fmt.Sprintf("provisioning worktree: %v", err)
		return result
	}
	result.WorktreePath = wtPath
	result.Branch = branch

	started := time.Now()
	runRes, err := p.runner.Run(ctx, wtPath, agentInput(issue), p.wallTimeout, p.idleTimeout)
	if err != nil {
		result.Elapsed = time.Since(started)
		result.ErrorKind = domain.FailureReal
		result.ErrorMessage = fmt.Sprintf("starting agent: %v", err)
		return result
	}
	result.Elapsed = runRes.Elapsed
	result.Output = runRes.Output

	// Commit whatever the agent left uncommitted so the branch carries the
	// complete work. Seeded anchor files are local-only and excluded both
	// from the dirty check and from the commit.
	dirty, err := p.repo.StatusIn(wtPath)
	if err != nil {
		result.ErrorKind = domain.FailureReal
		result.ErrorMessage = fmt.Sprintf("reading worktree status: %v", err)
		return result
	}
	changed := withoutSeeded(dirty, p.worktrees.SeedFiles())
	if len(changed) > 0 {
		addArgs := []string{"add", "-A", "--", "."}
		for _, seed := range p.worktrees.SeedFiles() {
			addArgs = append(addArgs, ":(exclude)"+seed)
		}
		if _, err := p.repo.GitIn(wtPath, addArgs...); err == nil {
			p.repo.GitIn(wtPath, "commit", "-m", fmt.Sprintf("%s: agent changes", issue.ID))
		}
	}

	result.NoChanges = len(changed) == 0 && !p.branchAhead(branch)

	// Safety net: anything the agent wrote into the shared trunk checkout is
	// cleaned up and noted.
	if leaked := p.cleanTrunkLeak(trunkBefore); len(leaked) > 0 {
		result.Corrections = append(result.Corrections,
			fmt.Sprintf("cleaned trunk leak: %s", strings.Join(leaked, ", ")))
	}

	if ctx.Err() != nil && runRes.ExitErr != nil {
		result.ErrorKind = domain.FailureTransient
		result.ErrorMessage = "run cancelled"
		return result
	}
	if runRes.ExitErr != nil {
		result.ErrorKind, result.ErrorMessage = classifyFailure(runRes)
		return result
	}

	result.Success = true
	return result
}

// branchAhead reports whether branch has commits the trunk does not.
func (p *Pool) branchAhead(branch string) bool {
	out, err := p.repo.Git("rev-list", "--count", p.worktreesTrunk()+".."+branch)
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) != "0"
}

func (p *Pool) worktreesTrunk() string {
	return p.worktrees.Trunk()
}

// cleanTrunkLeak compares the trunk checkout's status against its pre-run
// snapshot and reverts anything new. Returns the cleaned paths.
func (p *Pool) cleanTrunkLeak(before []string) []string {
	after, err := p.repo.Status()
	if err != nil {
		return nil
	}

	known := make(map[string]bool, len(before))
	for _, line := range before {
		known[line] = true
	}

	var tracked, untracked []string
	for _, line := range after {
		if known[line] || len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if strings.HasPrefix(line, "??") {
			untracked = append(untracked, path)
		} else {
			tracked = append(tracked, path)
		}
	}

	if len(tracked) > 0 {
		if err := p.repo.CheckoutPaths(tracked...); err != nil {
			log.Printf("Warning: reverting leaked trunk changes: %v", err)
		}
	}
	if len(untracked) > 0 {
		if err := p.repo.CleanPaths(untracked...); err != nil {
			log.Printf("Warning: removing leaked untracked files: %v", err)
		}
	}
	return append(tracked, untracked...)
}

// withoutSeeded drops status lines for seeded anchor files.
func withoutSeeded(status []string, seeds []string) []string {
	if len(seeds) == 0 {
		return status
	}
	seeded := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		seeded[filepath.ToSlash(s)] = true
	}
	var kept []string
	for _, line := range status {
		if len(line) >= 4 && seeded[strings.TrimSpace(line[3:])] {
			continue
		}
		kept = append(kept, line)
	}
	return kept
}

// agentInput renders the text handed to the agent on stdin.
func agentInput(issue *domain.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue: %s\n", issue.ID)
	if issue.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", issue.Title)
	}
	if issue.Body != "" {
		b.WriteString("\n")
		b.WriteString(issue.Body)
		b.WriteString("\n")
	}
	return b.String()
}
