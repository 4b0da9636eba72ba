// Package merge integrates finished work into the trunk. All trunk mutations
// in the whole program happen on this package's single consumer goroutine.
package merge

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/waveforge/wave-orchestrator/internal/domain"
)

// repoOps is the slice of repository operations the coordinator needs.
// *gitrepo.Repo satisfies it.
type repoOps interface {
	Status() ([]string, error)
	Add(paths ...string) error
	Commit(message string) (bool, error)
	StashPush(message string, excludes []string) (bool, error)
	StashPop() error
	Merge(branch, message string) error
	MergeAbort()
	MergeInProgress() bool
	ConflictingFiles() ([]string, error)
	UnmergedIndexEntries() ([]string, error)
	ResetIndex() error
	RebaseOnto(worktree, trunk string) error
	RebaseAbort(worktree string)
}

// Options configure the coordinator.
type Options struct {
	Trunk          string
	RetryLimit     int
	StashExcludes  []string
	BookkeepingDir string // uncommitted changes under this prefix are committed, not stashed
	PollInterval   time.Duration
}

// Coordinator is the single writer for the trunk. Requests arrive on a
// channel and are finalized one at a time; the poll interval exists only so
// the consumer can notice a shutdown, it never substitutes for signaling.
type Coordinator struct {
	repo     repoOps
	opts     Options
	onResult func(*domain.MergeRequest)

	requests chan *domain.MergeRequest
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Coordinator. onResult is called once per request after its
// status is final.
func New(repo repoOps, opts Options, onResult func(*domain.MergeRequest)) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &Coordinator{
		repo:     repo,
		opts:     opts,
		onResult: onResult,
		requests: make(chan *domain.MergeRequest, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the consumer goroutine.
func (c *Coordinator) Start() {
	go c.loop()
}

// Enqueue submits a merge request for processing.
func (c *Coordinator) Enqueue(req *domain.MergeRequest) {
	c.requests <- req
}

// Stop shuts the consumer down after draining already-queued requests and
// waits for it to exit.
func (c *Coordinator) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Coordinator) loop() {
	defer close(c.done)
	for {
		select {
		case req := <-c.requests:
			c.handle(req)
		case <-time.After(c.opts.PollInterval):
			select {
			case <-c.stop:
				c.drain()
				return
			default:
			}
		}
	}
}

func (c *Coordinator) drain() {
	for {
		select {
		case req := <-c.requests:
			c.handle(req)
		default:
			return
		}
	}
}

func (c *Coordinator) handle(req *domain.MergeRequest) {
	c.process(req)
	if c.onResult != nil {
		c.onResult(req)
	}
}

// process runs the full per-request sequence. Every exit path leaves the
// trunk either cleanly merged or exactly as it was before the attempt.
func (c *Coordinator) process(req *domain.MergeRequest) {
	// A crash during an earlier merge can leave MERGE_HEAD behind
	if c.repo.MergeInProgress() {
		log.Printf("Warning: aborting merge left in progress by a previous run")
		c.repo.MergeAbort()
	}

	if err := c.commitBookkeeping(); err != nil {
		log.Printf("Warning: committing bookkeeping changes: %v", err)
	}

	if err := c.repairIndex(); err != nil {
		req.Status = domain.MergeFailed
		req.Reason = fmt.Sprintf("repairing index: %v", err)
		return
	}

	stashed, err := c.repo.StashPush("wave-orch pre-merge", c.opts.StashExcludes)
	if err != nil {
		req.Status = domain.MergeFailed
		req.Reason = fmt.Sprintf("stashing local changes: %v", err)
		return
	}

	c.attempt(req)

	if stashed {
		if err := c.repo.StashPop(); err != nil {
			// Never discard user changes; the stash entry stays recoverable
			log.Printf("Warning: restoring stash after merge of %s: %v", req.IssueID, err)
		}
	}
}

// attempt merges the branch, retrying via rebase on genuine conflicts up to
// the retry limit. Unmerged-index artifacts from aborted attempts are
// repaired and do not consume the retry budget; genuine conflicts must not be
// reset away, since resetting just reproduces them.
func (c *Coordinator) attempt(req *domain.MergeRequest) {
	message := fmt.Sprintf("merge %s: integrate %s", req.Branch, req.IssueID)
	retries := 0
	indexRepairs := 0

	for {
		err := c.repo.Merge(req.Branch, message)
		if err == nil {
			req.Status = domain.MergeMerged
			req.Retries = retries
			return
		}

		conflicts, cerr := c.repo.ConflictingFiles()
		if cerr != nil {
			c.repo.MergeAbort()
			req.Status = domain.MergeFailed
			req.Retries = retries
			req.Reason = fmt.Sprintf("inspecting conflicts: %v", cerr)
			return
		}

		if len(conflicts) == 0 {
			// No content conflict: stale unmerged entries in the index
			c.repo.MergeAbort()
			if unmerged, _ := c.repo.UnmergedIndexEntries(); len(unmerged) > 0 && indexRepairs < 2 {
				indexRepairs++
				if rerr := c.repo.ResetIndex(); rerr != nil {
					req.Status = domain.MergeFailed
					req.Retries = retries
					req.Reason = fmt.Sprintf("resetting corrupted index: %v", rerr)
					return
				}
				continue
			}
			req.Status = domain.MergeFailed
			req.Retries = retries
			req.Reason = fmt.Sprintf("merge failed without content conflict: %v", err)
			return
		}

		req.Status = domain.MergeConflict
		c.repo.MergeAbort()

		if retries >= c.opts.RetryLimit {
			req.Status = domain.MergeFailed
			req.Retries = retries
			req.Reason = fmt.Sprintf("conflict in %s after %d rebase retries", strings.Join(conflicts, ", "), retries)
			return
		}
		retries++

		if rerr := c.repo.RebaseOnto(req.WorktreePath, c.opts.Trunk); rerr != nil {
			c.repo.RebaseAbort(req.WorktreePath)
			req.Status = domain.MergeFailed
			req.Retries = retries
			req.Reason = fmt.Sprintf("rebase onto %s: conflict in %s", c.opts.Trunk, strings.Join(conflicts, ", "))
			return
		}
	}
}

// commitBookkeeping commits record-keeping changes a prior completed issue
// left in the trunk checkout (e.g. backlog files moved to done). They must
// never block a later merge as uncommitted local changes.
func (c *Coordinator) commitBookkeeping() error {
	if c.opts.BookkeepingDir == "" {
		return nil
	}
	status, err := c.repo.Status()
	if err != nil {
		return err
	}

	var paths []string
	prefix := strings.TrimSuffix(c.opts.BookkeepingDir, "/") + "/"
	for _, line := range status {
		if len(line) < 4 {
			continue
		}
		p := strings.TrimSpace(line[3:])
		// Renames show as "old -> new"
		if idx := strings.Index(p, " -> "); idx >= 0 {
			paths = append(paths, p[:idx], p[idx+4:])
			continue
		}
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return nil
	}

	var inScope []string
	for _, p := range paths {
		if strings.HasPrefix(p, prefix) {
			inScope = append(inScope, p)
		}
	}
	if len(inScope) == 0 {
		return nil
	}
	if err := c.repo.Add(inScope...); err != nil {
		return err
	}
	_, err = c.repo.Commit("record completed work")
	return err
}

// repairIndex clears unmerged index entries left by an aborted attempt when
// no merge is actually in progress.
func (c *Coordinator) repairIndex() error {
	unmerged, err := c.repo.UnmergedIndexEntries()
	if err != nil {
		return err
	}
	if len(unmerged) == 0 || c.repo.MergeInProgress() {
		return nil
	}
	log.Printf("Warning: clearing %d stale unmerged index entries", len(unmerged))
	return c.repo.ResetIndex()
}
