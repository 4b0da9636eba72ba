// Package orchestrator drives a run: it dispatches ready issues to the
// worker pool, routes completions to the merge coordinator, and persists
// progress after every transition.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/waveforge/wave-orchestrator/internal/config"
	"github.com/waveforge/wave-orchestrator/internal/domain"
	"github.com/waveforge/wave-orchestrator/internal/executor"
	"github.com/waveforge/wave-orchestrator/internal/gitrepo"
	"github.com/waveforge/wave-orchestrator/internal/merge"
	"github.com/waveforge/wave-orchestrator/internal/overlap"
	"github.com/waveforge/wave-orchestrator/internal/scheduler"
	"github.com/waveforge/wave-orchestrator/internal/state"
	"github.com/waveforge/wave-orchestrator/internal/worker"
)

// Exit codes returned by Run and Resume.
const (
	ExitOK          = 0
	ExitFailed      = 1
	ExitInterrupted = 130
)

// IssueStore supplies the backlog and records outcomes. The orchestrator
// never parses issue documents itself.
type IssueStore interface {
	LoadActiveIssues() ([]*domain.Issue, error)
	RecordCompletion(id string, status domain.IssueStatus, reason string) error
	RecordCorrections(id string, notes []string) error
}

// History persists run records for later inspection. Optional.
type History interface {
	RecordRunStart(runID string, issueCount int) error
	RecordIssueOutcome(runID string, outcome state.IssueOutcome) error
	RecordMergeAttempt(runID string, rec state.MergeRecord) error
	RecordRunFinish(runID string, exitCode int) error
}

// Notifier announces run completion. Optional.
type Notifier interface {
	Notify(title, message string)
}

// Orchestrator coordinates one run at a time.
type Orchestrator struct {
	cfg       *config.Config
	repo      *gitrepo.Repo
	store     IssueStore
	stateFile *state.Store
	detector  *overlap.Detector
	pool      *worker.Pool
	worktrees *executor.WorktreeManager
	events    *Broadcaster
	history   History
	notifier  Notifier

	coopStop atomic.Bool
}

// New wires an Orchestrator from config.
func New(cfg *config.Config, repo *gitrepo.Repo, store IssueStore) *Orchestrator {
	detector := overlap.NewDetector(cfg.Overlap)
	worktrees := executor.NewWorktreeManager(repo, cfg.General.WorktreeDir, cfg.General.TrunkBranch, cfg.Agent.SeedFiles)
	runner := executor.NewAgentRunner(cfg.Agent)
	pool := worker.New(cfg.General.MaxWorkers, repo, worktrees, runner, cfg.Timeouts.IssueTimeout, cfg.Timeouts.IdleTimeout)

	return &Orchestrator{
		cfg:       cfg,
		repo:      repo,
		store:     store,
		stateFile: state.NewStore(cfg.General.StatePath),
		detector:  detector,
		pool:      pool,
		worktrees: worktrees,
		events:    NewBroadcaster(),
	}
}

// SetHistory attaches a run-history recorder.
func (o *Orchestrator) SetHistory(h History) { o.history = h }

// SetNotifier attaches a completion notifier.
func (o *Orchestrator) SetNotifier(n Notifier) { o.notifier = n }

// Events returns the broadcaster for status consumers.
func (o *Orchestrator) Events() *Broadcaster { return o.events }

// Pool exposes the worker pool for status reporting.
func (o *Orchestrator) Pool() *worker.Pool { return o.pool }

// RequestShutdown sets the cooperative stop flag: in-flight work finishes, no
// new work is dispatched, and the run exits with state persisted. A hard stop
// is the caller cancelling the run context.
func (o *Orchestrator) RequestShutdown() {
	if !o.coopStop.Swap(true) {
		o.events.Publish(Event{Type: EventShutdown})
		log.Printf("Shutdown requested; letting in-flight work finish")
	}
}

// Plan loads the backlog and computes the wave plan without running anything.
func (o *Orchestrator) Plan() ([]*domain.Issue, *scheduler.Plan, error) {
	issues, err := o.store.LoadActiveIssues()
	if err != nil {
		return nil, nil, fmt.Errorf("loading backlog: %w", err)
	}
	plan := scheduler.New(issues, nil, o.detector).ComputeWaves()
	return issues, plan, nil
}

// Run plans and executes the full backlog.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, int, error) {
	issues, plan, err := o.Plan()
	if err != nil {
		return nil, ExitFailed, err
	}
	if len(issues) == 0 {
		return &Summary{}, ExitOK, nil
	}
	for _, br := range plan.CycleBreaks {
		log.Printf("Warning: dependency cycle broken: %s no longer waits for %s", br.IssueID, br.BlockerID)
	}

	snap := state.NewSnapshot(plan)
	return o.execute(ctx, snap, issues)
}

// Resume continues an interrupted run from the persisted snapshot. Issues
// that were in progress when the run died are requeued and dispatched again.
func (o *Orchestrator) Resume(ctx context.Context) (*Summary, int, error) {
	snap, err := o.stateFile.Load()
	if err != nil {
		return nil, ExitFailed, err
	}
	snap.RequeueInProgress()

	issues, err := o.store.LoadActiveIssues()
	if err != nil {
		return nil, ExitFailed, fmt.Errorf("loading backlog: %w", err)
	}
	log.Printf("Resuming run %s: %d issues queued, %d already finished", snap.RunID, len(snap.Queue), len(snap.Outcomes))
	return o.execute(ctx, snap, issues)
}

// execute is the dispatcher loop. It is the only writer of issue status and
// the snapshot; workers and the merge coordinator report back via channels.
func (o *Orchestrator) execute(ctx context.Context, snap *state.Snapshot, issues []*domain.Issue) (*Summary, int, error) {
	byID := make(map[string]*domain.Issue, len(issues))
	for _, is := range issues {
		byID[is.ID] = is
	}
	subWaveOf := indexSubWaves(snap.Plan)

	started := time.Now()
	results := make(chan domain.WorkResult, len(issues)+1)
	mergeResults := make(chan *domain.MergeRequest, len(issues)+1)

	coordinator := merge.New(o.repo, merge.Options{
		Trunk:          o.cfg.General.TrunkBranch,
		RetryLimit:     o.cfg.Merge.RetryLimit,
		StashExcludes:  o.cfg.Merge.StashExcludes,
		BookkeepingDir: o.cfg.General.BacklogDir,
		PollInterval:   o.cfg.Timeouts.MergePoll,
	}, func(req *domain.MergeRequest) {
		mergeResults <- req
	})
	coordinator.Start()
	defer coordinator.Stop()

	if o.history != nil {
		o.history.RecordRunStart(snap.RunID, snap.Plan.IssueCount())
	}
	o.events.Publish(Event{Type: EventRunStarted, Detail: snap.RunID})
	o.saveState(snap)

	inFlight := make(map[string]*domain.Issue)
	pendingMerge := make(map[string]bool)
	lastSubWave := -1

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		if snap.Done() && len(pendingMerge) == 0 {
			break
		}
		if o.stopping(ctx) && len(inFlight) == 0 && len(pendingMerge) == 0 {
			break
		}

		if !o.stopping(ctx) {
			lastSubWave = o.dispatch(ctx, snap, byID, subWaveOf, inFlight, pendingMerge, lastSubWave, results)
		}

		select {
		case res := <-results:
			o.handleWorkResult(snap, byID, inFlight, pendingMerge, coordinator, res)
		case req := <-mergeResults:
			o.handleMergeResult(snap, byID, pendingMerge, req)
		case <-ticker.C:
			if ctx.Err() != nil {
				o.RequestShutdown()
			}
		}
	}

	o.pool.Wait()

	summary := buildSummary(snap, time.Since(started))
	exitCode := ExitOK
	switch {
	case !snap.Done():
		exitCode = ExitInterrupted
		o.saveState(snap)
	case summary.Failed > 0:
		exitCode = ExitFailed
		o.archiveState(snap)
	default:
		o.archiveState(snap)
	}

	if o.history != nil {
		o.history.RecordRunFinish(snap.RunID, exitCode)
	}
	if o.notifier != nil {
		o.notifier.Notify("wave-orch run finished", summary.Oneline())
	}
	o.events.Publish(Event{Type: EventRunFinished, Detail: summary.Oneline()})
	return summary, exitCode, nil
}

func (o *Orchestrator) stopping(ctx context.Context) bool {
	return o.coopStop.Load() || ctx.Err() != nil
}

// dispatch starts queued issues of the current sub-wave while worker slots
// are free. A sub-wave only begins once the previous one has fully finished
// and merged, since later waves build on the merged trunk; an issue never
// starts while it overlaps anything in flight.
func (o *Orchestrator) dispatch(ctx context.Context, snap *state.Snapshot, byID map[string]*domain.Issue, subWaveOf map[string]int, inFlight map[string]*domain.Issue, pendingMerge map[string]bool, lastSubWave int, results chan<- domain.WorkResult) int {
	active := make(map[string]bool, len(inFlight)+len(pendingMerge))
	for id := range inFlight {
		active[id] = true
	}
	for id := range pendingMerge {
		active[id] = true
	}

	queued := append([]string(nil), snap.Queue...)
	for _, id := range queued {
		issue, ok := byID[id]
		if !ok {
			// Queued in the snapshot but gone from the backlog
			snap.MarkDone(state.IssueOutcome{IssueID: id, Status: domain.StatusDeferred, Reason: "issue missing from backlog"})
			o.saveState(snap)
			continue
		}

		sw := subWaveOf[id]
		if len(active) > 0 && sw != activeSubWave(active, subWaveOf) {
			break
		}
		if o.pool.Available() == 0 {
			break
		}
		if o.overlapsInFlight(issue, inFlight) {
			break
		}

		if sw != lastSubWave {
			lastSubWave = sw
			o.events.Publish(Event{Type: EventSubWaveStart, SubWave: sw})
		}

		issue.Status = domain.StatusDispatched
		snap.MarkInProgress(id)
		inFlight[id] = issue
		active[id] = true
		o.saveState(snap)
		o.events.Publish(Event{Type: EventDispatched, IssueID: id})
		log.Printf("Dispatching %s (%d workers free)", id, o.pool.Available())

		issue.Status = domain.StatusInProgress
		if !o.pool.Dispatch(ctx, issue, func(r domain.WorkResult) { results <- r }) {
			// Slot raced away; undo and retry on the next pass
			delete(inFlight, id)
			delete(active, id)
			snap.Queue = append([]string{id}, snap.Queue...)
			snap.InProgress = removeFrom(snap.InProgress, id)
			o.saveState(snap)
			break
		}
	}
	return lastSubWave
}

func (o *Orchestrator) overlapsInFlight(issue *domain.Issue, inFlight map[string]*domain.Issue) bool {
	for _, other := range inFlight {
		if o.detector.Overlaps(issue, other) {
			log.Printf("Holding %s: overlaps in-flight %s", issue.ID, other.ID)
			return true
		}
	}
	return false
}

// handleWorkResult routes one worker completion: successes become merge
// requests, no-ops are deferred, failures are classified and recorded.
func (o *Orchestrator) handleWorkResult(snap *state.Snapshot, byID map[string]*domain.Issue, inFlight map[string]*domain.Issue, pendingMerge map[string]bool, coordinator *merge.Coordinator, res domain.WorkResult) {
	delete(inFlight, res.IssueID)

	if len(res.Corrections) > 0 {
		snap.AddCorrections(res.IssueID, len(res.Corrections))
		if err := o.store.RecordCorrections(res.IssueID, res.Corrections); err != nil {
			log.Printf("Warning: recording corrections for %s: %v", res.IssueID, err)
		}
	}

	switch {
	case res.Success && res.NoChanges:
		o.finish(snap, byID, state.IssueOutcome{
			IssueID: res.IssueID,
			Status:  domain.StatusDeferred,
			Reason:  "agent made no changes",
			Elapsed: res.Elapsed,
		})
		o.cleanup(res.WorktreePath, res.Branch)

	case res.Success:
		pendingMerge[res.IssueID] = true
		o.events.Publish(Event{Type: EventMergeQueued, IssueID: res.IssueID})
		coordinator.Enqueue(&domain.MergeRequest{
			IssueID:      res.IssueID,
			Branch:       res.Branch,
			WorktreePath: res.WorktreePath,
			Status:       domain.MergePending,
		})
		o.saveState(snap)

	default:
		if res.ErrorKind == domain.FailureTransient {
			// Logged, never escalated to a follow-up record
			log.Printf("Transient failure on %s: %s", res.IssueID, res.ErrorMessage)
		}
		o.finish(snap, byID, state.IssueOutcome{
			IssueID: res.IssueID,
			Status:  domain.StatusFailed,
			Kind:    res.ErrorKind,
			Reason:  res.ErrorMessage,
			Elapsed: res.Elapsed,
		})
		o.cleanup(res.WorktreePath, res.Branch)
	}
}

// handleMergeResult finalizes an issue once the coordinator is done with it.
func (o *Orchestrator) handleMergeResult(snap *state.Snapshot, byID map[string]*domain.Issue, pendingMerge map[string]bool, req *domain.MergeRequest) {
	delete(pendingMerge, req.IssueID)

	rec := state.MergeRecord{
		IssueID:    req.IssueID,
		Branch:     req.Branch,
		Status:     req.Status,
		Retries:    req.Retries,
		Reason:     req.Reason,
		FinishedAt: time.Now().UTC(),
	}
	snap.MergeLog = append(snap.MergeLog, rec)
	if o.history != nil {
		o.history.RecordMergeAttempt(snap.RunID, rec)
	}

	if req.Status == domain.MergeMerged {
		o.finish(snap, byID, state.IssueOutcome{IssueID: req.IssueID, Status: domain.StatusMerged})
	} else {
		o.finish(snap, byID, state.IssueOutcome{
			IssueID: req.IssueID,
			Status:  domain.StatusFailed,
			Kind:    domain.FailureConflict,
			Reason:  req.Reason,
		})
	}
	o.cleanup(req.WorktreePath, req.Branch)
}

// finish records a terminal outcome everywhere it needs to land: snapshot,
// issue store, history, and the event feed.
func (o *Orchestrator) finish(snap *state.Snapshot, byID map[string]*domain.Issue, outcome state.IssueOutcome) {
	if issue, ok := byID[outcome.IssueID]; ok {
		issue.Status = outcome.Status
	}
	snap.MarkDone(outcome)
	o.saveState(snap)

	if err := o.store.RecordCompletion(outcome.IssueID, outcome.Status, outcome.Reason); err != nil {
		log.Printf("Warning: recording completion of %s: %v", outcome.IssueID, err)
	}
	if o.history != nil {
		o.history.RecordIssueOutcome(snap.RunID, outcome)
	}

	eventType := EventMerged
	switch outcome.Status {
	case domain.StatusFailed:
		eventType = EventFailed
	case domain.StatusDeferred:
		eventType = EventDeferred
	}
	o.events.Publish(Event{Type: eventType, IssueID: outcome.IssueID, Detail: outcome.Reason})
	log.Printf("Issue %s: %s %s", outcome.IssueID, outcome.Status, outcome.Reason)
}

func (o *Orchestrator) cleanup(wtPath, branch string) {
	if wtPath == "" {
		return
	}
	if err := o.worktrees.Remove(wtPath, branch); err != nil {
		log.Printf("Warning: removing worktree %s: %v", wtPath, err)
	}
}

func (o *Orchestrator) saveState(snap *state.Snapshot) {
	if err := snap.Validate(); err != nil {
		log.Printf("Warning: state invariant violated: %v", err)
	}
	if err := o.stateFile.Save(snap); err != nil {
		log.Printf("Warning: persisting state: %v", err)
	}
}

func (o *Orchestrator) archiveState(snap *state.Snapshot) {
	if err := o.stateFile.Archive(snap.RunID); err != nil {
		log.Printf("Warning: archiving state: %v", err)
	}
}

// indexSubWaves maps each issue to its global sub-wave sequence number.
func indexSubWaves(plan *scheduler.Plan) map[string]int {
	index := make(map[string]int)
	for seq, sw := range plan.SubWaves {
		for _, id := range sw.IssueIDs {
			index[id] = seq
		}
	}
	return index
}

// activeSubWave returns the sub-wave the active (running or merging) issues
// belong to. All active issues share one sub-wave by construction.
func activeSubWave(active map[string]bool, subWaveOf map[string]int) int {
	for id := range active {
		return subWaveOf[id]
	}
	return -1
}

func removeFrom(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
