// Package scheduler plans a run: it layers the backlog into dependency waves
// and splits contended waves into sequential sub-waves.
package scheduler

import (
	"sort"

	"github.com/waveforge/wave-orchestrator/internal/domain"
	"github.com/waveforge/wave-orchestrator/internal/overlap"
)

// SubWave is one sequential step of the plan. Issues inside a sub-wave have
// no blocking edge and no overlap between any pair, so they may run
// concurrently.
type SubWave struct {
	Wave     int      `json:"wave"`
	Index    int      `json:"index"`
	IssueIDs []string `json:"issue_ids"`
}

// CycleBreak records a blocking edge dropped to make the graph schedulable.
type CycleBreak struct {
	IssueID   string `json:"issue_id"`
	BlockerID string `json:"blocker_id"`
}

// Plan is the computed execution order for one run. Immutable once built.
type Plan struct {
	SubWaves    []SubWave    `json:"sub_waves"`
	CycleBreaks []CycleBreak `json:"cycle_breaks,omitempty"`
}

// IssueCount returns the number of issues the plan covers.
func (p *Plan) IssueCount() int {
	n := 0
	for _, sw := range p.SubWaves {
		n += len(sw.IssueIDs)
	}
	return n
}

// WaveCount returns the number of dependency waves in the plan.
func (p *Plan) WaveCount() int {
	if len(p.SubWaves) == 0 {
		return 0
	}
	return p.SubWaves[len(p.SubWaves)-1].Wave + 1
}

// Scheduler computes waves over a fixed issue set.
type Scheduler struct {
	issues    []*domain.Issue
	byID      map[string]*domain.Issue
	completed map[string]bool
	detector  *overlap.Detector
}

// New creates a Scheduler. Blockers naming issues outside the set, or already
// in completed, are treated as resolved.
func New(issues []*domain.Issue, completed map[string]bool, detector *overlap.Detector) *Scheduler {
	byID := make(map[string]*domain.Issue, len(issues))
	for _, is := range issues {
		byID[is.ID] = is
	}
	if completed == nil {
		completed = map[string]bool{}
	}
	return &Scheduler{issues: issues, byID: byID, completed: completed, detector: detector}
}

// ComputeWaves produces the plan: layered topological waves, each multi-issue
// wave split into contention-free sub-waves. Deterministic for a given input.
// Cyclic blocking edges are broken at the lowest-priority edge and recorded
// in the plan rather than failing the run.
func (s *Scheduler) ComputeWaves() *Plan {
	blockers := s.activeBlockers()
	breaks := s.breakCycles(blockers)

	plan := &Plan{CycleBreaks: breaks}
	for wave, ids := range s.layer(blockers) {
		for idx, sub := range s.splitWave(ids) {
			plan.SubWaves = append(plan.SubWaves, SubWave{Wave: wave, Index: idx, IssueIDs: sub})
		}
	}
	return plan
}

// Roots returns the issues with no unresolved in-set blockers, derived from
// the graph itself. Never inferred from wave positions: after contention
// splitting a root can land in a later sub-wave.
func (s *Scheduler) Roots() []string {
	blockers := s.activeBlockers()
	s.breakCycles(blockers)

	var roots []string
	for id, bs := range blockers {
		if len(bs) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// activeBlockers builds the blocking graph restricted to the issue set, with
// completed and out-of-set blockers dropped. Every issue appears as a key.
func (s *Scheduler) activeBlockers() map[string][]string {
	blockers := make(map[string][]string, len(s.issues))
	for _, is := range s.issues {
		var active []string
		seen := make(map[string]bool)
		for _, b := range is.BlockedBy {
			if _, inSet := s.byID[b]; !inSet || s.completed[b] || seen[b] || b == is.ID {
				continue
			}
			seen[b] = true
			active = append(active, b)
		}
		sort.Strings(active)
		blockers[is.ID] = active
	}
	return blockers
}

// layer runs layered Kahn extraction: each round takes every issue whose
// blockers have all been placed, forming one wave.
func (s *Scheduler) layer(blockers map[string][]string) [][]string {
	placed := make(map[string]bool, len(blockers))
	var waves [][]string

	for len(placed) < len(blockers) {
		var ready []string
		for id, bs := range blockers {
			if placed[id] {
				continue
			}
			ok := true
			for _, b := range bs {
				if !placed[b] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			// Unreachable once cycles are broken; guard against an infinite loop.
			break
		}
		s.sortByPriority(ready)
		for _, id := range ready {
			placed[id] = true
		}
		waves = append(waves, ready)
	}
	return waves
}

// splitWave greedily colors the wave's conflict graph in (priority, id) order.
// Each color class becomes one sub-wave.
func (s *Scheduler) splitWave(ids []string) [][]string {
	if len(ids) <= 1 {
		return [][]string{ids}
	}

	ordered := append([]string(nil), ids...)
	s.sortByPriority(ordered)

	var subs [][]string
	for _, id := range ordered {
		assigned := false
		for c := range subs {
			if !s.contendsWithAny(id, subs[c]) {
				subs[c] = append(subs[c], id)
				assigned = true
				break
			}
		}
		if !assigned {
			subs = append(subs, []string{id})
		}
	}
	return subs
}

func (s *Scheduler) contendsWithAny(id string, members []string) bool {
	a := s.byID[id]
	for _, m := range members {
		if s.detector.Overlaps(a, s.byID[m]) {
			return true
		}
	}
	return false
}

// breakCycles removes blocking edges until the graph is acyclic. Each cut
// picks the cycle edge whose dependent has the lowest priority, so high
// priority ordering survives the break. Mutates blockers.
func (s *Scheduler) breakCycles(blockers map[string][]string) []CycleBreak {
	order := make([]string, 0, len(blockers))
	for id := range blockers {
		order = append(order, id)
	}
	sort.Strings(order)

	var breaks []CycleBreak
	for {
		cycle := findCycle(blockers, order)
		if cycle == nil {
			return breaks
		}

		cut := 0
		for i := 1; i < len(cycle); i++ {
			if s.cutBefore(cycle[i], cycle[cut]) {
				cut = i
			}
		}
		dependent := cycle[cut]
		blocker := cycle[(cut+1)%len(cycle)]
		blockers[dependent] = remove(blockers[dependent], blocker)
		breaks = append(breaks, CycleBreak{IssueID: dependent, BlockerID: blocker})
	}
}

// cutBefore reports whether cutting at dependent a is preferred over b:
// lower priority first, then id for determinism.
func (s *Scheduler) cutBefore(a, b string) bool {
	pa, pb := domain.PriorityOrder(s.byID[a].Priority), domain.PriorityOrder(s.byID[b].Priority)
	if pa != pb {
		return pa > pb
	}
	return a < b
}

func (s *Scheduler) sortByPriority(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.byID[ids[i]], s.byID[ids[j]]
		pa, pb := domain.PriorityOrder(a.Priority), domain.PriorityOrder(b.Priority)
		if pa != pb {
			return pa < pb
		}
		return a.ID < b.ID
	})
}

// findCycle walks blocker edges depth-first and returns one cycle as a node
// list where each node is blocked by its successor (wrapping around), or nil
// if the graph is acyclic.
func findCycle(blockers map[string][]string, order []string) []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(blockers))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = inStack
		path = append(path, id)
		for _, b := range blockers[id] {
			switch state[b] {
			case unvisited:
				if visit(b) {
					return true
				}
			case inStack:
				for i, p := range path {
					if p == b {
						cycle = append([]string(nil), path[i:]...)
						break
					}
				}
				return true
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return false
	}

	for _, id := range order {
		if state[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return nil
}

func remove(list []string, item string) []string {
	out := list[:0]
	for _, v := range list {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}
