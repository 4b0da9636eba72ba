package orchestrator

import (
	"sync"
	"time"
)

// Event types published during a run.
const (
	EventRunStarted   = "run_started"
	EventRunFinished  = "run_finished"
	EventDispatched   = "dispatched"
	EventMergeQueued  = "merge_queued"
	EventMerged       = "merged"
	EventFailed       = "failed"
	EventDeferred     = "deferred"
	EventShutdown     = "shutdown_requested"
	EventSubWaveStart = "sub_wave_started"
)

// Event is one observable state transition, consumed by the status server
// and the watch TUI.
type Event struct {
	Type    string    `json:"type"`
	IssueID string    `json:"issue_id,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Wave    int       `json:"wave,omitempty"`
	SubWave int       `json:"sub_wave,omitempty"`
	Time    time.Time `json:"time"`
}

// Broadcaster fans events out to subscribers. Slow subscribers lose events
// rather than stalling the run.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe returns a receive channel and a cancel function. The channel is
// closed on cancel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers without blocking.
func (b *Broadcaster) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
