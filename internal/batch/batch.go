// Package batch runs the orchestrator on a cron schedule for unattended
// operation.
package batch

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/waveforge/wave-orchestrator/internal/config"
	"github.com/waveforge/wave-orchestrator/internal/domain"
)

// RunFunc executes one batch run.
type RunFunc func(ctx context.Context, cfg config.BatchConfig) error

// Scheduler fires batch runs according to their cron expressions. Runs are
// serialized globally since two runs cannot share the target repository.
type Scheduler struct {
	configs map[string]config.BatchConfig
	parser  cron.Parser

	mu      sync.RWMutex
	lastRun map[string]time.Time
	busy    bool

	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewScheduler validates the batch configs and builds a scheduler.
func NewScheduler(configs []config.BatchConfig) (*Scheduler, error) {
	s := &Scheduler{
		configs:  make(map[string]config.BatchConfig),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastRun:  make(map[string]time.Time),
		interval: time.Minute,
		stopChan: make(chan struct{}),
	}
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, err := s.parser.Parse(cfg.Cron); err != nil {
			return nil, err
		}
		s.configs[cfg.Name] = cfg
	}
	return s, nil
}

// ParseCron parses a standard five-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// Names returns all configured batch names.
func (s *Scheduler) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	return names
}

// NextRun returns the next scheduled time for a batch, or zero if unknown.
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[name]
	if !ok {
		return time.Time{}
	}
	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(time.Now())
}

// ShouldRun reports whether a batch is due and no run is in flight.
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[name]
	if !ok || s.busy {
		return false
	}
	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return false
	}

	last := s.lastRun[name]
	if last.IsZero() {
		last = time.Now().Add(-24 * time.Hour)
	}
	return time.Now().After(sched.Next(last))
}

func (s *Scheduler) markRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = true
}

func (s *Scheduler) markComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.lastRun[name] = time.Now()
}

// SetInterval overrides the polling interval.
func (s *Scheduler) SetInterval(d time.Duration) {
	s.interval = d
}

// Start polls until the context is cancelled or Stop is called, launching due
// batches through run.
func (s *Scheduler) Start(ctx context.Context, run RunFunc) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			for name, cfg := range s.configs {
				if !s.ShouldRun(name) {
					continue
				}
				s.markRunning()
				go func(c config.BatchConfig) {
					defer s.markComplete(c.Name)
					if err := run(ctx, c); err != nil {
						log.Printf("Warning: batch %s failed: %v", c.Name, err)
					}
				}(cfg)
			}
		}
	}
}

// Stop ends the polling loop.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// FilterIssues keeps issues whose ID starts with prefix. An empty prefix
// keeps everything. Blockers outside the filtered set are resolved by the
// wave planner, not here.
func FilterIssues(issues []*domain.Issue, prefix string) []*domain.Issue {
	if prefix == "" {
		return issues
	}
	var kept []*domain.Issue
	for _, issue := range issues {
		if strings.HasPrefix(issue.ID, prefix) {
			kept = append(kept, issue)
		}
	}
	return kept
}
