// Package executor runs the external agent process inside an isolated
// checkout and captures its output.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/waveforge/wave-orchestrator/internal/config"
)

// outputTail bounds how many trailing output lines a run keeps in memory.
const outputTail = 200

// RunResult captures one agent invocation. ExitErr is nil on a zero exit.
type RunResult struct {
	Output   []string
	Elapsed  time.Duration
	TimedOut bool // wall-clock limit hit
	Hung     bool // idle limit hit, process produced no output
	ExitErr  error
}

// AgentRunner invokes the agent command. The contract with the agent is
// deliberately thin: issue text on stdin, free text on stdout/stderr, exit
// code for success.
type AgentRunner struct {
	command string
	args    []string
}

// NewAgentRunner builds a runner from the agent config section.
func NewAgentRunner(cfg config.AgentConfig) *AgentRunner {
	return &AgentRunner{command: cfg.Command, args: cfg.Args}
}

// Run executes the agent in dir with input on stdin, enforcing both a
// wall-clock timeout and an idle timeout. A process silent for longer than
// idleTimeout is treated as hung and killed; both limits apply independently
// of ctx cancellation.
func (r *AgentRunner) Run(ctx context.Context, dir, input string, wallTimeout, idleTimeout time.Duration) (*RunResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, wallTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.command, r.args...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(input)
	// If the agent leaves children holding the pipes, stop draining after a
	// grace period instead of hanging the worker.
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent %s: %w", r.command, err)
	}

	var mu sync.Mutex
	var lines []string
	lastOutput := started

	readLines := func(rd io.Reader) error {
		scanner := bufio.NewScanner(rd)
		// Agent output can contain very long JSON lines
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			mu.Lock()
			lastOutput = time.Now()
			lines = append(lines, scanner.Text())
			if len(lines) > outputTail {
				lines = lines[len(lines)-outputTail:]
			}
			mu.Unlock()
		}
		return nil
	}

	var g errgroup.Group
	g.Go(func() error { return readLines(stdout) })
	g.Go(func() error { return readLines(stderr) })

	// Idle watchdog: kill the process when it goes silent for too long.
	hung := make(chan struct{})
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		interval := idleTimeout / 4
		if interval < time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				idle := time.Since(lastOutput)
				mu.Unlock()
				if idle >= idleTimeout {
					close(hung)
					cancel()
					return
				}
			}
		}
	}()

	waitErr := cmd.Wait()
	g.Wait()
	cancel()
	<-watchdogDone

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		// Process itself exited cleanly; only pipe drain was cut short
		waitErr = nil
	}

	res := &RunResult{
		Elapsed: time.Since(started),
		ExitErr: waitErr,
	}
	mu.Lock()
	res.Output = lines
	mu.Unlock()

	select {
	case <-hung:
		res.Hung = true
		res.ExitErr = fmt.Errorf("agent produced no output for %s", idleTimeout)
	default:
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			res.TimedOut = true
			res.ExitErr = fmt.Errorf("agent exceeded %s wall clock", wallTimeout)
		}
	}
	return res, nil
}

// OutputText joins the captured tail for error reporting.
func (r *RunResult) OutputText() string {
	return strings.Join(r.Output, "\n")
}
