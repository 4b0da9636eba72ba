package repolock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ErrLockTimeout is returned when retries are exhausted due to lock
// contention. It is fatal for the single operation that wanted the lock,
// never for the run.
var ErrLockTimeout = errors.New("repository lock contention timeout")

// Options control lock acquisition retry behavior.
type Options struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	StaleAfter     time.Duration
}

// DefaultOptions returns conservative retry settings.
func DefaultOptions() Options {
	return Options{
		MaxRetries:     8,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		StaleAfter:     10 * time.Minute,
	}
}

// lockInfo is the JSON payload written into the lock file. PID is used for
// liveness probing; Token distinguishes locks from a recycled PID.
type lockInfo struct {
	PID        int       `json:"pid"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is a named, time-bounded claim on a repository path. Workers and the
// merge coordinator may run as separate OS processes, so in-process mutexes
// are not enough; the lock file is the shared exclusion point for all
// version-control invocations on the repository.
type Lock struct {
	path  string // lock file path
	token string
	held  bool
	opts  Options
}

// New creates a lock for the repository at repoDir. The lock file lives next
// to the repository metadata so every process agrees on its location.
func New(repoDir string, opts Options) *Lock {
	return &Lock{
		path:  filepath.Join(repoDir, ".git", "wave-orch.lock"),
		token: uuid.NewString(),
		opts:  opts,
	}
}

// NewAtPath creates a lock with an explicit lock file path. Used for bare
// repositories and tests.
func NewAtPath(lockPath string, opts Options) *Lock {
	return &Lock{path: lockPath, token: uuid.NewString(), opts: opts}
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Acquire claims the lock, retrying with bounded exponential backoff on
// contention. A lock whose owning process is no longer alive, or whose age
// exceeds StaleAfter, is reclaimed.
func (l *Lock) Acquire() error {
	if l.held {
		return fmt.Errorf("lock %s already held by this instance", l.path)
	}

	backoff := l.opts.InitialBackoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	for attempt := 0; ; attempt++ {
		ok, err := l.tryAcquire()
		if err != nil {
			return err
		}
		if ok {
			l.held = true
			return nil
		}
		if attempt >= l.opts.MaxRetries {
			return fmt.Errorf("acquiring %s after %d attempts: %w", l.path, attempt+1, ErrLockTimeout)
		}
		time.Sleep(backoff)
		backoff *= 2
		if l.opts.MaxBackoff > 0 && backoff > l.opts.MaxBackoff {
			backoff = l.opts.MaxBackoff
		}
	}
}

// tryAcquire makes a single attempt. O_EXCL create is the atomicity point.
func (l *Lock) tryAcquire() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, fmt.Errorf("creating lock dir: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err == nil {
		info := lockInfo{PID: os.Getpid(), Token: l.token, AcquiredAt: time.Now()}
		data, merr := json.Marshal(info)
		if merr != nil {
			f.Close()
			os.Remove(l.path)
			return false, merr
		}
		if _, werr := f.Write(data); werr != nil {
			f.Close()
			os.Remove(l.path)
			return false, fmt.Errorf("writing lock file: %w", werr)
		}
		return true, f.Close()
	}
	if !os.IsExist(err) {
		return false, fmt.Errorf("opening lock file: %w", err)
	}

	// Lock exists; reclaim if the owner is dead or the claim expired.
	if l.isStale() {
		os.Remove(l.path)
		// Retry immediately; another process may win the race, which is fine.
		return false, nil
	}
	return false, nil
}

// isStale reports whether the current lock file can be reclaimed.
func (l *Lock) isStale() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		// Lock vanished between stat and read; let the caller retry.
		return false
	}

	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		// Unparseable lock files are treated as stale debris.
		return true
	}

	if !processAlive(info.PID) {
		return true
	}
	if l.opts.StaleAfter > 0 && time.Since(info.AcquiredAt) > l.opts.StaleAfter {
		return true
	}
	return false
}

// Release removes the lock file if we own it.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err == nil && info.Token != l.token {
		// Someone reclaimed our lock (e.g. after a long pause); leave theirs alone.
		return fmt.Errorf("lock %s no longer owned by this instance", l.path)
	}
	return os.Remove(l.path)
}

// Held reports whether this instance currently holds the lock.
func (l *Lock) Held() bool {
	return l.held
}

// With runs fn while holding the lock.
func (l *Lock) With(fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// processAlive checks liveness by sending signal 0. On Unix this doesn't
// deliver a signal, but errors if the process no longer exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
