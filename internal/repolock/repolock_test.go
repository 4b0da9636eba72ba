package repolock

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func fastOptions() Options {
	return Options{
		MaxRetries:     2,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		StaleAfter:     time.Hour,
	}
}

func TestLock_AcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	l := NewAtPath(path, fastOptions())
	if err := l.Acquire(); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !l.Held() {
		t.Error("Held() = false after acquire")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("lock file missing: %v", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file still exists after release")
	}
}

func TestLock_ContentionTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	first := NewAtPath(path, fastOptions())
	if err := first.Acquire(); err != nil {
		t.Fatal(err)
	}
	defer first.Release()

	second := NewAtPath(path, fastOptions())
	err := second.Acquire()
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Acquire() error = %v, want ErrLockTimeout", err)
	}
}

func TestLock_LiveForeignOwnerNotReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	// Fabricate a lock held by a provably live process: this one
	if !processAlive(os.Getpid()) {
		t.Fatal("processAlive() = false for our own PID")
	}
	info := lockInfo{PID: os.Getpid(), Token: "other-process", AcquiredAt: time.Now()}
	data, _ := json.Marshal(info)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	l := NewAtPath(path, fastOptions())
	if err := l.Acquire(); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Acquire() over live owner error = %v, want ErrLockTimeout", err)
	}

	// The live owner's lock file must survive untouched
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("lock file gone: %v", err)
	}
	var after lockInfo
	if json.Unmarshal(data, &after) != nil || after.Token != "other-process" {
		t.Errorf("lock file rewritten: %s", data)
	}
}

func TestLock_ReclaimsDeadOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	// Fabricate a lock held by a PID that cannot be alive
	info := lockInfo{PID: 1 << 30, Token: "dead", AcquiredAt: time.Now()}
	data, _ := json.Marshal(info)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	l := NewAtPath(path, fastOptions())
	if err := l.Acquire(); err != nil {
		t.Fatalf("Acquire() over dead owner error = %v", err)
	}
	l.Release()
}

func TestLock_ReclaimsExpiredClaim(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	// Live PID (our own) but a claim far past StaleAfter
	info := lockInfo{PID: os.Getpid(), Token: "old", AcquiredAt: time.Now().Add(-2 * time.Hour)}
	data, _ := json.Marshal(info)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	opts := fastOptions()
	opts.StaleAfter = time.Minute
	l := NewAtPath(path, opts)
	if err := l.Acquire(); err != nil {
		t.Fatalf("Acquire() over expired claim error = %v", err)
	}
	l.Release()
}

func TestLock_ReclaimsGarbageLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	if err := os.WriteFile(path, []byte("not json"), 0644); err != nil {
		t.Fatal(err)
	}

	l := NewAtPath(path, fastOptions())
	if err := l.Acquire(); err != nil {
		t.Fatalf("Acquire() over garbage lock error = %v", err)
	}
	l.Release()
}

func TestLock_With(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	l := NewAtPath(path, fastOptions())
	ran := false
	err := l.With(func() error {
		ran = true
		if !l.Held() {
			t.Error("lock not held inside With()")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With() error = %v", err)
	}
	if !ran {
		t.Error("With() did not run fn")
	}
	if l.Held() {
		t.Error("lock still held after With()")
	}
}

func TestLock_DoubleAcquireSameInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	l := NewAtPath(path, fastOptions())
	if err := l.Acquire(); err != nil {
		t.Fatal(err)
	}
	defer l.Release()
	if err := l.Acquire(); err == nil {
		t.Error("second Acquire() on same instance should fail")
	}
}
