package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.General.MaxWorkers != 3 {
		t.Errorf("MaxWorkers = %d, want 3", cfg.General.MaxWorkers)
	}
	if cfg.Overlap.MinSharedFiles != 2 {
		t.Errorf("MinSharedFiles = %d, want 2", cfg.Overlap.MinSharedFiles)
	}
	if cfg.Merge.RetryLimit != 3 {
		t.Errorf("RetryLimit = %d, want 3", cfg.Merge.RetryLimit)
	}
	if cfg.General.TrunkBranch != "main" {
		t.Errorf("TrunkBranch = %q, want main", cfg.General.TrunkBranch)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[general]
repo_root = "/srv/project"
max_workers = 5
trunk_branch = "trunk"

[timeouts]
issue_timeout = "30m"
idle_timeout = "2m"

[overlap]
min_shared_files = 3
min_shared_ratio = 0.75
min_dir_depth = 3
exclusions = ["README.md"]

[merge]
retry_limit = 5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.General.RepoRoot != "/srv/project" {
		t.Errorf("RepoRoot = %q", cfg.General.RepoRoot)
	}
	if cfg.General.MaxWorkers != 5 {
		t.Errorf("MaxWorkers = %d, want 5", cfg.General.MaxWorkers)
	}
	if cfg.Timeouts.IssueTimeout != 30*time.Minute {
		t.Errorf("IssueTimeout = %v, want 30m", cfg.Timeouts.IssueTimeout)
	}
	if cfg.Overlap.MinSharedRatio != 0.75 {
		t.Errorf("MinSharedRatio = %v, want 0.75", cfg.Overlap.MinSharedRatio)
	}
	if cfg.Merge.RetryLimit != 5 {
		t.Errorf("RetryLimit = %d, want 5", cfg.Merge.RetryLimit)
	}
	// Unset sections keep defaults
	if cfg.Timeouts.MergePoll != 500*time.Millisecond {
		t.Errorf("MergePoll = %v, want default 500ms", cfg.Timeouts.MergePoll)
	}
}

func TestLoad_InvalidBatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[[batches]]
name = "nightly"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() should fail for batch without cron expression")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandPath("~/foo"); got != filepath.Join(home, "foo") {
		t.Errorf("ExpandPath(~/foo) = %q", got)
	}
	if got := ExpandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandPath(/abs/path) = %q", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := Default()
	cfg.General.MaxWorkers = 7
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.General.MaxWorkers != 7 {
		t.Errorf("MaxWorkers after round trip = %d, want 7", loaded.General.MaxWorkers)
	}
}
