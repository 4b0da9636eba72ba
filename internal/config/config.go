package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General  GeneralConfig  `toml:"general"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
	Merge    MergeConfig    `toml:"merge"`
	Overlap  OverlapConfig  `toml:"overlap"`
	Lock     LockConfig     `toml:"lock"`
	Agent    AgentConfig    `toml:"agent"`
	Web      WebConfig      `toml:"web"`
	Batches  []BatchConfig  `toml:"batches"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	RepoRoot     string `toml:"repo_root"`
	BacklogDir   string `toml:"backlog_dir"`
	WorktreeDir  string `toml:"worktree_dir"`
	StatePath    string `toml:"state_path"`
	DatabasePath string `toml:"database_path"`
	MaxWorkers   int    `toml:"max_workers"`
	TrunkBranch  string `toml:"trunk_branch"`
}

// TimeoutsConfig holds per-issue execution timeouts
type TimeoutsConfig struct {
	IssueTimeout time.Duration `toml:"issue_timeout"`
	IdleTimeout  time.Duration `toml:"idle_timeout"`
	MergePoll    time.Duration `toml:"merge_poll"`
}

// MergeConfig holds merge coordinator settings
type MergeConfig struct {
	RetryLimit    int      `toml:"retry_limit"`
	StashExcludes []string `toml:"stash_excludes"`
}

// OverlapConfig holds contention detection thresholds. These are heuristic
// and workload-dependent; tune them per project rather than relying on the
// defaults.
type OverlapConfig struct {
	MinSharedFiles int      `toml:"min_shared_files"`
	MinSharedRatio float64  `toml:"min_shared_ratio"`
	MinDirDepth    int      `toml:"min_dir_depth"`
	Exclusions     []string `toml:"exclusions"`
}

// LockConfig holds repository lock retry settings
type LockConfig struct {
	MaxRetries     int           `toml:"max_retries"`
	InitialBackoff time.Duration `toml:"initial_backoff"`
	MaxBackoff     time.Duration `toml:"max_backoff"`
	StaleAfter     time.Duration `toml:"stale_after"`
}

// AgentConfig holds external agent process settings
type AgentConfig struct {
	Command   string   `toml:"command"`
	Args      []string `toml:"args"`
	SeedFiles []string `toml:"seed_files"` // uncommitted files copied into each worktree
}

// WebConfig holds status server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// BatchConfig describes a cron-scheduled unattended run
type BatchConfig struct {
	Name       string `toml:"name"`
	Cron       string `toml:"cron"`
	MaxWorkers int    `toml:"max_workers"`
	Filter     string `toml:"filter"` // issue ID prefix filter, empty = all
}

// Validate checks a batch config for usability
func (b BatchConfig) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("batch name is required")
	}
	if b.Cron == "" {
		return fmt.Errorf("batch %s: cron expression is required", b.Name)
	}
	return nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".wave-orch")
	return &Config{
		General: GeneralConfig{
			RepoRoot:     "",
			BacklogDir:   "backlog",
			WorktreeDir:  filepath.Join(base, "worktrees"),
			StatePath:    filepath.Join(base, "state.json"),
			DatabasePath: filepath.Join(base, "history.db"),
			MaxWorkers:   3,
			TrunkBranch:  "main",
		},
		Timeouts: TimeoutsConfig{
			IssueTimeout: 45 * time.Minute,
			IdleTimeout:  5 * time.Minute,
			MergePoll:    500 * time.Millisecond,
		},
		Merge: MergeConfig{
			RetryLimit: 3,
			StashExcludes: []string{
				".wave-orch-state.json",
				".claude-agent.log",
			},
		},
		Overlap: OverlapConfig{
			MinSharedFiles: 2,
			MinSharedRatio: 0.5,
			MinDirDepth:    2,
			Exclusions: []string{
				"README.md",
				"go.mod",
				"go.sum",
				"package.json",
				"package-lock.json",
				"__init__.py",
				"Makefile",
			},
		},
		Lock: LockConfig{
			MaxRetries:     8,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			StaleAfter:     10 * time.Minute,
		},
		Agent: AgentConfig{
			Command: "claude",
			Args:    []string{"--print", "--dangerously-skip-permissions"},
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.RepoRoot = ExpandPath(cfg.General.RepoRoot)
	cfg.General.BacklogDir = ExpandPath(cfg.General.BacklogDir)
	cfg.General.WorktreeDir = ExpandPath(cfg.General.WorktreeDir)
	cfg.General.StatePath = ExpandPath(cfg.General.StatePath)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	for _, b := range cfg.Batches {
		if err := b.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Save writes the config back to a TOML file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "wave-orch", "config.toml")
}
