// Package backlog stores issues as markdown files with YAML frontmatter,
// kept inside the target repository so completed work is versioned alongside
// the changes it produced.
package backlog

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/waveforge/wave-orchestrator/internal/domain"
	"github.com/waveforge/wave-orchestrator/internal/overlap"
)

const (
	activeDir = "active"
	doneDir   = "done"
)

// frontmatter is the YAML header of an issue file.
type frontmatter struct {
	ID          string    `yaml:"id"`
	Title       string    `yaml:"title,omitempty"`
	Priority    string    `yaml:"priority,omitempty"`
	BlockedBy   []string  `yaml:"blocked_by,omitempty"`
	Blocks      []string  `yaml:"blocks,omitempty"`
	Hints       []string  `yaml:"hints,omitempty"`
	Status      string    `yaml:"status,omitempty"`
	Reason      string    `yaml:"reason,omitempty"`
	Corrections []string  `yaml:"corrections,omitempty"`
	CreatedAt   time.Time `yaml:"created_at,omitempty"`
	UpdatedAt   time.Time `yaml:"updated_at,omitempty"`
}

// Store reads and updates the backlog directory.
type Store struct {
	root string // e.g. <repo>/backlog
}

// NewStore opens a backlog rooted at dir, creating the active and done
// subdirectories if missing.
func NewStore(dir string) (*Store, error) {
	for _, sub := range []string{activeDir, doneDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, err
		}
	}
	return &Store{root: dir}, nil
}

// Root returns the backlog directory.
func (s *Store) Root() string {
	return s.root
}

// ActiveDir returns the directory holding runnable issue files.
func (s *Store) ActiveDir() string {
	return filepath.Join(s.root, activeDir)
}

// LoadActiveIssues parses every issue file under active/, in filename order.
// Hints combine the frontmatter's explicit list with paths extracted from the
// title and body text.
func (s *Store) LoadActiveIssues() ([]*domain.Issue, error) {
	entries, err := os.ReadDir(s.ActiveDir())
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var issues []*domain.Issue
	for i, name := range names {
		path := filepath.Join(s.ActiveDir(), name)
		issue, err := parseIssueFile(path)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		issue.Arrival = i
		issues = append(issues, issue)
	}
	return issues, nil
}

// RecordCompletion annotates an issue with its terminal status. Merged issues
// move to done/; failed and deferred issues stay in active/ so a later run
// picks them up again. Moves are plain renames, leaving the git commit to the
// merge coordinator's bookkeeping pass.
func (s *Store) RecordCompletion(id string, status domain.IssueStatus, reason string) error {
	path := filepath.Join(s.ActiveDir(), id+".md")
	fm, body, err := readIssueFile(path)
	if err != nil {
		return err
	}

	fm.Status = string(status)
	fm.Reason = reason
	fm.UpdatedAt = time.Now().UTC()

	if status == domain.StatusMerged {
		dest := filepath.Join(s.root, doneDir, id+".md")
		if err := writeIssueFile(dest, fm, body); err != nil {
			return err
		}
		return os.Remove(path)
	}
	return writeIssueFile(path, fm, body)
}

// RecordCorrections appends orchestrator correction notes to the issue file.
func (s *Store) RecordCorrections(id string, notes []string) error {
	if len(notes) == 0 {
		return nil
	}
	path := filepath.Join(s.ActiveDir(), id+".md")
	fm, body, err := readIssueFile(path)
	if err != nil {
		// The issue may already have moved to done/ when corrections arrive
		// after the merge.
		path = filepath.Join(s.root, doneDir, id+".md")
		fm, body, err = readIssueFile(path)
		if err != nil {
			return err
		}
	}
	fm.Corrections = append(fm.Corrections, notes...)
	fm.UpdatedAt = time.Now().UTC()
	return writeIssueFile(path, fm, body)
}

// Add writes a new issue file into active/.
func (s *Store) Add(issue *domain.Issue) error {
	if err := domain.ValidateIssueID(issue.ID); err != nil {
		return err
	}
	path := filepath.Join(s.ActiveDir(), issue.ID+".md")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("issue %s already exists", issue.ID)
	}
	fm := frontmatter{
		ID:        issue.ID,
		Title:     issue.Title,
		Priority:  string(issue.Priority),
		BlockedBy: issue.BlockedBy,
		Blocks:    issue.Blocks,
		CreatedAt: time.Now().UTC(),
	}
	return writeIssueFile(path, fm, issue.Body)
}

func parseIssueFile(path string) (*domain.Issue, error) {
	fm, body, err := readIssueFile(path)
	if err != nil {
		return nil, err
	}
	if fm.ID == "" {
		fm.ID = strings.TrimSuffix(filepath.Base(path), ".md")
	}
	if err := domain.ValidateIssueID(fm.ID); err != nil {
		return nil, err
	}

	title := fm.Title
	if title == "" {
		title = firstHeading(body)
	}

	issue := &domain.Issue{
		ID:        fm.ID,
		Title:     title,
		Body:      body,
		Priority:  domain.Priority(fm.Priority),
		BlockedBy: fm.BlockedBy,
		Blocks:    fm.Blocks,
		Status:    domain.StatusQueued,
		CreatedAt: fm.CreatedAt,
		UpdatedAt: fm.UpdatedAt,
	}

	seen := make(map[string]bool)
	for _, h := range fm.Hints {
		if !seen[h] {
			seen[h] = true
			issue.Hints = append(issue.Hints, h)
		}
	}
	for _, h := range overlap.ExtractHints(title + "\n" + body) {
		if !seen[h] {
			seen[h] = true
			issue.Hints = append(issue.Hints, h)
		}
	}
	return issue, nil
}

func readIssueFile(path string) (frontmatter, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return frontmatter{}, "", err
	}
	return splitFrontmatter(data)
}

func splitFrontmatter(data []byte) (frontmatter, string, error) {
	var fm frontmatter
	if !bytes.HasPrefix(data, []byte("---\n")) {
		return fm, string(data), nil
	}
	rest := data[4:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return fm, "", fmt.Errorf("unterminated frontmatter")
	}
	if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
		return fm, "", fmt.Errorf("invalid frontmatter: %w", err)
	}
	body := bytes.TrimLeft(rest[end+4:], "\n")
	return fm, string(body), nil
}

func writeIssueFile(path string, fm frontmatter, body string) error {
	meta, err := yaml.Marshal(fm)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(meta)
	buf.WriteString("---\n")
	if body != "" {
		buf.WriteString("\n")
		buf.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			buf.WriteString("\n")
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

func firstHeading(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return ""
}
