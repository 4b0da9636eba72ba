// Package overlap decides whether two issues are likely to touch the same
// files. The signal gates both wave planning and dispatch so that issues with
// contending edits never run concurrently.
package overlap

import (
	"path"
	"sort"

	"github.com/waveforge/wave-orchestrator/internal/config"
	"github.com/waveforge/wave-orchestrator/internal/domain"
)

// Detector computes thresholded overlap between issue hint sets. Naive
// any-shared-path matching serializes far too much, so everything here is
// driven by tunable thresholds from config.
type Detector struct {
	minSharedFiles int
	minSharedRatio float64
	minDirDepth    int
	exclusions     map[string]bool
}

// NewDetector builds a Detector from the overlap config section.
func NewDetector(cfg config.OverlapConfig) *Detector {
	excl := make(map[string]bool, len(cfg.Exclusions))
	for _, e := range cfg.Exclusions {
		excl[e] = true
	}
	return &Detector{
		minSharedFiles: cfg.MinSharedFiles,
		minSharedRatio: cfg.MinSharedRatio,
		minDirDepth:    cfg.MinDirDepth,
		exclusions:     excl,
	}
}

// Overlaps reports whether two issues contend strongly enough that they must
// not run in the same sub-wave.
func (d *Detector) Overlaps(a, b *domain.Issue) bool {
	return d.OverlapsHints(a.Hints, b.Hints)
}

// OverlappingPaths returns the shared paths behind an overlap verdict, for
// plan output and logging.
func (d *Detector) OverlappingPaths(a, b *domain.Issue) []string {
	fa, fb := d.filter(a.Hints), d.filter(b.Hints)
	return d.shared(fa, fb)
}

// OverlapsHints applies the thresholds to raw hint sets. Both thresholds are
// inclusive lower bounds; the ratio is taken against the smaller set so one
// sweeping issue does not mask a genuine collision with a small one.
func (d *Detector) OverlapsHints(hintsA, hintsB []string) bool {
	fa, fb := d.filter(hintsA), d.filter(hintsB)
	if len(fa) == 0 || len(fb) == 0 {
		return false
	}

	shared := d.shared(fa, fb)
	if len(shared) == 0 {
		return false
	}
	if d.minSharedFiles > 0 && len(shared) >= d.minSharedFiles {
		return true
	}

	smaller := len(fa)
	if len(fb) < smaller {
		smaller = len(fb)
	}
	return d.minSharedRatio > 0 && float64(len(shared))/float64(smaller) >= d.minSharedRatio
}

// filter strips excluded paths. Exclusions match the full hint or its base
// name, so "__init__.py" covers every package marker regardless of directory.
func (d *Detector) filter(hints []string) []string {
	out := make([]string, 0, len(hints))
	for _, h := range hints {
		if d.exclusions[h] || d.exclusions[path.Base(h)] {
			continue
		}
		out = append(out, h)
	}
	return out
}

// shared collects exact path matches plus directory containments. A directory
// hint only captures the other side's paths when it is deep enough; shallow
// top-level directories are shared by almost everything and prove nothing.
func (d *Detector) shared(fa, fb []string) []string {
	inB := make(map[string]bool, len(fb))
	for _, h := range fb {
		inB[h] = true
	}

	matched := make(map[string]bool)
	for _, h := range fa {
		if inB[h] {
			matched[h] = true
		}
	}
	d.containments(fa, fb, matched)
	d.containments(fb, fa, matched)

	shared := make([]string, 0, len(matched))
	for p := range matched {
		shared = append(shared, p)
	}
	sort.Strings(shared)
	return shared
}

// containments marks paths in others that fall under a directory hint in dirs.
func (d *Detector) containments(dirs, others []string, matched map[string]bool) {
	for _, dir := range dirs {
		if !isDirHint(dir) || dirDepth(dir) < d.minDirDepth {
			continue
		}
		prefix := dir + "/"
		for _, p := range others {
			if len(p) > len(prefix) && p[:len(prefix)] == prefix {
				matched[p] = true
			}
		}
	}
}
