package overlap

import (
	"reflect"
	"testing"

	"github.com/waveforge/wave-orchestrator/internal/config"
)

func testDetector() *Detector {
	return NewDetector(config.OverlapConfig{
		MinSharedFiles: 2,
		MinSharedRatio: 0.5,
		MinDirDepth:    2,
		Exclusions:     []string{"README.md", "go.mod", "__init__.py"},
	})
}

func TestExtractHints(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "bare file paths",
			text: "Update x.py and src/core/y.py to use the new API.",
			want: []string{"src/core/y.py", "x.py"},
		},
		{
			name: "backticked path and scope",
			text: "Refactor `internal/scheduler/waves.go` and rename `WavePlanner`.",
			want: []string{"WavePlanner", "internal/scheduler/waves.go"},
		},
		{
			name: "directory without extension",
			text: "Move helpers into src/util and clean up.",
			want: []string{"src/util"},
		},
		{
			name: "version numbers ignored",
			text: "Bump the release to 1.2.3 and v2.0.1.",
			want: []string{},
		},
		{
			name: "urls ignored",
			text: "See https://example.com/docs/page.html for context.",
			want: []string{},
		},
		{
			name: "multi word backtick spans are prose",
			text: "Run `make all tests` before pushing x.go.",
			want: []string{"x.go"},
		},
		{
			name: "duplicates collapse",
			text: "x.py calls into x.py via `x.py`.",
			want: []string{"x.py"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractHints(tt.text)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractHints() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOverlapsHints_RatioThreshold(t *testing.T) {
	d := testDetector()

	// shared = {x.py, y.py}: count 2 meets MinSharedFiles, and 2/3 >= 0.5
	a := []string{"x.py", "y.py", "z.py", "w.py"}
	b := []string{"x.py", "y.py", "q.py"}
	if !d.OverlapsHints(a, b) {
		t.Error("sets sharing 2 of 3 files should overlap")
	}
}

func TestOverlapsHints_ExcludedCommonFile(t *testing.T) {
	d := testDetector()

	c := []string{"__init__.py"}
	e := []string{"__init__.py", "pkg/mod.py"}
	if d.OverlapsHints(c, e) {
		t.Error("issues sharing only an excluded file must not overlap")
	}
}

func TestOverlapsHints_ExclusionByBaseName(t *testing.T) {
	d := testDetector()

	a := []string{"pkg/a/__init__.py", "pkg/a/core.py"}
	b := []string{"pkg/a/__init__.py", "other/thing.py"}
	if d.OverlapsHints(a, b) {
		t.Error("nested excluded files must be stripped before comparison")
	}
}

func TestOverlapsHints_SingleSharedBelowThresholds(t *testing.T) {
	d := testDetector()

	// 1 shared file, ratio 1/3: below both thresholds
	a := []string{"a.py", "b.py", "c.py"}
	b := []string{"a.py", "d.py", "e.py"}
	if d.OverlapsHints(a, b) {
		t.Error("single shared file out of three should not overlap")
	}
}

func TestOverlapsHints_RatioOnSmallSets(t *testing.T) {
	d := testDetector()

	// 1 shared file but ratio against the smaller set is 1/1
	a := []string{"core/engine.py"}
	b := []string{"core/engine.py", "core/util.py", "docs/notes.md"}
	if !d.OverlapsHints(a, b) {
		t.Error("full containment of the smaller set should overlap")
	}
}

func TestOverlapsHints_DirectoryDepth(t *testing.T) {
	d := testDetector()

	// "src" is depth 1: too shallow to count
	shallow := []string{"src"}
	files := []string{"src/a.py", "src/b.py"}
	if d.OverlapsHints(shallow, files) {
		t.Error("top-level directory hint must never trigger overlap")
	}

	// "src/core" is depth 2: containment counts both files as shared
	deep := []string{"src/core"}
	contained := []string{"src/core/a.py", "src/core/b.py"}
	if !d.OverlapsHints(deep, contained) {
		t.Error("deep directory containing two files should overlap")
	}
}

func TestOverlapsHints_EmptySets(t *testing.T) {
	d := testDetector()
	if d.OverlapsHints(nil, []string{"a.py"}) {
		t.Error("empty hint set never overlaps")
	}
	if d.OverlapsHints(nil, nil) {
		t.Error("two empty hint sets never overlap")
	}
}

func TestSharedPathsReported(t *testing.T) {
	d := testDetector()

	fa := d.filter([]string{"x.py", "y.py", "z.py"})
	fb := d.filter([]string{"x.py", "y.py", "q.py"})
	got := d.shared(fa, fb)
	want := []string{"x.py", "y.py"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("shared() = %v, want %v", got, want)
	}
}
