package overlap

import (
	"regexp"
	"sort"
	"strings"
)

var (
	backtickPattern = regexp.MustCompile("`([^`\n]+)`")
	urlPattern      = regexp.MustCompile(`\bhttps?://\S+`)
	filePattern     = regexp.MustCompile(`[A-Za-z0-9_][\w./-]*\.[A-Za-z][A-Za-z0-9]{0,9}`)
	dirPattern      = regexp.MustCompile(`[A-Za-z0-9_][\w.-]*(?:/[\w.-]+)+`)
)

// ExtractHints pulls file paths, directory paths, and backticked scope names
// out of free-form issue text. The result is sorted and deduplicated.
func ExtractHints(text string) []string {
	seen := make(map[string]bool)

	add := func(raw string) {
		h := normalizeHint(raw)
		if h != "" {
			seen[h] = true
		}
	}

	// Backticked spans are the strongest signal. Multi-word spans are prose,
	// not paths.
	for _, m := range backtickPattern.FindAllStringSubmatch(text, -1) {
		if !strings.ContainsAny(m[1], " \t") {
			add(m[1])
		}
	}

	stripped := backtickPattern.ReplaceAllString(text, " ")
	stripped = urlPattern.ReplaceAllString(stripped, " ")
	for _, m := range filePattern.FindAllString(stripped, -1) {
		add(m)
	}
	for _, m := range dirPattern.FindAllString(stripped, -1) {
		add(m)
	}

	hints := make([]string, 0, len(seen))
	for h := range seen {
		hints = append(hints, h)
	}
	sort.Strings(hints)
	return hints
}

// normalizeHint trims punctuation that regex capture tends to drag along and
// rejects tokens that cannot be a path or scope name.
func normalizeHint(raw string) string {
	h := strings.Trim(raw, ` "'(),;:!?`)
	h = strings.TrimSuffix(h, "/")
	h = strings.TrimPrefix(h, "./")

	if h == "" || strings.Contains(h, "://") {
		return ""
	}
	// Bare version numbers match the file pattern (e.g. "1.2.3").
	if strings.Trim(h, "0123456789.v") == "" {
		return ""
	}
	return h
}

// isDirHint reports whether a hint names a directory rather than a file. A
// path whose final segment carries no extension is treated as a directory.
func isDirHint(hint string) bool {
	if !strings.Contains(hint, "/") {
		return false
	}
	last := hint[strings.LastIndex(hint, "/")+1:]
	return !strings.Contains(last, ".")
}

// dirDepth counts path segments: "src" is depth 1, "src/core/io" is depth 3.
func dirDepth(hint string) int {
	return strings.Count(hint, "/") + 1
}
