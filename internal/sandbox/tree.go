package sandbox

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// defaultIgnores are always skipped when building the codebase tree.
var defaultIgnores = []string{
	".git/**",
	"node_modules/**",
	"**/.git/**",
	"**/node_modules/**",
}

func ignored(rel string, globs []string) bool {
	for _, g := range append(append([]string{}, defaultIgnores...), globs...) {
		if ok, err := doublestar.Match(g, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// BuildTree walks root up to maxDepth and renders an indented tree snapshot.
// Paths matching the ignore globs (doublestar patterns, relative to root) are
// skipped. Directories get a trailing slash.
func BuildTree(root string, maxDepth int, ignoreGlobs []string) (string, error) {
	type entry struct {
		rel   string
		isDir bool
	}
	var entries []entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if ignored(rel, ignoreGlobs) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		depth := strings.Count(rel, "/") + 1
		if depth > maxDepth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		entries = append(entries, entry{rel: rel, isDir: d.IsDir()})
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	var b strings.Builder
	for _, e := range entries {
		depth := strings.Count(e.rel, "/")
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(filepath.Base(e.rel))
		if e.isDir {
			b.WriteString("/")
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// FormatFindOutput renders `find`-style output from a remote environment into
// the same indented tree shape, applying the ignore globs client-side.
func FormatFindOutput(out string, ignoreGlobs []string) string {
	var rels []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "." {
			continue
		}
		rel := strings.TrimPrefix(line, "./")
		if rel == "" || ignored(rel, ignoreGlobs) {
			continue
		}
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	var b strings.Builder
	for _, rel := range rels {
		depth := strings.Count(rel, "/")
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(filepath.Base(rel))
		b.WriteString("\n")
	}
	return b.String()
}
