// Package sync decides, per execution request, the minimal set of local
// file changes to ship to the cluster, packages them, and tracks what the
// remote side has confirmed via a persisted manifest.
package sync

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"remotecell/internal/config"
)

// IgnoreFileName is read from the source root when gitignore support is on.
const IgnoreFileName = ".gitignore"

type rule struct {
	pattern string
	negate  bool
	dirOnly bool
	// anchored patterns (containing a non-trailing slash) match against the
	// full relative path; others match against any path component.
	anchored bool
}

// RuleSet is an ordered exclusion predicate over forward-slash relative
// paths. Later rules override earlier ones; a path matching no rule is
// included. Immutable once compiled.
type RuleSet struct {
	rules []rule
}

// CompileRules builds the exclusion predicate for one sync pass: ignore-file
// rules in file order (if enabled), then user patterns in configuration
// order. An unreadable or malformed ignore file is logged and skipped; it
// never fails the sync.
func CompileRules(root string, useIgnoreFile bool, userPatterns []string, logger *slog.Logger) *RuleSet {
	rs := &RuleSet{}
	if useIgnoreFile {
		if err := rs.addIgnoreFile(filepath.Join(root, IgnoreFileName)); err != nil && !os.IsNotExist(err) {
			if logger != nil {
				logger.Warn("ignore file unreadable, proceeding without it",
					"path", filepath.Join(root, IgnoreFileName), "err", err)
			}
		}
	}
	for _, p := range userPatterns {
		rs.add(p)
	}
	return rs
}

func (rs *RuleSet) add(raw string) {
	p := strings.TrimSpace(raw)
	if p == "" || strings.HasPrefix(p, "#") {
		return
	}
	r := rule{}
	if strings.HasPrefix(p, "!") {
		r.negate = true
		p = p[1:]
	}
	if strings.HasSuffix(p, "/") {
		r.dirOnly = true
		p = strings.TrimSuffix(p, "/")
	}
	if strings.HasPrefix(p, "/") {
		r.anchored = true
		p = strings.TrimPrefix(p, "/")
	} else if strings.Contains(p, "/") {
		r.anchored = true
	}
	if p == "" {
		return
	}
	r.pattern = p
	rs.rules = append(rs.rules, r)
}

func (rs *RuleSet) addIgnoreFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		rs.add(sc.Text())
	}
	return sc.Err()
}

// Excluded evaluates the rules in order against a forward-slash relative
// path and returns the last matching rule's polarity. The walker prunes at
// excluded directories and never descends into them.
func (rs *RuleSet) Excluded(relPath string, isDir bool) bool {
	relPath = strings.Trim(relPath, "/")
	if relPath == "" || relPath == "." {
		return false
	}
	// The tool's own state directory is never synced, no rule can
	// re-include it.
	if relPath == config.MetadataDirName || strings.HasPrefix(relPath, config.MetadataDirName+"/") {
		return true
	}
	excluded := false
	for _, r := range rs.rules {
		if r.dirOnly && !isDir {
			continue
		}
		if r.matches(relPath) {
			excluded = !r.negate
		}
	}
	return excluded
}

func (r rule) matches(relPath string) bool {
	if r.anchored {
		return matchPath(r.pattern, relPath)
	}
	// Unanchored: the pattern may match the basename or any path segment,
	// conventional ignore-file behavior for bare names like "*.log".
	if matchSegment(r.pattern, filepath.Base(relPath)) {
		return true
	}
	for _, part := range strings.Split(relPath, "/") {
		if matchSegment(r.pattern, part) {
			return true
		}
	}
	return false
}

// matchPath matches a slash-separated pattern (with ** support) against a
// slash-separated path.
func matchPath(pattern, path string) bool {
	return matchParts(strings.Split(pattern, "/"), strings.Split(path, "/"))
}

func matchParts(pat, parts []string) bool {
	if len(pat) == 0 {
		return len(parts) == 0
	}
	if pat[0] == "**" {
		// ** matches zero or more path segments.
		for i := 0; i <= len(parts); i++ {
			if matchParts(pat[1:], parts[i:]) {
				return true
			}
		}
		return false
	}
	if len(parts) == 0 {
		return false
	}
	if !matchSegment(pat[0], parts[0]) {
		return false
	}
	return matchParts(pat[1:], parts[1:])
}

func matchSegment(pattern, name string) bool {
	ok, err := filepath.Match(pattern, name)
	return err == nil && ok
}
