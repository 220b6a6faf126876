// Package bundle turns one artifact on disk (a file or a directory tree)
// into an enumerated, hashed set of files, and decides which repository
// entries are ignored.
package bundle

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// vcsExcludes are version-control metadata directories that are never part
// of an artifact and never deployable on their own.
var vcsExcludes = []excludeRule{
	{prefix: ".git/", exact: ".git"},
	{prefix: ".svn/", exact: ".svn"},
	{prefix: ".hg/", exact: ".hg"},
}

// transientExcludes match files that editors, file managers and partial
// copies leave behind in a watched directory.
var transientExcludes = []excludeRule{
	{matchFunc: matchEditorTemp},
	{exact: ".DS_Store", matchFunc: matchBasename(".DS_Store")},
	{exact: "Thumbs.db", matchFunc: matchBasename("Thumbs.db")},
	{matchFunc: matchBaseGlob("*.part")},
	{matchFunc: matchBaseGlob("*.tmp")},
	{matchFunc: matchBaseGlob("*.crdownload")},
}

// excludeRule represents one exclusion condition, checked in order:
// matchFunc, then prefix and exact.
type excludeRule struct {
	prefix    string                    // match any path that starts with this
	exact     string                    // match the path exactly (for top-level entries)
	matchFunc func(relPath string) bool // custom function
}

// matchEditorTemp matches vim swap files, emacs backup and lock files.
func matchEditorTemp(relPath string) bool {
	base := filepath.Base(relPath)
	switch {
	case strings.HasSuffix(base, "~"):
		return true
	case strings.HasPrefix(base, ".#"):
		return true
	case strings.HasPrefix(base, "#") && strings.HasSuffix(base, "#"):
		return true
	case strings.HasPrefix(base, ".") && (strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, ".swx")):
		return true
	}
	return false
}

// matchBasename returns a matchFunc that matches a specific basename anywhere.
func matchBasename(name string) func(string) bool {
	return func(relPath string) bool {
		return filepath.Base(relPath) == name
	}
}

// matchBaseGlob returns a matchFunc that applies a doublestar pattern to the
// basename, so the rule holds at any depth.
func matchBaseGlob(pattern string) func(string) bool {
	return func(relPath string) bool {
		matched, _ := doublestar.Match(pattern, filepath.Base(relPath))
		return matched
	}
}

func ruleMatches(r excludeRule, rel string) bool {
	if r.matchFunc != nil {
		return r.matchFunc(rel)
	}
	if r.prefix != "" && strings.HasPrefix(rel, r.prefix) {
		return true
	}
	return r.exact != "" && rel == r.exact
}

// ShouldExclude reports whether relPath (forward-slash, relative to the
// watched location or to the artifact root) is ignored.
//
// Built-in VCS and transient-file rules always apply; userExcludes are
// additive gitignore-style globs.
func ShouldExclude(relPath string, userExcludes []string) bool {
	rel := filepath.ToSlash(relPath)

	for _, r := range vcsExcludes {
		if ruleMatches(r, rel) {
			return true
		}
	}
	for _, r := range transientExcludes {
		if ruleMatches(r, rel) {
			return true
		}
	}

	for _, pattern := range userExcludes {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" || strings.HasPrefix(pattern, "#") {
			continue
		}
		p := filepath.ToSlash(pattern)

		// "foo/" matches "foo" and everything beneath it.
		if strings.HasSuffix(p, "/") {
			dir := strings.TrimSuffix(p, "/")
			if rel == dir || strings.HasPrefix(rel, dir+"/") {
				return true
			}
			continue
		}

		if matched, _ := doublestar.Match(p, rel); matched {
			return true
		}
		if !strings.Contains(p, "/") {
			if matched, _ := doublestar.Match(p, filepath.Base(rel)); matched {
				return true
			}
		}
	}

	return false
}

// MatchesAny reports whether name matches at least one doublestar pattern.
// An empty pattern list matches everything.
func MatchesAny(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	n := filepath.ToSlash(name)
	for _, p := range patterns {
		if matched, _ := doublestar.Match(filepath.ToSlash(p), n); matched {
			return true
		}
	}
	return false
}

// ValidatePatterns returns an error for the first malformed pattern.
func ValidatePatterns(patterns []string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(filepath.ToSlash(p)) {
			return &PatternError{Pattern: p}
		}
	}
	return nil
}

// PatternError reports a malformed doublestar pattern.
type PatternError struct {
	Pattern string
}

func (e *PatternError) Error() string {
	return "bundle: invalid pattern " + `"` + e.Pattern + `"`
}
