// Package scanner lists the artifacts present in a watched location and
// diffs them against the state the engine already knows about.
package scanner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hotdeploy/hotdeploy/internal/bundle"
)

// Entry is one artifact candidate found in a location.
type Entry struct {
	Path    string
	ModTime time.Time
	IsDir   bool
}

// Delta is the difference between a location and the known state. The
// three lists are disjoint and sorted by path.
type Delta struct {
	Added   []Entry
	Changed []Entry
	Removed []string
}

// Empty reports whether the delta carries no work.
func (d *Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// Len returns the total number of entries in the delta.
func (d *Delta) Len() int {
	return len(d.Added) + len(d.Changed) + len(d.Removed)
}

// Scanner walks watched locations. The zero value applies only the built-in
// exclusion rules.
type Scanner struct {
	excludes []string
}

// New returns a Scanner that additionally ignores entries matching the
// gitignore-style excludes.
func New(excludes []string) *Scanner {
	return &Scanner{excludes: excludes}
}

// List returns the artifacts currently present in location: every
// top-level entry that is not hidden, not excluded and, when patterns are
// given, whose name matches one of them. A missing location has no
// artifacts.
func (s *Scanner) List(location string, patterns []string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(location)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanner: read %q: %w", location, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if strings.HasPrefix(name, ".") || bundle.ShouldExclude(name, s.excludes) {
			continue
		}
		if !bundle.MatchesAny(name, patterns) {
			continue
		}

		path := filepath.Join(location, name)
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Removed (or a dangling symlink) since ReadDir.
				continue
			}
			return nil, fmt.Errorf("scanner: stat %q: %w", path, err)
		}

		modTime := info.ModTime()
		if info.IsDir() {
			modTime, err = bundle.LatestModTime(path, s.excludes)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return nil, fmt.Errorf("scanner: %w", err)
			}
		}

		entries = append(entries, Entry{Path: path, ModTime: modTime, IsDir: info.IsDir()})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Scan lists location and diffs the result against known (path -> mod time
// recorded at the last successful deploy or update). Paths in skip were
// marked permanently failed at the recorded mod time and are not reported
// as added until they change.
func (s *Scanner) Scan(location string, patterns []string, known, skip map[string]time.Time) (*Delta, error) {
	current, err := s.List(location, patterns)
	if err != nil {
		return nil, err
	}
	return Diff(current, known, skip), nil
}

// Diff computes the delta between current entries and known state.
func Diff(current []Entry, known, skip map[string]time.Time) *Delta {
	d := &Delta{}
	seen := make(map[string]struct{}, len(current))

	for _, e := range current {
		seen[e.Path] = struct{}{}

		prev, ok := known[e.Path]
		if !ok {
			if failedAt, skipped := skip[e.Path]; skipped && !e.ModTime.After(failedAt) {
				continue
			}
			d.Added = append(d.Added, e)
			continue
		}
		if e.ModTime.After(prev) {
			d.Changed = append(d.Changed, e)
		}
	}

	for path := range known {
		if _, ok := seen[path]; !ok {
			d.Removed = append(d.Removed, path)
		}
	}

	sort.Slice(d.Added, func(i, j int) bool { return d.Added[i].Path < d.Added[j].Path })
	sort.Slice(d.Changed, func(i, j int) bool { return d.Changed[i].Path < d.Changed[j].Path })
	sort.Strings(d.Removed)
	return d
}
