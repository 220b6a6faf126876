package bundle

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// FileEntry represents a single file belonging to an artifact.
type FileEntry struct {
	RelPath string // forward-slash path relative to the artifact root
	AbsPath string // absolute filesystem path
	Size    int64
	ModTime time.Time
}

// EnumerateFiles lists the files of the artifact rooted at root. A regular
// file yields a single entry whose RelPath is its base name; a directory is
// walked with the exclusion rules applied. Entries are sorted by RelPath.
func EnumerateFiles(root string, userExcludes []string) ([]FileEntry, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("bundle: resolve artifact path: %w", err)
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("bundle: stat artifact: %w", err)
	}
	if !info.IsDir() {
		return []FileEntry{{
			RelPath: filepath.Base(absRoot),
			AbsPath: absRoot,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}}, nil
	}

	var entries []FileEntry
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return fmt.Errorf("bundle: compute relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if ShouldExclude(rel, userExcludes) {
				return fs.SkipDir
			}
			return nil
		}
		if ShouldExclude(rel, userExcludes) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return fmt.Errorf("bundle: stat %q: %w", rel, err)
		}
		entries = append(entries, FileEntry{
			RelPath: rel,
			AbsPath: path,
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bundle: walk artifact: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RelPath < entries[j].RelPath
	})
	return entries, nil
}

// LatestModTime returns the most recent modification time of the artifact
// at path: the file's own mod time, or for a directory the latest of the
// directory itself and every non-excluded entry beneath it. Directory mod
// times are included so that deleting a file from an exploded artifact is
// observed as a change.
func LatestModTime(path string, userExcludes []string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	latest := info.ModTime()
	if !info.IsDir() {
		return latest, nil
	}

	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && ShouldExclude(rel, userExcludes) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if fi.ModTime().After(latest) {
			latest = fi.ModTime()
		}
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("bundle: walk %q: %w", path, err)
	}
	return latest, nil
}
