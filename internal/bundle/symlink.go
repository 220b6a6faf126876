package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SymlinkEscapeError is returned when a symlink inside a directory artifact
// resolves outside of it.
type SymlinkEscapeError struct {
	Path   string // relative path of the symlink inside the artifact
	Target string // resolved absolute target
}

func (e *SymlinkEscapeError) Error() string {
	return fmt.Sprintf("bundle: symlink %q resolves to %q which is outside the artifact", e.Path, e.Target)
}

// ValidateSymlinks resolves every symlink in files and fails if one leaves
// root, unless allowExternal is set.
func ValidateSymlinks(root string, files []FileEntry, allowExternal bool) error {
	if allowExternal {
		return nil
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("bundle: resolve artifact root: %w", err)
	}
	absRoot, err = filepath.EvalSymlinks(absRoot)
	if err != nil {
		return fmt.Errorf("bundle: eval symlinks on artifact root: %w", err)
	}
	rootPrefix := absRoot + string(filepath.Separator)

	for _, f := range files {
		info, err := os.Lstat(f.AbsPath)
		if err != nil {
			return fmt.Errorf("bundle: lstat %q: %w", f.RelPath, err)
		}
		if info.Mode()&os.ModeSymlink == 0 {
			continue
		}

		resolved, err := filepath.EvalSymlinks(f.AbsPath)
		if err != nil {
			return fmt.Errorf("bundle: resolve symlink %q: %w", f.RelPath, err)
		}
		if resolved != absRoot && !strings.HasPrefix(resolved, rootPrefix) {
			return &SymlinkEscapeError{Path: f.RelPath, Target: resolved}
		}
	}
	return nil
}
