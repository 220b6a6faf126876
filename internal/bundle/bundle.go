package bundle

import (
	"fmt"
	"os"
	"path/filepath"
)

// Bundle is the enumerated and hashed content of one artifact.
type Bundle struct {
	Root       string // absolute artifact path
	IsDir      bool
	Files      []FileEntry
	FileHashes map[string]string // relpath -> "sha256:<hex>"
	Digest     string            // "sha256:<hex>" over all file hashes
}

// Scan enumerates the artifact at root, rejects symlinks escaping a
// directory artifact unless allowExternalSymlinks is set, and hashes every
// file.
func Scan(root string, userExcludes []string, allowExternalSymlinks bool) (*Bundle, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("bundle: stat: %w", err)
	}

	files, err := EnumerateFiles(root, userExcludes)
	if err != nil {
		return nil, fmt.Errorf("bundle: enumerate: %w", err)
	}

	if info.IsDir() {
		if err := ValidateSymlinks(root, files, allowExternalSymlinks); err != nil {
			return nil, fmt.Errorf("bundle: symlinks: %w", err)
		}
	}

	fileHashes, digest, err := HashFiles(files)
	if err != nil {
		return nil, fmt.Errorf("bundle: hash: %w", err)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("bundle: resolve artifact path: %w", err)
	}

	return &Bundle{
		Root:       abs,
		IsDir:      info.IsDir(),
		Files:      files,
		FileHashes: fileHashes,
		Digest:     digest,
	}, nil
}

// TotalSize returns the summed size of all files in the bundle.
func (b *Bundle) TotalSize() int64 {
	var n int64
	for _, f := range b.Files {
		n += f.Size
	}
	return n
}
