package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

const hashPrefix = "sha256:"

// ComputeFileHash returns the SHA-256 of the file at path as "sha256:<hex>".
func ComputeFileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("bundle: open for hash: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("bundle: read for hash: %w", err)
	}
	return hashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeDigest hashes a relpath -> file hash map into a single artifact
// digest. Keys are sorted and each contributes "<relpath>\0<hex>\n", so the
// result is independent of map iteration order.
func ComputeDigest(files map[string]string) string {
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k + "\x00" + strings.TrimPrefix(files[k], hashPrefix) + "\n"))
	}
	return hashPrefix + hex.EncodeToString(h.Sum(nil))
}

// HashFiles computes per-file hashes and the artifact digest.
func HashFiles(files []FileEntry) (fileHashes map[string]string, digest string, err error) {
	fileHashes = make(map[string]string, len(files))
	for _, f := range files {
		hash, err := ComputeFileHash(f.AbsPath)
		if err != nil {
			return nil, "", fmt.Errorf("bundle: hash file %q: %w", f.RelPath, err)
		}
		fileHashes[f.RelPath] = hash
	}
	return fileHashes, ComputeDigest(fileHashes), nil
}

// ShortHash shortens "sha256:<hex>" to "sha256:<first 8 hex>" for display.
func ShortHash(h string) string {
	if strings.HasPrefix(h, hashPrefix) {
		hx := h[len(hashPrefix):]
		if len(hx) > 8 {
			hx = hx[:8]
		}
		return hashPrefix + hx
	}
	if len(h) > 15 {
		return h[:15]
	}
	return h
}
