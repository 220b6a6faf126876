// Package artifact defines the value objects shared by the deployment
// engine, the repository scanner and deployer implementations.
package artifact

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Type is the tag that classifies artifacts, e.g. "webapp" or "txt". Each
// Type is handled by exactly one registered deployer.
type Type string

func (t Type) String() string { return string(t) }

// Validate reports whether t is usable as a registry key.
func (t Type) Validate() error {
	if strings.TrimSpace(string(t)) == "" {
		return fmt.Errorf("artifact: empty type")
	}
	if strings.ContainsAny(string(t), "/\\") {
		return fmt.Errorf("artifact: type %q must not contain path separators", t)
	}
	return nil
}

// Key is the opaque deployment key returned by a deployer on a successful
// deploy or update. The engine stores it and hands it back on undeploy but
// never interprets it.
type Key string

func (k Key) String() string { return string(k) }

// Artifact is one deployable unit on disk.
type Artifact struct {
	Path    string    // absolute filesystem path
	Type    Type      // owning artifact type
	ModTime time.Time // last-modified time observed at the last scan
	Key     Key       // empty until deployed
	IsDir   bool
}

// New returns an undeployed Artifact for path.
func New(path string, t Type, modTime time.Time, isDir bool) *Artifact {
	return &Artifact{
		Path:    filepath.Clean(path),
		Type:    t,
		ModTime: modTime,
		IsDir:   isDir,
	}
}

// Name returns the base name of the artifact path.
func (a *Artifact) Name() string {
	return filepath.Base(a.Path)
}

// Deployed reports whether a deployer has returned a key for a.
func (a *Artifact) Deployed() bool {
	return a.Key != ""
}

// Clone returns a copy of a that callers may mutate freely.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

func (a *Artifact) String() string {
	if a.Key == "" {
		return fmt.Sprintf("%s:%s", a.Type, a.Path)
	}
	return fmt.Sprintf("%s:%s (%s)", a.Type, a.Path, a.Key)
}
