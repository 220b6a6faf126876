// Package filecopy is the built-in deployer for plain files and
// directories: deploying an artifact copies it into a runtime directory,
// undeploying removes the copy.
package filecopy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/hotdeploy/hotdeploy/internal/artifact"
	"github.com/hotdeploy/hotdeploy/internal/bundle"
	"github.com/hotdeploy/hotdeploy/internal/deployer"
	"github.com/hotdeploy/hotdeploy/internal/deployid"
)

var (
	// ErrUnknownKey is returned for keys this deployer did not hand out.
	ErrUnknownKey = errors.New("filecopy: unknown deployment key")
	// ErrConflict is returned when another artifact already owns the
	// destination an artifact would be copied to.
	ErrConflict = errors.New("filecopy: destination owned by another artifact")
)

// Options configures a Deployer.
type Options struct {
	Type        artifact.Type
	Directory   string // watched location; defaults to the type tag
	Destination string // runtime directory the copies are placed in
	Patterns    []string
	Excludes    []string
	Logger      hclog.Logger
}

// Deployer copies each artifact to <Destination>/<base name>.
type Deployer struct {
	typ         artifact.Type
	directory   string
	destination string
	patterns    []string
	excludes    []string
	logger      hclog.Logger

	mu       sync.Mutex
	deployed map[artifact.Key]string // key -> copy path
	pending  map[string]struct{}     // copy paths being installed by Deploy
}

var _ deployer.PatternDeployer = (*Deployer)(nil)

// New returns a Deployer for opts.
func New(opts Options) (*Deployer, error) {
	if err := opts.Type.Validate(); err != nil {
		return nil, err
	}
	if opts.Destination == "" {
		return nil, fmt.Errorf("filecopy: destination is required for type %s", opts.Type)
	}
	dest, err := filepath.Abs(opts.Destination)
	if err != nil {
		return nil, fmt.Errorf("filecopy: resolve destination: %w", err)
	}
	dir := opts.Directory
	if dir == "" {
		dir = string(opts.Type)
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Deployer{
		typ:         opts.Type,
		directory:   dir,
		destination: dest,
		patterns:    opts.Patterns,
		excludes:    opts.Excludes,
		logger:      logger.Named("filecopy").With("type", opts.Type),
		deployed:    make(map[artifact.Key]string),
		pending:     make(map[string]struct{}),
	}, nil
}

func (d *Deployer) ArtifactType() artifact.Type { return d.typ }

func (d *Deployer) Location() string { return d.directory }

func (d *Deployer) Patterns() []string { return d.patterns }

// Destination returns the absolute runtime directory.
func (d *Deployer) Destination() string { return d.destination }

// Init creates the destination directory.
func (d *Deployer) Init(_ context.Context, location string) error {
	if err := os.MkdirAll(d.destination, 0o755); err != nil {
		return fmt.Errorf("filecopy: create destination: %w", err)
	}
	d.logger.Debug("initialised", "location", location, "destination", d.destination)
	return nil
}

// Deploy copies a to <destination>/<base name>. It fails with ErrConflict
// while another deployed artifact owns that copy.
func (d *Deployer) Deploy(ctx context.Context, a *artifact.Artifact) (artifact.Key, error) {
	dst := filepath.Join(d.destination, a.Name())

	d.mu.Lock()
	if owner, ok := d.owner(dst); ok {
		d.mu.Unlock()
		return "", fmt.Errorf("%w: %s is deployed as %s", ErrConflict, dst, owner)
	}
	d.pending[dst] = struct{}{}
	d.mu.Unlock()

	err := d.install(ctx, a.Path, dst)

	d.mu.Lock()
	delete(d.pending, dst)
	if err != nil {
		d.mu.Unlock()
		return "", err
	}
	key := deployid.NewKey(d.typ)
	d.deployed[key] = dst
	d.mu.Unlock()

	d.logger.Info("copied artifact", "path", a.Path, "to", dst, "key", key)
	return key, nil
}

// owner describes who holds dst: the key whose copy lives there, or a
// Deploy still installing it. Callers hold d.mu.
func (d *Deployer) owner(dst string) (string, bool) {
	if _, ok := d.pending[dst]; ok {
		return "pending deploy", true
	}
	for key, path := range d.deployed {
		if path == dst {
			return string(key), true
		}
	}
	return "", false
}

func (d *Deployer) Undeploy(_ context.Context, key artifact.Key) error {
	d.mu.Lock()
	dst, ok := d.deployed[key]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownKey, key)
	}

	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("filecopy: remove %s: %w", dst, err)
	}
	d.mu.Lock()
	delete(d.deployed, key)
	d.mu.Unlock()

	d.logger.Info("removed artifact", "path", dst, "key", key)
	return nil
}

// Update replaces the copy under a.Key. Readers of the destination see
// either the old or the new content, never a partial copy.
func (d *Deployer) Update(ctx context.Context, a *artifact.Artifact) (artifact.Key, error) {
	d.mu.Lock()
	dst, ok := d.deployed[a.Key]
	d.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownKey, a.Key)
	}

	if err := d.install(ctx, a.Path, dst); err != nil {
		return "", err
	}
	d.logger.Info("replaced artifact", "path", a.Path, "to", dst, "key", a.Key)
	return a.Key, nil
}

// install copies src into a staging directory next to dst and renames it
// into place, moving any previous copy aside first.
func (d *Deployer) install(ctx context.Context, src, dst string) error {
	files, err := bundle.EnumerateFiles(src, d.excludes)
	if err != nil {
		return fmt.Errorf("filecopy: %w", err)
	}
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("filecopy: %w", err)
	}

	staging, err := os.MkdirTemp(d.destination, ".hotdeploy-stage-*")
	if err != nil {
		return fmt.Errorf("filecopy: create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	staged := filepath.Join(staging, "new")
	if info.IsDir() {
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := copyFile(f.AbsPath, filepath.Join(staged, filepath.FromSlash(f.RelPath))); err != nil {
				return err
			}
		}
		if len(files) == 0 {
			if err := os.MkdirAll(staged, 0o755); err != nil {
				return fmt.Errorf("filecopy: %w", err)
			}
		}
	} else if err := copyFile(src, staged); err != nil {
		return err
	}

	old := filepath.Join(staging, "old")
	hadOld := false
	if _, err := os.Lstat(dst); err == nil {
		if err := os.Rename(dst, old); err != nil {
			return fmt.Errorf("filecopy: move previous copy aside: %w", err)
		}
		hadOld = true
	}
	if err := os.Rename(staged, dst); err != nil {
		if hadOld {
			if rerr := os.Rename(old, dst); rerr != nil {
				d.logger.Error("failed to restore previous copy", "path", dst, "error", rerr)
			}
		}
		return fmt.Errorf("filecopy: move copy into place: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("filecopy: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("filecopy: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("filecopy: %w", err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("filecopy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("filecopy: copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("filecopy: %w", err)
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
