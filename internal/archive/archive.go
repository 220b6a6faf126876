// Package archive keeps snapshots of deployed artifacts in an object store.
//
// Every snapshot of an artifact lives under
//
//	<type>/<name>/.hotdeploy/snapshots/<snapshot-id>/files/<relpath>
//	<type>/<name>/.hotdeploy/snapshots/<snapshot-id>/manifest.json
//
// and <type>/<name>/.hotdeploy/ACTIVE names the snapshot of the artifact
// currently deployed. A snapshot is committed in order: files, manifest,
// ACTIVE. Readers that follow ACTIVE therefore never see a partial upload.
package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hotdeploy/hotdeploy/internal/artifact"
	"github.com/hotdeploy/hotdeploy/internal/target"
)

const (
	// DefaultRetain is the number of inactive snapshots kept per artifact.
	DefaultRetain = 3
	// DefaultConcurrency bounds parallel object operations.
	DefaultConcurrency = 8

	layoutDir = ".hotdeploy"
)

// Options configures an Archiver.
type Options struct {
	Retain      int      // inactive snapshots kept; <0 keeps all, 0 keeps none
	Concurrency int      // parallel uploads and deletes; 0 means DefaultConcurrency
	Excludes    []string // extra gitignore-style excludes applied to artifact content
	Logger      hclog.Logger
}

// Archiver snapshots artifacts into one target.
type Archiver struct {
	tgt      target.Target
	sem      *semaphore.Weighted
	retain   int
	excludes []string
	logger   hclog.Logger
}

// New creates an Archiver writing to tgt.
func New(tgt target.Target, opts Options) *Archiver {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Archiver{
		tgt:      tgt,
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		retain:   opts.Retain,
		excludes: opts.Excludes,
		logger:   logger.Named("archive").With("target", tgt.Name()),
	}
}

// Target returns the store the archiver writes to.
func (a *Archiver) Target() target.Target {
	return a.tgt
}

func artifactPrefix(t artifact.Type, name string) string {
	return string(t) + "/" + name + "/" + layoutDir + "/"
}

func activeKey(t artifact.Type, name string) string {
	return artifactPrefix(t, name) + "ACTIVE"
}

func snapshotsPrefix(t artifact.Type, name string) string {
	return artifactPrefix(t, name) + "snapshots/"
}

func snapshotPrefix(t artifact.Type, name, id string) string {
	return snapshotsPrefix(t, name) + id + "/"
}

func manifestKey(t artifact.Type, name, id string) string {
	return snapshotPrefix(t, name, id) + "manifest.json"
}

func fileKey(t artifact.Type, name, id, rel string) string {
	return snapshotPrefix(t, name, id) + "files/" + rel
}

// snapshotIDFromKey extracts the snapshot id from a key below
// snapshotsPrefix, or "" when key is not inside a snapshot.
func snapshotIDFromKey(prefix, key string) string {
	rest := strings.TrimPrefix(key, prefix)
	if rest == key {
		return ""
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return id
}

// deleteObjects removes keys in parallel, bounded by the semaphore.
func (a *Archiver) deleteObjects(ctx context.Context, objects []target.ObjectInfo) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, obj := range objects {
		g.Go(func() error {
			if err := a.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer a.sem.Release(1)

			if err := a.tgt.Delete(gctx, obj.Key); err != nil {
				return fmt.Errorf("delete %q: %w", obj.Key, err)
			}
			return nil
		})
	}

	return g.Wait()
}

// deletePrefix lists and removes everything under prefix.
func (a *Archiver) deletePrefix(ctx context.Context, prefix string) error {
	objects, err := a.tgt.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list %q: %w", prefix, err)
	}
	return a.deleteObjects(ctx, objects)
}
