package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hotdeploy/hotdeploy/internal/artifact"
	"github.com/hotdeploy/hotdeploy/internal/bundle"
	"github.com/hotdeploy/hotdeploy/internal/deployid"
	"github.com/hotdeploy/hotdeploy/internal/manifest"
	"github.com/hotdeploy/hotdeploy/internal/target"
)

// SnapshotResult describes the outcome of Snapshot.
type SnapshotResult struct {
	SnapshotID string
	Digest     string
	Files      int
	Bytes      int64
	Unchanged  bool     // ACTIVE already held identical content; nothing uploaded
	Pruned     []string // snapshot ids removed by retention
}

// Snapshot archives the current content of art and makes it the ACTIVE
// snapshot of the artifact. Content identical to the ACTIVE snapshot is not
// uploaded again.
//
// Steps:
//  1. Enumerate and hash the artifact
//  2. Compare with the ACTIVE manifest
//  3. Upload all files in parallel
//  4. Upload manifest.json
//  5. Move ACTIVE, conditional on the version read in step 2
//  6. Prune inactive snapshots beyond the retention limit
func (a *Archiver) Snapshot(ctx context.Context, art *artifact.Artifact) (*SnapshotResult, error) {
	b, err := bundle.Scan(art.Path, a.excludes, false)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}

	name := art.Name()
	current, err := a.readActive(ctx, art.Type, name)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}

	if current.id != "" {
		if m, err := a.readManifest(ctx, art.Type, name, current.id); err == nil && m.Digest == b.Digest {
			a.logger.Debug("artifact unchanged since last snapshot", "artifact", art.Path, "snapshot", current.id)
			return &SnapshotResult{
				SnapshotID: current.id,
				Digest:     b.Digest,
				Files:      len(b.Files),
				Bytes:      b.TotalSize(),
				Unchanged:  true,
			}, nil
		}
	}

	id := deployid.NewSnapshot()
	if err := a.commit(ctx, art, b, id, current); err != nil {
		// Leave nothing behind that ACTIVE does not point to.
		if cerr := a.deletePrefix(context.WithoutCancel(ctx), snapshotPrefix(art.Type, name, id)); cerr != nil {
			a.logger.Warn("failed to clean up partial snapshot", "snapshot", id, "error", cerr)
		}
		return nil, fmt.Errorf("archive: snapshot %s: %w", art.Path, err)
	}

	result := &SnapshotResult{
		SnapshotID: id,
		Digest:     b.Digest,
		Files:      len(b.Files),
		Bytes:      b.TotalSize(),
	}

	if a.retain >= 0 {
		pruned, err := a.Prune(ctx, art.Type, name, a.retain)
		if err != nil {
			// The snapshot itself is committed; retention catches up next time.
			a.logger.Warn("prune failed", "artifact", art.Path, "error", err)
		}
		result.Pruned = pruned
	}

	a.logger.Info("snapshot committed", "artifact", art.Path, "snapshot", id,
		"files", result.Files, "bytes", result.Bytes, "pruned", len(result.Pruned))
	return result, nil
}

func (a *Archiver) commit(ctx context.Context, art *artifact.Artifact, b *bundle.Bundle, id string, current activePointer) error {
	name := art.Name()

	if err := a.uploadFiles(ctx, art.Type, name, id, b); err != nil {
		return fmt.Errorf("upload files: %w", err)
	}

	m := &manifest.Manifest{
		SchemaVersion: manifest.SchemaVersion,
		ArtifactType:  string(art.Type),
		ArtifactName:  name,
		SourcePath:    art.Path,
		Exploded:      b.IsDir,
		DeploymentKey: string(art.Key),
		SnapshotID:    id,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		ModTime:       art.ModTime.UTC().Format(time.RFC3339Nano),
		Digest:        b.Digest,
		Files:         b.FileHashes,
	}
	data, err := manifest.Marshal(m)
	if err != nil {
		return err
	}
	if err := a.tgt.Put(ctx, manifestKey(art.Type, name, id), bytes.NewReader(data), target.PutOptions{
		ContentType: bundle.ContentTypeManifest,
	}); err != nil {
		return fmt.Errorf("put manifest: %w", err)
	}

	if err := a.writeActive(ctx, art.Type, name, id, current); err != nil {
		return fmt.Errorf("write ACTIVE: %w", err)
	}
	return nil
}

func (a *Archiver) uploadFiles(ctx context.Context, t artifact.Type, name, id string, b *bundle.Bundle) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, fe := range b.Files {
		g.Go(func() error {
			if err := a.sem.Acquire(gctx, 1); err != nil {
				return fmt.Errorf("acquire semaphore for %q: %w", fe.RelPath, err)
			}
			defer a.sem.Release(1)

			f, err := os.Open(fe.AbsPath)
			if err != nil {
				return fmt.Errorf("open %q: %w", fe.RelPath, err)
			}
			defer f.Close()

			key := fileKey(t, name, id, fe.RelPath)
			if err := a.tgt.Put(gctx, key, f, target.PutOptions{
				ContentType: bundle.ContentTypeForFile(fe.RelPath),
				Metadata:    map[string]string{"sha256": strings.TrimPrefix(b.FileHashes[fe.RelPath], "sha256:")},
			}); err != nil {
				return fmt.Errorf("put %q: %w", key, err)
			}
			return nil
		})
	}

	return g.Wait()
}

// activePointer is the ACTIVE content plus the version it was read at.
type activePointer struct {
	id   string
	meta target.ObjectMeta
}

func (a *Archiver) readActive(ctx context.Context, t artifact.Type, name string) (activePointer, error) {
	data, meta, err := target.ReadAll(ctx, a.tgt, activeKey(t, name))
	if err != nil {
		if errors.Is(err, target.ErrNotFound) {
			return activePointer{}, nil
		}
		return activePointer{}, fmt.Errorf("read ACTIVE: %w", err)
	}
	return activePointer{id: strings.TrimSpace(string(data)), meta: meta}, nil
}

// writeActive points ACTIVE at id. The write only succeeds if ACTIVE still
// holds the version in prev (or is still absent), so two processes
// archiving the same artifact cannot silently overwrite each other.
func (a *Archiver) writeActive(ctx context.Context, t artifact.Type, name, id string, prev activePointer) error {
	cond := target.WriteCondition{}
	if prev.id != "" {
		cond = prev.meta.Condition()
	}
	return a.tgt.ConditionalPut(ctx, activeKey(t, name), strings.NewReader(id), cond, target.PutOptions{
		ContentType: bundle.ContentTypeActive,
	})
}

func (a *Archiver) readManifest(ctx context.Context, t artifact.Type, name, id string) (*manifest.Manifest, error) {
	data, _, err := target.ReadAll(ctx, a.tgt, manifestKey(t, name, id))
	if err != nil {
		return nil, err
	}
	return manifest.Unmarshal(data)
}

// Active returns the ACTIVE snapshot id of an artifact, or "" when the
// artifact is not archived or has been deactivated.
func (a *Archiver) Active(ctx context.Context, t artifact.Type, name string) (string, error) {
	p, err := a.readActive(ctx, t, name)
	if err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	return p.id, nil
}

// Manifest returns the manifest of one snapshot.
func (a *Archiver) Manifest(ctx context.Context, t artifact.Type, name, id string) (*manifest.Manifest, error) {
	m, err := a.readManifest(ctx, t, name, id)
	if err != nil {
		return nil, fmt.Errorf("archive: manifest of %s: %w", id, err)
	}
	return m, nil
}

// Deactivate removes the ACTIVE pointer of an artifact. Snapshots stay until
// pruned or purged.
func (a *Archiver) Deactivate(ctx context.Context, t artifact.Type, name string) error {
	if err := a.tgt.Delete(ctx, activeKey(t, name)); err != nil {
		return fmt.Errorf("archive: deactivate %s/%s: %w", t, name, err)
	}
	return nil
}
