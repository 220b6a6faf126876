package archive

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/hotdeploy/hotdeploy/internal/artifact"
	"github.com/hotdeploy/hotdeploy/internal/manifest"
	"github.com/hotdeploy/hotdeploy/internal/target"
)

// VerifyResult describes the ACTIVE snapshot of one artifact.
type VerifyResult struct {
	Type            artifact.Type
	Name            string
	SnapshotID      string // "" when the artifact has no ACTIVE snapshot
	Manifest        *manifest.Manifest
	MissingManifest bool
	MissingFiles    []string
	Healthy         bool
}

// Verify reads the ACTIVE snapshot of an artifact and checks that its
// manifest and every file it lists are present in the target.
func (a *Archiver) Verify(ctx context.Context, t artifact.Type, name string) (*VerifyResult, error) {
	result := &VerifyResult{Type: t, Name: name}

	active, err := a.Active(ctx, t, name)
	if err != nil {
		return nil, err
	}
	if active == "" {
		return result, nil
	}
	result.SnapshotID = active

	m, err := a.readManifest(ctx, t, name, active)
	if err != nil {
		if errors.Is(err, target.ErrNotFound) {
			result.MissingManifest = true
			return result, nil
		}
		return nil, fmt.Errorf("archive: verify %s/%s: %w", t, name, err)
	}
	result.Manifest = m

	missing, err := a.missingFiles(ctx, t, name, active, m)
	if err != nil {
		return nil, fmt.Errorf("archive: verify %s/%s: %w", t, name, err)
	}
	result.MissingFiles = missing
	result.Healthy = len(missing) == 0
	return result, nil
}

// missingFiles issues a HEAD for every file in m and returns the relative
// paths that are absent, sorted.
func (a *Archiver) missingFiles(ctx context.Context, t artifact.Type, name, id string, m *manifest.Manifest) ([]string, error) {
	paths := m.Paths()
	missing := make([]bool, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	for i, rel := range paths {
		g.Go(func() error {
			if err := a.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer a.sem.Release(1)

			key := fileKey(t, name, id, rel)
			if _, err := a.tgt.Head(gctx, key); err != nil {
				if errors.Is(err, target.ErrNotFound) {
					missing[i] = true
					return nil
				}
				return fmt.Errorf("head %q: %w", key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []string
	for i, rel := range paths {
		if missing[i] {
			out = append(out, rel)
		}
	}
	sort.Strings(out)
	return out, nil
}
