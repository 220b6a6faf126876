package archive

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hotdeploy/hotdeploy/internal/artifact"
	"github.com/hotdeploy/hotdeploy/internal/deployid"
)

// Snapshots lists the snapshot ids stored for an artifact, oldest first.
// Directories under snapshots/ that are not snapshot ids are ignored.
func (a *Archiver) Snapshots(ctx context.Context, t artifact.Type, name string) ([]string, error) {
	prefix := snapshotsPrefix(t, name)
	objects, err := a.tgt.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("archive: list snapshots: %w", err)
	}

	type snap struct {
		id string
		ts time.Time
	}
	seen := make(map[string]struct{})
	var snaps []snap
	for _, obj := range objects {
		id := snapshotIDFromKey(prefix, obj.Key)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		p, ts, err := deployid.Parse(id)
		if err != nil || p != "snap" {
			continue
		}
		snaps = append(snaps, snap{id: id, ts: ts})
	}

	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].ts.Equal(snaps[j].ts) {
			return snaps[i].ts.Before(snaps[j].ts)
		}
		return snaps[i].id < snaps[j].id
	})

	ids := make([]string, len(snaps))
	for i, s := range snaps {
		ids[i] = s.id
	}
	return ids, nil
}

// Prune removes inactive snapshots of an artifact beyond the newest retain
// and returns the removed ids. The ACTIVE snapshot is never removed.
func (a *Archiver) Prune(ctx context.Context, t artifact.Type, name string, retain int) (pruned []string, err error) {
	if retain < 0 {
		return nil, nil
	}

	active, err := a.Active(ctx, t, name)
	if err != nil {
		return nil, err
	}
	ids, err := a.Snapshots(ctx, t, name)
	if err != nil {
		return nil, err
	}

	candidates := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != active {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) <= retain {
		return nil, nil
	}

	for _, id := range candidates[:len(candidates)-retain] {
		if err := a.deletePrefix(ctx, snapshotPrefix(t, name, id)); err != nil {
			return pruned, fmt.Errorf("archive: prune %s: %w", id, err)
		}
		a.logger.Debug("pruned snapshot", "type", t, "name", name, "snapshot", id)
		pruned = append(pruned, id)
	}
	return pruned, nil
}

// Purge removes every object the archive holds for an artifact, ACTIVE
// included.
func (a *Archiver) Purge(ctx context.Context, t artifact.Type, name string) error {
	if err := a.deletePrefix(ctx, artifactPrefix(t, name)); err != nil {
		return fmt.Errorf("archive: purge %s/%s: %w", t, name, err)
	}
	a.logger.Info("purged artifact archive", "type", t, "name", name)
	return nil
}
