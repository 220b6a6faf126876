package archive

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/hotdeploy/hotdeploy/internal/artifact"
	"github.com/hotdeploy/hotdeploy/internal/deployer"
)

// archivingDeployer snapshots every artifact its inner deployer activates.
// Archive failures are logged and never fail the deployment.
type archivingDeployer struct {
	deployer.Deployer
	archiver *Archiver
	logger   hclog.Logger

	mu    sync.Mutex
	names map[artifact.Key]string // key -> artifact name, for Deactivate
}

// Wrap returns a Deployer that delegates to d and archives each deployed or
// updated artifact with a. After a successful undeploy the artifact's
// ACTIVE pointer is removed. Name patterns of d are preserved.
func Wrap(d deployer.Deployer, a *Archiver, logger hclog.Logger) deployer.PatternDeployer {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &archivingDeployer{
		Deployer: d,
		archiver: a,
		logger:   logger.Named("archive").With("type", d.ArtifactType()),
		names:    make(map[artifact.Key]string),
	}
}

func (w *archivingDeployer) Patterns() []string {
	return deployer.PatternsOf(w.Deployer)
}

func (w *archivingDeployer) Deploy(ctx context.Context, a *artifact.Artifact) (artifact.Key, error) {
	key, err := w.Deployer.Deploy(ctx, a)
	if err != nil {
		return key, err
	}
	w.snapshot(ctx, a, "", key)
	return key, nil
}

func (w *archivingDeployer) Update(ctx context.Context, a *artifact.Artifact) (artifact.Key, error) {
	key, err := w.Deployer.Update(ctx, a)
	if err != nil {
		return key, err
	}
	w.snapshot(ctx, a, a.Key, key)
	return key, nil
}

func (w *archivingDeployer) Undeploy(ctx context.Context, key artifact.Key) error {
	if err := w.Deployer.Undeploy(ctx, key); err != nil {
		return err
	}

	w.mu.Lock()
	name, ok := w.names[key]
	delete(w.names, key)
	w.mu.Unlock()
	if !ok {
		return nil
	}

	if err := w.archiver.Deactivate(ctx, w.ArtifactType(), name); err != nil {
		w.logger.Warn("failed to deactivate archived snapshot", "artifact", name, "error", err)
	}
	return nil
}

// snapshot archives a under its name unless another deployed key already
// owns that name, in which case the archive is left to the owner.
func (w *archivingDeployer) snapshot(ctx context.Context, a *artifact.Artifact, oldKey, newKey artifact.Key) {
	name := a.Name()
	w.mu.Lock()
	if oldKey != "" {
		delete(w.names, oldKey)
	}
	for key, n := range w.names {
		if n == name && key != newKey {
			w.mu.Unlock()
			w.logger.Warn("snapshot skipped, name archived for another deployment", "artifact", a.Path, "name", name, "owner", key)
			return
		}
	}
	w.names[newKey] = name
	w.mu.Unlock()

	deployed := a.Clone()
	deployed.Key = newKey
	if _, err := w.archiver.Snapshot(ctx, deployed); err != nil {
		w.logger.Warn("snapshot failed", "artifact", a.Path, "error", err)
	}
}
