// Package deployer defines the capability contract implemented by artifact
// handlers and the registry that binds each artifact type to exactly one
// handler and the location it watches.
package deployer

import (
	"context"

	"github.com/hotdeploy/hotdeploy/internal/artifact"
)

// Deployer handles deploy, undeploy and update for one artifact type.
// Implementations are free to keep internal state; the engine relies on
// nothing beyond this interface.
type Deployer interface {
	// Init prepares the deployer before the first scan of location.
	Init(ctx context.Context, location string) error
	// Deploy activates a new artifact and returns its deployment key.
	Deploy(ctx context.Context, a *artifact.Artifact) (artifact.Key, error)
	// Undeploy deactivates the artifact identified by key.
	Undeploy(ctx context.Context, key artifact.Key) error
	// Update re-activates a changed artifact. The returned key may equal
	// a.Key.
	Update(ctx context.Context, a *artifact.Artifact) (artifact.Key, error)
	// Location is the directory, relative to the repository root, that the
	// deployer watches by default.
	Location() string
	// ArtifactType is the type this deployer handles.
	ArtifactType() artifact.Type
}

// PatternDeployer is implemented by deployers that only accept entries whose
// names match one of the returned doublestar patterns, e.g. "*.war".
type PatternDeployer interface {
	Deployer
	Patterns() []string
}

// PatternsOf returns d's name patterns, or nil when d accepts every entry.
func PatternsOf(d Deployer) []string {
	if pd, ok := d.(PatternDeployer); ok {
		return pd.Patterns()
	}
	return nil
}
