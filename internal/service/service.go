// Package service exposes the explicit deployment operations to callers
// outside the engine, addressing deployers by their type tag.
package service

import (
	"context"

	"github.com/hotdeploy/hotdeploy/internal/artifact"
	"github.com/hotdeploy/hotdeploy/internal/engine"
)

// Engine is the subset of *engine.Engine the service drives.
type Engine interface {
	Deploy(ctx context.Context, path string, t artifact.Type) (artifact.Key, error)
	Undeploy(ctx context.Context, key artifact.Key, t artifact.Type) error
	Redeploy(ctx context.Context, key artifact.Key, t artifact.Type) (artifact.Key, error)
	Artifacts(t artifact.Type) []*artifact.Artifact
}

var _ Engine = (*engine.Engine)(nil)

// DeploymentService is the public entry point for explicit deployment
// requests. Errors from the engine, including *engine.Error, are returned
// unchanged.
type DeploymentService struct {
	engine Engine
}

// New returns a DeploymentService backed by e.
func New(e Engine) *DeploymentService {
	return &DeploymentService{engine: e}
}

// Deploy deploys the artifact at path with the deployer for typeTag.
func (s *DeploymentService) Deploy(ctx context.Context, path, typeTag string) (string, error) {
	key, err := s.engine.Deploy(ctx, path, artifact.Type(typeTag))
	return string(key), err
}

// Undeploy undeploys the artifact deployed under key.
func (s *DeploymentService) Undeploy(ctx context.Context, key, typeTag string) error {
	return s.engine.Undeploy(ctx, artifact.Key(key), artifact.Type(typeTag))
}

// Redeploy updates the artifact deployed under key and returns its new key.
func (s *DeploymentService) Redeploy(ctx context.Context, key, typeTag string) (string, error) {
	newKey, err := s.engine.Redeploy(ctx, artifact.Key(key), artifact.Type(typeTag))
	return string(newKey), err
}

// Deployed lists the artifacts currently deployed for typeTag.
func (s *DeploymentService) Deployed(typeTag string) []*artifact.Artifact {
	return s.engine.Artifacts(artifact.Type(typeTag))
}
