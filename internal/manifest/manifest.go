// Package manifest describes the snapshot manifest written alongside every
// archived artifact and provides deterministic (de)serialization.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// SchemaVersion is the manifest layout written by this build.
const SchemaVersion = 1

// Manifest records what was archived for one deployment of an artifact.
type Manifest struct {
	SchemaVersion int               `json:"schema_version"`
	ArtifactType  string            `json:"artifact_type"`
	ArtifactName  string            `json:"artifact_name"`
	SourcePath    string            `json:"source_path"`
	Exploded      bool              `json:"exploded"`
	DeploymentKey string            `json:"deployment_key,omitempty"`
	SnapshotID    string            `json:"snapshot_id"`
	CreatedAt     string            `json:"created_at"`
	ModTime       string            `json:"mod_time"`
	Digest        string            `json:"digest"`
	Files         map[string]string `json:"files"`
}

// Paths returns the archived relative paths in lexical order.
func (m *Manifest) Paths() []string {
	paths := make([]string, 0, len(m.Files))
	for p := range m.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Validate checks the fields every reader relies on.
func (m *Manifest) Validate() error {
	var errs []error
	if m.SchemaVersion < 1 || m.SchemaVersion > SchemaVersion {
		errs = append(errs, fmt.Errorf("unsupported schema_version %d", m.SchemaVersion))
	}
	if m.ArtifactType == "" {
		errs = append(errs, errors.New("artifact_type is empty"))
	}
	if m.ArtifactName == "" {
		errs = append(errs, errors.New("artifact_name is empty"))
	}
	if m.SnapshotID == "" {
		errs = append(errs, errors.New("snapshot_id is empty"))
	}
	if !strings.HasPrefix(m.Digest, "sha256:") {
		errs = append(errs, fmt.Errorf("digest %q is not a sha256 digest", m.Digest))
	}
	for p := range m.Files {
		if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "..") {
			errs = append(errs, fmt.Errorf("invalid file path %q", p))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	return nil
}

// Marshal serializes a Manifest to indented JSON. Struct fields keep their
// declaration order and encoding/json sorts the Files keys, so equal
// manifests always produce identical bytes.
func Marshal(m *Manifest) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("manifest: cannot marshal nil manifest")
	}
	out := *m
	if out.Files == nil {
		out.Files = map[string]string{}
	}
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("manifest: marshal failed: %w", err)
	}
	return append(data, '\n'), nil
}

// Unmarshal deserializes and validates a Manifest.
func Unmarshal(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: unmarshal failed: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
