// Package target abstracts the object stores that artifact snapshots are
// archived to. Backends exist for Amazon S3, Google Cloud Storage, Azure
// Blob Storage and process memory.
package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Sentinel errors for target operations.
var (
	ErrNotFound           = errors.New("object not found")
	ErrPreconditionFailed = errors.New("precondition failed: object was modified by another process")
	ErrLeaseConflict      = errors.New("lease conflict: another process holds a lease")
)

// ConcurrentModificationError reports a create-only write that found the
// object already present.
type ConcurrentModificationError struct {
	Key     string
	Message string
}

func (e *ConcurrentModificationError) Error() string { return e.Message }

// PutOptions controls optional behavior for Put and ConditionalPut.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
	KMSKeyID    string
}

// WriteCondition specifies the precondition for a conditional write.
// Only the field relevant to the backend should be set.
type WriteCondition struct {
	IfMatch    string // S3 ETag, "*" for create-only
	Generation int64  // GCS generation; 0 means "object must not exist"
	LeaseID    string // Azure lease ID
}

// ObjectMeta is returned from Get and Head with version information.
type ObjectMeta struct {
	ETag       string
	Generation int64
	Size       int64
}

// Condition returns the write condition that only succeeds while the object
// still has this version.
func (m ObjectMeta) Condition() WriteCondition {
	return WriteCondition{IfMatch: m.ETag, Generation: m.Generation}
}

// ObjectInfo is a single entry returned from List.
type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

// Target is an object store holding archived snapshots. Keys are logical
// slash-separated paths; a backend prefix is applied transparently.
type Target interface {
	// Put writes an object unconditionally.
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error
	// Get retrieves an object. Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectMeta, error)
	// Head retrieves object metadata without the body.
	Head(ctx context.Context, key string) (ObjectMeta, error)
	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
	// List returns all objects under the given prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// ConditionalPut writes an object only if the write condition is satisfied.
	// Returns ErrPreconditionFailed if the condition is not met.
	ConditionalPut(ctx context.Context, key string, body io.Reader, condition WriteCondition, opts PutOptions) error
	// Name returns the target name for logging.
	Name() string
}

// ReadAll fetches the whole body of key.
func ReadAll(ctx context.Context, t Target, key string) ([]byte, ObjectMeta, error) {
	rc, meta, err := t.Get(ctx, key)
	if err != nil {
		return nil, ObjectMeta{}, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, ObjectMeta{}, fmt.Errorf("read %q: %w", key, err)
	}
	return data, meta, nil
}

// Backend types accepted in Config.Type.
const (
	TypeS3     = "s3"
	TypeGCS    = "gcs"
	TypeAzure  = "azure"
	TypeMemory = "memory"
)

// Config describes one archive target. It is decoded from the archive.target
// section of the daemon configuration.
type Config struct {
	Name            string `yaml:"name"`
	Type            string `yaml:"type"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	StorageAccount  string `yaml:"storage_account"`
	ContainerName   string `yaml:"container_name"`
	KMSKeyID        string `yaml:"kms_key_id"`
	KMSKeyName      string `yaml:"kms_key_name"`
	EncryptionScope string `yaml:"encryption_scope"`
	MaxConcurrency  int    `yaml:"max_concurrency"`
	MaxRetries      int    `yaml:"max_retries"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	RetryBackoff    string `yaml:"retry_backoff"` // "exponential" | "linear"
}

// Validate reports every missing or inconsistent field for the backend type.
func (c Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	switch c.Type {
	case TypeS3, TypeGCS:
		if c.Bucket == "" {
			errs = append(errs, fmt.Errorf("bucket is required for %s targets", c.Type))
		}
	case TypeAzure:
		if c.StorageAccount == "" {
			errs = append(errs, errors.New("storage_account is required for azure targets"))
		}
		if c.ContainerName == "" {
			errs = append(errs, errors.New("container_name is required for azure targets"))
		}
	case TypeMemory:
	default:
		errs = append(errs, fmt.Errorf("unsupported type %q (must be s3, gcs, azure, or memory)", c.Type))
	}
	if c.KMSKeyID != "" && c.Type != TypeS3 {
		errs = append(errs, errors.New("kms_key_id only applies to s3 targets"))
	}
	if c.KMSKeyName != "" && c.Type != TypeGCS {
		errs = append(errs, errors.New("kms_key_name only applies to gcs targets"))
	}
	if c.EncryptionScope != "" && c.Type != TypeAzure {
		errs = append(errs, errors.New("encryption_scope only applies to azure targets"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must not be negative"))
	}
	if c.TimeoutSeconds < 0 {
		errs = append(errs, errors.New("timeout_seconds must not be negative"))
	}
	switch c.RetryBackoff {
	case "", BackoffExponential, BackoffLinear:
	default:
		errs = append(errs, fmt.Errorf("retry_backoff %q must be exponential or linear", c.RetryBackoff))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("target %q: %w", c.Name, err)
	}
	return nil
}

// normalizePrefix returns prefix with exactly one trailing slash, or "".
func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}
