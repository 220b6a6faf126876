package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	gcsstorage "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// gcsTarget implements Target for Google Cloud Storage.
type gcsTarget struct {
	client     *gcsstorage.Client
	bucket     string
	prefix     string
	kmsKeyName string
	name       string
}

// newGCSTarget builds a GCS target using Application Default Credentials.
func newGCSTarget(ctx context.Context, cfg Config) (Target, error) {
	client, err := gcsstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	return &gcsTarget{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     normalizePrefix(cfg.Prefix),
		kmsKeyName: cfg.KMSKeyName,
		name:       cfg.Name,
	}, nil
}

func (t *gcsTarget) Name() string {
	return t.name
}

// fullKey prepends the configured prefix to the given key.
func (t *gcsTarget) fullKey(key string) string {
	return t.prefix + key
}

// obj returns a handle to the named object in the configured bucket.
func (t *gcsTarget) obj(key string) *gcsstorage.ObjectHandle {
	return t.client.Bucket(t.bucket).Object(t.fullKey(key))
}

// write streams body into o. Precondition failures surface from Close.
func (t *gcsTarget) write(ctx context.Context, o *gcsstorage.ObjectHandle, key string, body io.Reader, opts PutOptions) error {
	w := o.NewWriter(ctx)
	w.ContentType = opts.ContentType
	if len(opts.Metadata) > 0 {
		w.Metadata = opts.Metadata
	}
	if t.kmsKeyName != "" {
		w.KMSKeyName = t.kmsKeyName
	}

	if _, err := io.Copy(w, body); err != nil {
		w.Close()
		return fmt.Errorf("gcs write %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		if isGCSPreconditionFailed(err) {
			return ErrPreconditionFailed
		}
		return fmt.Errorf("gcs close writer %q: %w", key, err)
	}
	return nil
}

func (t *gcsTarget) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	return t.write(ctx, t.obj(key), key, body, opts)
}

func (t *gcsTarget) Get(ctx context.Context, key string) (io.ReadCloser, ObjectMeta, error) {
	o := t.obj(key)

	attrs, err := o.Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcsstorage.ErrObjectNotExist) {
			return nil, ObjectMeta{}, ErrNotFound
		}
		return nil, ObjectMeta{}, fmt.Errorf("gcs Attrs %q: %w", key, err)
	}

	reader, err := o.NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcsstorage.ErrObjectNotExist) {
			return nil, ObjectMeta{}, ErrNotFound
		}
		return nil, ObjectMeta{}, fmt.Errorf("gcs NewReader %q: %w", key, err)
	}

	meta := ObjectMeta{
		ETag:       attrs.Etag,
		Generation: attrs.Generation,
		Size:       attrs.Size,
	}

	return reader, meta, nil
}

func (t *gcsTarget) Head(ctx context.Context, key string) (ObjectMeta, error) {
	o := t.obj(key)

	attrs, err := o.Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcsstorage.ErrObjectNotExist) {
			return ObjectMeta{}, ErrNotFound
		}
		return ObjectMeta{}, fmt.Errorf("gcs Attrs %q: %w", key, err)
	}

	return ObjectMeta{
		ETag:       attrs.Etag,
		Generation: attrs.Generation,
		Size:       attrs.Size,
	}, nil
}

func (t *gcsTarget) Delete(ctx context.Context, key string) error {
	o := t.obj(key)

	if err := o.Delete(ctx); err != nil && !errors.Is(err, gcsstorage.ErrObjectNotExist) {
		return fmt.Errorf("gcs Delete %q: %w", key, err)
	}
	return nil
}

func (t *gcsTarget) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	fullPrefix := t.fullKey(prefix)

	it := t.client.Bucket(t.bucket).Objects(ctx, &gcsstorage.Query{
		Prefix: fullPrefix,
	})

	var results []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs List prefix %q: %w", prefix, err)
		}

		results = append(results, ObjectInfo{
			Key:  strings.TrimPrefix(attrs.Name, t.prefix),
			Size: attrs.Size,
			ETag: attrs.Etag,
		})
	}

	return results, nil
}

// ConditionalPut matches on generation when one is given and otherwise
// requires the object to be absent.
func (t *gcsTarget) ConditionalPut(ctx context.Context, key string, body io.Reader, condition WriteCondition, opts PutOptions) error {
	o := t.obj(key)
	if condition.Generation > 0 {
		o = o.If(gcsstorage.Conditions{GenerationMatch: condition.Generation})
	} else {
		o = o.If(gcsstorage.Conditions{DoesNotExist: true})
	}
	return t.write(ctx, o, key, body, opts)
}

func isGCSPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
