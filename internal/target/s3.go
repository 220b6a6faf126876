package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3Target implements Target for Amazon S3.
type s3Target struct {
	client   *s3.Client
	bucket   string
	prefix   string
	kmsKeyID string
	name     string
}

// newS3Target loads the default AWS credential chain and builds an S3
// target.
func newS3Target(ctx context.Context, cfg Config) (Target, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &s3Target{
		client:   s3.NewFromConfig(awsCfg),
		bucket:   cfg.Bucket,
		prefix:   normalizePrefix(cfg.Prefix),
		kmsKeyID: cfg.KMSKeyID,
		name:     cfg.Name,
	}, nil
}

func (t *s3Target) Name() string {
	return t.name
}

func (t *s3Target) fullKey(key string) string {
	return t.prefix + key
}

// putInput builds a PutObjectInput carrying content type, metadata and
// KMS encryption. opts.KMSKeyID overrides the target-level key.
func (t *s3Target) putInput(key string, body io.Reader, opts PutOptions) *s3.PutObjectInput {
	input := &s3.PutObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.fullKey(key)),
		Body:   body,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}

	kmsKey := t.kmsKeyID
	if opts.KMSKeyID != "" {
		kmsKey = opts.KMSKeyID
	}
	if kmsKey != "" {
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(kmsKey)
	}
	return input
}

func (t *s3Target) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	if _, err := t.client.PutObject(ctx, t.putInput(key, body, opts)); err != nil {
		return fmt.Errorf("s3 PutObject %q: %w", key, err)
	}
	return nil
}

func (t *s3Target) Get(ctx context.Context, key string) (io.ReadCloser, ObjectMeta, error) {
	output, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.fullKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ObjectMeta{}, ErrNotFound
		}
		return nil, ObjectMeta{}, fmt.Errorf("s3 GetObject %q: %w", key, err)
	}

	return output.Body, ObjectMeta{
		ETag: aws.ToString(output.ETag),
		Size: aws.ToInt64(output.ContentLength),
	}, nil
}

func (t *s3Target) Head(ctx context.Context, key string) (ObjectMeta, error) {
	output, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.fullKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return ObjectMeta{}, ErrNotFound
		}
		return ObjectMeta{}, fmt.Errorf("s3 HeadObject %q: %w", key, err)
	}

	return ObjectMeta{
		ETag: aws.ToString(output.ETag),
		Size: aws.ToInt64(output.ContentLength),
	}, nil
}

func (t *s3Target) Delete(ctx context.Context, key string) error {
	_, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.fullKey(key)),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("s3 DeleteObject %q: %w", key, err)
	}
	return nil
}

func (t *s3Target) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var results []ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(t.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(t.bucket),
		Prefix: aws.String(t.fullKey(prefix)),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 ListObjectsV2 prefix %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			results = append(results, ObjectInfo{
				Key:  strings.TrimPrefix(aws.ToString(obj.Key), t.prefix),
				Size: aws.ToInt64(obj.Size),
				ETag: aws.ToString(obj.ETag),
			})
		}
	}

	// ListObjectsV2 already returns keys in UTF-8 binary order.
	return results, nil
}

func (t *s3Target) ConditionalPut(ctx context.Context, key string, body io.Reader, condition WriteCondition, opts PutOptions) error {
	input := t.putInput(key, body, opts)

	switch condition.IfMatch {
	case "", "*":
		input.IfNoneMatch = aws.String("*")
	default:
		input.IfMatch = aws.String(condition.IfMatch)
	}

	if _, err := t.client.PutObject(ctx, input); err != nil {
		if isS3PreconditionFailed(err) {
			return ErrPreconditionFailed
		}
		return fmt.Errorf("s3 ConditionalPut %q: %w", key, err)
	}
	return nil
}

func httpStatus(err error) int {
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	return 0
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	// HeadObject reports a bare 404.
	return httpStatus(err) == http.StatusNotFound
}

func isS3PreconditionFailed(err error) bool {
	return httpStatus(err) == http.StatusPreconditionFailed
}
