package target

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Backoff strategies for RetryOptions.Backoff.
const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
)

// RetryOptions configures a RetryTarget.
type RetryOptions struct {
	MaxRetries int           // retries after the first attempt
	Backoff    string        // BackoffExponential (default) or BackoffLinear
	Timeout    time.Duration // per-attempt deadline; 0 disables
	Logger     hclog.Logger
}

// RetryTarget wraps another Target and retries transient errors with
// jittered backoff.
type RetryTarget struct {
	inner  Target
	opts   RetryOptions
	logger hclog.Logger
}

// NewRetryTarget creates a Target that retries transient errors.
func NewRetryTarget(inner Target, opts RetryOptions) *RetryTarget {
	if opts.Backoff != BackoffExponential && opts.Backoff != BackoffLinear {
		opts.Backoff = BackoffExponential
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &RetryTarget{inner: inner, opts: opts, logger: logger}
}

func (r *RetryTarget) Name() string {
	return r.inner.Name()
}

func (r *RetryTarget) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading body for %q: %w", key, err)
	}
	return r.retryOp(ctx, "put", key, func(ctx context.Context) error {
		return r.inner.Put(ctx, key, bytes.NewReader(data), opts)
	})
}

// Get retries only the request itself. The returned body is read by the
// caller after the attempt deadline is released, so Get does not apply
// Timeout.
func (r *RetryTarget) Get(ctx context.Context, key string) (io.ReadCloser, ObjectMeta, error) {
	var (
		rc   io.ReadCloser
		meta ObjectMeta
	)
	err := r.retry(ctx, "get", key, false, func(ctx context.Context) error {
		var e error
		rc, meta, e = r.inner.Get(ctx, key)
		return e
	})
	return rc, meta, err
}

func (r *RetryTarget) Head(ctx context.Context, key string) (ObjectMeta, error) {
	var meta ObjectMeta
	err := r.retryOp(ctx, "head", key, func(ctx context.Context) error {
		var e error
		meta, e = r.inner.Head(ctx, key)
		return e
	})
	return meta, err
}

func (r *RetryTarget) Delete(ctx context.Context, key string) error {
	return r.retryOp(ctx, "delete", key, func(ctx context.Context) error {
		return r.inner.Delete(ctx, key)
	})
}

func (r *RetryTarget) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var items []ObjectInfo
	err := r.retryOp(ctx, "list", prefix, func(ctx context.Context) error {
		var e error
		items, e = r.inner.List(ctx, prefix)
		return e
	})
	return items, err
}

func (r *RetryTarget) ConditionalPut(ctx context.Context, key string, body io.Reader, condition WriteCondition, opts PutOptions) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading body for %q: %w", key, err)
	}
	return r.retryOp(ctx, "conditional-put", key, func(ctx context.Context) error {
		return r.inner.ConditionalPut(ctx, key, bytes.NewReader(data), condition, opts)
	})
}

// isTransient returns true if the error is transient and should be retried.
// Missing objects, failed preconditions, lease conflicts and cancellation
// are final.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPreconditionFailed) ||
		errors.Is(err, ErrLeaseConflict) ||
		errors.Is(err, context.Canceled) {
		return false
	}
	var cme *ConcurrentModificationError
	return !errors.As(err, &cme)
}

func (r *RetryTarget) retryOp(ctx context.Context, op, key string, fn func(context.Context) error) error {
	return r.retry(ctx, op, key, true, fn)
}

// retry executes fn and retries on transient errors.
func (r *RetryTarget) retry(ctx context.Context, op, key string, withTimeout bool, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= r.opts.MaxRetries; attempt++ {
		lastErr = r.attempt(ctx, withTimeout, fn)
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		if attempt == r.opts.MaxRetries {
			break
		}

		sleep := r.calcBackoff(attempt)
		r.logger.Debug("retrying target operation", "op", op, "key", key,
			"attempt", attempt+1, "backoff", sleep, "error", lastErr)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	r.logger.Warn("target operation failed", "op", op, "key", key,
		"attempts", r.opts.MaxRetries+1, "error", lastErr)
	return lastErr
}

func (r *RetryTarget) attempt(ctx context.Context, withTimeout bool, fn func(context.Context) error) error {
	if !withTimeout || r.opts.Timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	return fn(actx)
}

// calcBackoff computes the backoff duration for the given attempt number.
func (r *RetryTarget) calcBackoff(attempt int) time.Duration {
	const baseDelay = 100 * time.Millisecond
	const maxDelay = 30 * time.Second

	var delay time.Duration
	switch r.opts.Backoff {
	case BackoffLinear:
		delay = baseDelay * time.Duration(attempt+1)
	default:
		delay = baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	}

	if delay > maxDelay {
		delay = maxDelay
	}

	// +/- 25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/2))) - delay/4
	delay += jitter

	if delay < 0 {
		delay = baseDelay
	}

	return delay
}
