package target

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
)

// New creates the Target described by cfg. Cloud backends are wrapped in a
// RetryTarget when MaxRetries or TimeoutSeconds is set; memory targets are
// shared by name within the process.
func New(ctx context.Context, cfg Config, logger hclog.Logger) (Target, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	var (
		t   Target
		err error
	)

	switch cfg.Type {
	case TypeS3:
		t, err = newS3Target(ctx, cfg)
	case TypeAzure:
		t, err = newAzureTarget(cfg)
	case TypeGCS:
		t, err = newGCSTarget(ctx, cfg)
	case TypeMemory:
		return SharedMemoryTarget(cfg.Name), nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s target %q: %w", cfg.Type, cfg.Name, err)
	}

	if cfg.MaxRetries > 0 || cfg.TimeoutSeconds > 0 {
		t = NewRetryTarget(t, RetryOptions{
			MaxRetries: cfg.MaxRetries,
			Backoff:    cfg.RetryBackoff,
			Timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
			Logger:     logger.Named("target").With("target", cfg.Name),
		})
	}

	logger.Debug("archive target ready", "target", cfg.Name, "type", cfg.Type)
	return t, nil
}
