// Package logging builds the process root logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// Options mirrors the logging section of the configuration.
type Options struct {
	Level  string // trace, debug, info, warn, error, off
	JSON   bool
	Output io.Writer // defaults to stderr
}

// New returns the root logger named "hotdeploy". Components derive their
// own loggers with Named.
func New(opts Options) (hclog.Logger, error) {
	level := hclog.Info
	if opts.Level != "" {
		level = hclog.LevelFromString(opts.Level)
		if level == hclog.NoLevel {
			return nil, fmt.Errorf("logging: unknown level %q", opts.Level)
		}
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:            "hotdeploy",
		Level:           level,
		Output:          out,
		JSONFormat:      opts.JSON,
		IncludeLocation: level <= hclog.Debug,
	}), nil
}
