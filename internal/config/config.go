// Package config loads the hotdeployd YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hotdeploy/hotdeploy/internal/artifact"
	"github.com/hotdeploy/hotdeploy/internal/bundle"
	"github.com/hotdeploy/hotdeploy/internal/scheduler"
	"github.com/hotdeploy/hotdeploy/internal/target"
)

// Scan modes.
const (
	ModeScheduled = "scheduled"
	ModeManual    = "manual"
)

// Deployer kinds built into hotdeployd.
const (
	KindFileCopy = "filecopy"
)

// Defaults applied by Load.
const (
	DefaultInterval       = 15 * time.Second
	DefaultMaxConcurrency = 4
	DefaultRetain         = 3
	DefaultLogLevel       = "info"
)

// Duration is a time.Duration written as a Go duration string ("15s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level configuration document.
type Config struct {
	Repository string           `yaml:"repository"`
	Mode       string           `yaml:"mode"`
	Scan       ScanConfig       `yaml:"scan"`
	Logging    LoggingConfig    `yaml:"logging"`
	Journal    JournalConfig    `yaml:"journal"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Deployers  []DeployerConfig `yaml:"deployers"`
}

type ScanConfig struct {
	Interval       Duration `yaml:"interval"`
	Cron           string   `yaml:"cron"`
	InitialDelay   Duration `yaml:"initial_delay"`
	MaxConcurrency int      `yaml:"max_concurrency"`
	// MaxAttempts abandons an artifact after that many consecutive failed
	// deploys. Zero retries forever.
	MaxAttempts    int      `yaml:"max_attempts"`
	Excludes       []string `yaml:"excludes"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// JournalConfig locates the SQLite journal. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

type ArchiveConfig struct {
	Enabled bool          `yaml:"enabled"`
	// Retain is the number of snapshots kept besides the active one; -1
	// keeps all of them.
	Retain  int           `yaml:"retain"`
	Target  target.Config `yaml:"target"`
}

// DeployerConfig declares one deployer registration.
type DeployerConfig struct {
	Type        string   `yaml:"type"`
	Kind        string   `yaml:"kind"`
	Directory   string   `yaml:"directory"`
	Destination string   `yaml:"destination"`
	Patterns    []string `yaml:"patterns"`
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if cfg.Repository != "" && !filepath.IsAbs(cfg.Repository) {
		cfg.Repository = filepath.Join(filepath.Dir(path), cfg.Repository)
	}
	return cfg, nil
}

// Parse decodes a configuration document, applies defaults and validates
// it. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Archive: ArchiveConfig{Retain: DefaultRetain}}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeScheduled
	}
	if c.Scan.Interval == 0 {
		c.Scan.Interval = Duration(DefaultInterval)
	}
	if c.Scan.MaxConcurrency == 0 {
		c.Scan.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	for i := range c.Deployers {
		if c.Deployers[i].Kind == "" {
			c.Deployers[i].Kind = KindFileCopy
		}
	}
}

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Repository == "" {
		errs = append(errs, errors.New("repository is required"))
	}
	switch c.Mode {
	case ModeScheduled, ModeManual:
	default:
		errs = append(errs, fmt.Errorf("mode %q must be %s or %s", c.Mode, ModeScheduled, ModeManual))
	}

	if c.Scan.Interval.Std() < 0 {
		errs = append(errs, errors.New("scan.interval must not be negative"))
	}
	if c.Scan.InitialDelay.Std() < 0 {
		errs = append(errs, errors.New("scan.initial_delay must not be negative"))
	}
	if c.Scan.Cron != "" {
		if _, err := scheduler.Cron(c.Scan.Cron); err != nil {
			errs = append(errs, fmt.Errorf("scan.cron: %w", err))
		}
	}
	if c.Scan.MaxConcurrency < 0 {
		errs = append(errs, errors.New("scan.max_concurrency must not be negative"))
	}
	if c.Scan.MaxAttempts < 0 {
		errs = append(errs, errors.New("scan.max_attempts must not be negative"))
	}
	if err := bundle.ValidatePatterns(c.Scan.Excludes); err != nil {
		errs = append(errs, fmt.Errorf("scan.excludes: %w", err))
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "off":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not a known level", c.Logging.Level))
	}

	if c.Archive.Enabled {
		if c.Archive.Retain < -1 {
			errs = append(errs, errors.New("archive.retain must be -1 (keep all) or more"))
		}
		if err := c.Archive.Target.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("archive: %w", err))
		}
	}

	if len(c.Deployers) == 0 {
		errs = append(errs, errors.New("at least one deployer is required"))
	}
	types := make(map[string]int)
	dirs := make(map[string]int)
	for i, d := range c.Deployers {
		if err := d.validate(); err != nil {
			errs = append(errs, fmt.Errorf("deployers[%d]: %w", i, err))
		}
		if j, dup := types[d.Type]; dup && d.Type != "" {
			errs = append(errs, fmt.Errorf("deployers[%d]: type %q already declared by deployers[%d]", i, d.Type, j))
		}
		types[d.Type] = i
		dir := filepath.Clean(d.Dir())
		if j, dup := dirs[dir]; dup {
			errs = append(errs, fmt.Errorf("deployers[%d]: directory %q already watched by deployers[%d]", i, d.Dir(), j))
		}
		dirs[dir] = i
	}

	return errors.Join(errs...)
}

// Dir returns the watched directory, which defaults to the type tag.
func (d DeployerConfig) Dir() string {
	if d.Directory == "" {
		return d.Type
	}
	return d.Directory
}

func (d DeployerConfig) validate() error {
	var errs []error
	if err := artifact.Type(d.Type).Validate(); err != nil {
		errs = append(errs, err)
	}
	switch d.Kind {
	case KindFileCopy:
		if d.Destination == "" {
			errs = append(errs, errors.New("destination is required for filecopy deployers"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown kind %q", d.Kind))
	}
	if err := bundle.ValidatePatterns(d.Patterns); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
