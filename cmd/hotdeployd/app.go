package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/hotdeploy/hotdeploy/internal/archive"
	"github.com/hotdeploy/hotdeploy/internal/artifact"
	"github.com/hotdeploy/hotdeploy/internal/config"
	"github.com/hotdeploy/hotdeploy/internal/deployer"
	"github.com/hotdeploy/hotdeploy/internal/deployers/filecopy"
	"github.com/hotdeploy/hotdeploy/internal/engine"
	"github.com/hotdeploy/hotdeploy/internal/journal"
	"github.com/hotdeploy/hotdeploy/internal/scheduler"
	"github.com/hotdeploy/hotdeploy/internal/target"
)

// app holds the components wired from one configuration.
type app struct {
	cfg      *config.Config
	logger   hclog.Logger
	engine   *engine.Engine
	journal  *journal.Store    // nil when disabled
	archiver *archive.Archiver // nil when disabled
}

// newApp builds every component and registers the configured deployers.
func newApp(ctx context.Context, cfg *config.Config, logger hclog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	var reporters engine.MultiReporter
	if cfg.Journal.Path != "" {
		a.journal, err = journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		reporters = append(reporters, a.journal)
	}

	if cfg.Archive.Enabled {
		tgt, err := target.New(ctx, cfg.Archive.Target, logger)
		if err != nil {
			return nil, fmt.Errorf("archive target: %w", err)
		}
		a.archiver = archive.New(tgt, archive.Options{
			Retain:      cfg.Archive.Retain,
			Concurrency: cfg.Archive.Target.MaxConcurrency,
			Excludes:    cfg.Scan.Excludes,
			Logger:      logger,
		})
	}

	a.engine, err = engine.New(engine.Options{
		Repository:     cfg.Repository,
		MaxConcurrency: cfg.Scan.MaxConcurrency,
		MaxAttempts:    cfg.Scan.MaxAttempts,
		Excludes:       cfg.Scan.Excludes,
		Logger:         logger,
		Reporter:       reporters,
	})
	if err != nil {
		return nil, err
	}

	for _, dc := range cfg.Deployers {
		d, err := a.buildDeployer(dc)
		if err != nil {
			return nil, err
		}
		if err := a.engine.RegisterDeployer(ctx, d, dc.Dir()); err != nil {
			return nil, err
		}
	}
	ok = true
	return a, nil
}

func (a *app) buildDeployer(dc config.DeployerConfig) (deployer.Deployer, error) {
	var d deployer.Deployer
	switch dc.Kind {
	case config.KindFileCopy:
		fc, err := filecopy.New(filecopy.Options{
			Type:        artifact.Type(dc.Type),
			Directory:   dc.Dir(),
			Destination: dc.Destination,
			Patterns:    dc.Patterns,
			Excludes:    a.cfg.Scan.Excludes,
			Logger:      a.logger,
		})
		if err != nil {
			return nil, err
		}
		d = fc
	default:
		return nil, fmt.Errorf("deployer %s: unknown kind %q", dc.Type, dc.Kind)
	}

	if a.archiver != nil {
		d = archive.Wrap(d, a.archiver, a.logger)
	}
	return d, nil
}

// Close releases the journal.
func (a *app) Close() error {
	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	return errors.Join(errs...)
}

// scanIterator returns the schedule of periodic scans: the cron spec when
// set, otherwise a fixed rate.
func scanIterator(scan config.ScanConfig) (scheduler.Iterator, error) {
	if scan.Cron != "" {
		return scheduler.Cron(scan.Cron)
	}
	return scheduler.FixedRate(scan.InitialDelay.Std(), scan.Interval.Std()), nil
}

// scanTask wraps one scan cycle as scheduler work.
func (a *app) scanTask(name string) *scheduler.Task {
	return scheduler.NewTask(name, func(ctx context.Context) {
		report := a.engine.RunScanCycle(ctx)
		if err := report.Err(); err != nil {
			a.logger.Warn("scan cycle had failures", "cycle", report.ID, "failed", report.Failed, "scan_errors", len(report.ScanErrors))
		}
	})
}
