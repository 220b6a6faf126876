package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hotdeploy/hotdeploy/internal/artifact"
	"github.com/hotdeploy/hotdeploy/internal/config"
	"github.com/hotdeploy/hotdeploy/internal/journal"
	"github.com/hotdeploy/hotdeploy/internal/logging"
	"github.com/hotdeploy/hotdeploy/internal/planformat"
	"github.com/hotdeploy/hotdeploy/internal/scanner"
	"github.com/hotdeploy/hotdeploy/internal/scheduler"
)

const usage = `hotdeployd: artifact hot-deployment daemon

Usage:
  hotdeployd run [flags]        Watch the repository and deploy changes
  hotdeployd scan [flags]       Run a single scan cycle (or print the plan)
  hotdeployd history [flags]    Show recorded deployment events
  hotdeployd verify [flags]     Check archived snapshots of repository artifacts

Every command reads the YAML file given with --config
(default: hotdeploy.yaml).

Examples:
  hotdeployd run --config /etc/hotdeploy/hotdeploy.yaml
  hotdeployd scan --dry-run
  hotdeployd history --type webapp --failures --limit 50

Run "hotdeployd COMMAND --help" for command-specific flags.
`

func printFlags(fs *flag.FlagSet) {
	fs.VisitAll(func(f *flag.Flag) {
		isBool := f.DefValue == "false" || f.DefValue == "true"
		if isBool {
			fmt.Fprintf(os.Stderr, "  --%-20s %s\n", f.Name, f.Usage)
		} else {
			label := f.Name + " " + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
			fmt.Fprintf(os.Stderr, "  --%-20s %s\n", label, f.Usage)
		}
	})
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(0)
	}

	var err error
	switch arg := os.Args[1]; arg {
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stderr, usage)
		os.Exit(0)
	case "run":
		err = runCmd(os.Args[2:])
	case "scan":
		err = scanCmd(os.Args[2:])
	case "history":
		err = historyCmd(os.Args[2:])
	case "verify":
		err = verifyCmd(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "hotdeployd: unknown command %q\n\n", arg)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if err != nil {
		fatal(err)
	}
}

func newFlagSet(name, help string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet("hotdeployd "+name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\nUsage:\n  hotdeployd %s [flags]\n\nFlags:\n", help, name)
		printFlags(fs)
	}
	configPath := fs.String("config", "hotdeploy.yaml", "configuration file")
	return fs, configPath
}

// load reads the configuration and builds the root logger from it.
func load(path string) (*config.Config, hclog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runCmd(args []string) error {
	fs, configPath := newFlagSet("run", `Watch the repository and apply every change through the registered deployers.
In scheduled mode scans run on the configured interval or cron spec; in
both modes SIGHUP triggers an immediate scan. SIGINT or SIGTERM stops the
daemon after running work completes.`)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := load(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := scheduler.New(logger)
	if cfg.Mode == config.ModeScheduled {
		iter, err := scanIterator(cfg.Scan)
		if err != nil {
			return err
		}
		if err := sched.Schedule(a.scanTask("scan"), iter); err != nil {
			return err
		}
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	logger.Info("hotdeployd started", "repository", cfg.Repository, "mode", cfg.Mode, "deployers", len(cfg.Deployers))

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			sched.Stop()
			return nil
		case <-hup:
			logger.Info("scan requested")
			if err := sched.Schedule(a.scanTask("manual-scan"), scheduler.OneShot(0)); err != nil {
				logger.Error("failed to schedule scan", "error", err)
			}
		}
	}
}

func scanCmd(args []string) error {
	fs, configPath := newFlagSet("scan", `Run a single scan cycle against the repository and exit. With --dry-run,
print what would be deployed, updated and undeployed without calling any
deployer.`)
	dryRun := fs.Bool("dry-run", false, "print the plan without deploying")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := load(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if *dryRun {
		plans, err := a.engine.Plan(ctx)
		fmt.Print(planformat.Format(plans))
		if err != nil {
			return err
		}
		return nil
	}

	report := a.engine.RunScanCycle(ctx)
	fmt.Printf("cycle %s: %d deployed, %d updated, %d undeployed, %d failed\n",
		report.ID, report.Deployed, report.Updated, report.Undeployed, report.Failed)
	return report.Err()
}

func historyCmd(args []string) error {
	fs, configPath := newFlagSet("history", "Show deployment events recorded in the journal, newest first.")
	typ := fs.String("type", "", "only events for this artifact type")
	path := fs.String("path", "", "only events for this artifact path")
	cycle := fs.String("cycle", "", "only events of this scan cycle")
	failures := fs.Bool("failures", false, "only failed and abandoned actions")
	since := fs.Duration("since", 0, "only events newer than this duration, e.g. 24h")
	limit := fs.Int("limit", 20, "maximum number of events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Journal.Path == "" {
		return fmt.Errorf("journal is disabled in %s", *configPath)
	}

	store, err := journal.Open(cfg.Journal.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	filter := journal.Filter{Type: *typ, Path: *path, CycleID: *cycle, FailedOnly: *failures, Limit: *limit}
	if *since > 0 {
		filter.Since = time.Now().Add(-*since)
	}
	entries, err := store.List(context.Background(), filter)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tTYPE\tPATH\tKEY\tOUTCOME\tDURATION\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Time.Local().Format(time.DateTime), e.Action, e.Type, e.Path,
			e.Key, e.Outcome, e.Duration, e.Error)
	}
	return w.Flush()
}

func verifyCmd(args []string) error {
	fs, configPath := newFlagSet("verify", `Check that every artifact currently in the repository has a complete
archived snapshot: an ACTIVE pointer, its manifest and every listed file.`)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := load(*configPath)
	if err != nil {
		return err
	}
	if !cfg.Archive.Enabled {
		return fmt.Errorf("archive is disabled in %s", *configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("archive target: %s\n\n", a.archiver.Target().Name())
	sc := scanner.New(cfg.Scan.Excludes)
	unhealthy := 0
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tNAME\tSNAPSHOT\tSTATUS")
	for _, reg := range a.engine.Registry().Registrations() {
		entries, err := sc.List(reg.Location, reg.Patterns)
		if err != nil {
			return err
		}
		for _, e := range entries {
			name := artifact.New(e.Path, reg.Type, e.ModTime, e.IsDir).Name()
			res, err := a.archiver.Verify(ctx, reg.Type, name)
			if err != nil {
				return err
			}
			status := "ok"
			switch {
			case res.SnapshotID == "":
				status = "not archived"
			case res.MissingManifest:
				status = "manifest missing"
			case len(res.MissingFiles) > 0:
				status = fmt.Sprintf("%d file(s) missing", len(res.MissingFiles))
			}
			if !res.Healthy {
				unhealthy++
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", reg.Type, name, res.SnapshotID, status)
		}
	}
	w.Flush()

	if unhealthy > 0 {
		return fmt.Errorf("%d artifact(s) without a healthy snapshot", unhealthy)
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "hotdeployd: %v\n", err)
	os.Exit(1)
}
