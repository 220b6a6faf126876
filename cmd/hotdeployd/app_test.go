package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hotdeploy/hotdeploy/internal/config"
	"github.com/hotdeploy/hotdeploy/internal/deployers/filecopy"
	"github.com/hotdeploy/hotdeploy/internal/journal"
	"github.com/hotdeploy/hotdeploy/internal/scheduler"
	"github.com/hotdeploy/hotdeploy/internal/target"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		Repository: filepath.Join(root, "repository"),
		Mode:       config.ModeScheduled,
		Scan:       config.ScanConfig{Interval: config.Duration(time.Second), MaxConcurrency: 2},
		Journal:    config.JournalConfig{Path: filepath.Join(root, "journal.db")},
		Archive: config.ArchiveConfig{
			Enabled: true,
			Retain:  1,
			Target:  target.Config{Name: "app-test-" + t.Name(), Type: target.TypeMemory},
		},
		Deployers: []config.DeployerConfig{{
			Type:        "txt",
			Kind:        config.KindFileCopy,
			Destination: filepath.Join(root, "runtime"),
			Patterns:    []string{"*.txt"},
		}},
	}
	t.Cleanup(target.ResetSharedMemoryTargets)
	return cfg
}

func TestNewApp_ScanDeploysArchivesAndJournals(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	src := filepath.Join(cfg.Repository, "txt", "sample1.txt")
	if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := newApp(ctx, cfg, hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	report := a.engine.RunScanCycle(ctx)
	if report.Deployed != 1 || report.Err() != nil {
		t.Fatalf("cycle = %+v, err %v", report, report.Err())
	}

	copied := filepath.Join(cfg.Deployers[0].Destination, "sample1.txt")
	if data, err := os.ReadFile(copied); err != nil || string(data) != "hello" {
		t.Errorf("runtime copy = %q, %v", data, err)
	}

	res, err := a.archiver.Verify(ctx, "txt", "sample1.txt")
	if err != nil || !res.Healthy {
		t.Errorf("archive verify = %+v, %v", res, err)
	}

	entries, err := a.journal.List(ctx, journal.Filter{CycleID: report.ID})
	if err != nil || len(entries) != 1 || entries[0].Outcome != "success" {
		t.Errorf("journal entries = %+v, %v", entries, err)
	}

	if got := a.engine.Artifacts("txt"); len(got) != 1 {
		t.Errorf("Artifacts = %v", got)
	}
}

func TestNewApp_SameNameArtifactsIsolated(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	scanned := filepath.Join(cfg.Repository, "txt", "a.txt")
	other := filepath.Join(cfg.Repository, "other", "a.txt")
	for path, content := range map[string]string{scanned: "scanned", other: "other"} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	a, err := newApp(ctx, cfg, hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	if report := a.engine.RunScanCycle(ctx); report.Deployed != 1 {
		t.Fatalf("cycle = %+v", report)
	}
	if _, err := a.engine.Deploy(ctx, other, "txt"); !errors.Is(err, filecopy.ErrConflict) {
		t.Fatalf("Deploy(other) err = %v, want ErrConflict", err)
	}

	copied := filepath.Join(cfg.Deployers[0].Destination, "a.txt")
	if data, err := os.ReadFile(copied); err != nil || string(data) != "scanned" {
		t.Errorf("runtime copy = %q, %v", data, err)
	}
	if _, ok := a.engine.Lookup("txt", scanned); !ok {
		t.Error("scanned artifact no longer tracked")
	}
	if _, ok := a.engine.Lookup("txt", other); ok {
		t.Error("conflicting artifact tracked as deployed")
	}
}

func TestNewApp_RegistrationFailureCloses(t *testing.T) {
	cfg := testConfig(t)
	cfg.Deployers = append(cfg.Deployers, cfg.Deployers[0])

	if _, err := newApp(context.Background(), cfg, hclog.NewNullLogger()); err == nil {
		t.Fatal("duplicate deployer type accepted")
	}
}

func TestScanIterator(t *testing.T) {
	base := time.Date(2026, 2, 13, 20, 1, 0, 0, time.UTC)

	it, err := scanIterator(config.ScanConfig{Interval: config.Duration(time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if next, ok := it.Next(base); !ok || !next.Equal(base) {
		t.Errorf("fixed rate first = %v, %v", next, ok)
	}

	it, err = scanIterator(config.ScanConfig{Interval: config.Duration(time.Minute), Cron: "0 * * * *"})
	if err != nil {
		t.Fatal(err)
	}
	if next, _ := it.Next(base); !next.Equal(time.Date(2026, 2, 13, 21, 0, 0, 0, time.UTC)) {
		t.Errorf("cron next = %v", next)
	}
}

func TestScanTask(t *testing.T) {
	cfg := testConfig(t)
	cfg.Archive.Enabled = false
	cfg.Journal.Path = ""
	a, err := newApp(context.Background(), cfg, hclog.NewNullLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	s := scheduler.New(hclog.NewNullLogger())
	task := a.scanTask("scan")
	if err := s.Schedule(task, scheduler.OneShot(0)); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for task.State() != scheduler.StateCancelled {
		if time.Now().After(deadline) {
			t.Fatal("scan task did not complete")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if task.Runs() != 1 {
		t.Errorf("Runs = %d, want 1", task.Runs())
	}
}
