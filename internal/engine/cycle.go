package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hotdeploy/hotdeploy/internal/artifact"
	"github.com/hotdeploy/hotdeploy/internal/deployer"
	"github.com/hotdeploy/hotdeploy/internal/scanner"
)

// RegistrationPlan is the pending work for one registered deployer.
type RegistrationPlan struct {
	Type     artifact.Type
	Location string
	Patterns []string
	Delta    *scanner.Delta
	Err      error // scan failure; Delta is nil
}

// Plan scans every registered location and returns the changes the next
// scan cycle would apply, without calling any deployer. The error joins
// every scan failure; plans for the other locations are still returned.
func (e *Engine) Plan(ctx context.Context) ([]RegistrationPlan, error) {
	plans := e.scanAll(ctx, e.registry.Registrations())

	var errs []error
	for _, p := range plans {
		if p.Err != nil {
			errs = append(errs, &ScanError{Type: p.Type, Location: p.Location, Err: p.Err})
		}
	}
	return plans, errors.Join(errs...)
}

// scanAll scans registrations in parallel, bounded by the engine's
// concurrency limit. A failed scan is reported in its plan.
func (e *Engine) scanAll(ctx context.Context, regs []deployer.Registration) []RegistrationPlan {
	plans := make([]RegistrationPlan, len(regs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit)
	for i, reg := range regs {
		plans[i] = RegistrationPlan{Type: reg.Type, Location: reg.Location, Patterns: reg.Patterns}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				plans[i].Err = err
				return nil
			}
			plans[i].Delta, plans[i].Err = e.scan(reg)
			return nil
		})
	}
	_ = g.Wait()
	return plans
}

func (e *Engine) scan(reg deployer.Registration) (*scanner.Delta, error) {
	current, err := e.scanner.List(reg.Location, reg.Patterns)
	if err != nil {
		return nil, err
	}
	known, skip := e.known(reg.Type, reg.Location)

	// Failure marks of vanished paths under this location no longer apply.
	present := make(map[string]struct{}, len(current))
	for _, c := range current {
		present[c.Path] = struct{}{}
	}
	e.mu.Lock()
	for path := range skip {
		if _, ok := present[path]; !ok && isDirectChild(reg.Location, path) {
			delete(e.failed[reg.Type], path)
		}
	}
	e.mu.Unlock()

	return scanner.Diff(current, known, skip), nil
}

// job is one unit of stage work.
type job struct {
	d     deployer.Deployer
	t     artifact.Type
	entry scanner.Entry // deploys and updates
	path  string
}

// RunScanCycle scans every registered location and applies the changes in
// three stages: undeploys, then deploys, then updates. It never fails: scan
// and deployer errors are logged, reported and retried by later cycles.
func (e *Engine) RunScanCycle(ctx context.Context) *CycleReport {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	report := &CycleReport{ID: uuid.NewString(), Started: time.Now()}
	logger := e.logger.With("cycle", report.ID)

	regs := e.registry.Registrations()
	plans := e.scanAll(ctx, regs)

	var undeploys, deploys, updates []job
	for i, p := range plans {
		if p.Err != nil {
			logger.Error("scan failed", "type", p.Type, "location", p.Location, "error", p.Err)
			report.ScanErrors = append(report.ScanErrors, &ScanError{Type: p.Type, Location: p.Location, Err: p.Err})
			continue
		}
		report.Scanned++
		d := regs[i].Deployer
		for _, path := range p.Delta.Removed {
			undeploys = append(undeploys, job{d: d, t: p.Type, path: path})
		}
		for _, en := range p.Delta.Added {
			deploys = append(deploys, job{d: d, t: p.Type, entry: en, path: en.Path})
		}
		for _, en := range p.Delta.Changed {
			updates = append(updates, job{d: d, t: p.Type, entry: en, path: en.Path})
		}
	}

	if n := len(undeploys) + len(deploys) + len(updates); n > 0 {
		logger.Debug("scan complete", "undeploy", len(undeploys), "deploy", len(deploys), "update", len(updates))
	}

	e.runStage(ctx, report, undeploys, e.undeployJob)
	e.runStage(ctx, report, deploys, e.deployJob)
	e.runStage(ctx, report, updates, e.updateJob)

	report.Finished = time.Now()
	if report.Changed() || report.Failed > 0 {
		logger.Info("scan cycle finished", "deployed", report.Deployed, "undeployed", report.Undeployed,
			"updated", report.Updated, "failed", report.Failed, "skipped", report.Skipped,
			"duration", report.Finished.Sub(report.Started))
	}
	return report
}

// runStage runs every job concurrently, bounded by the engine semaphore,
// and waits for all of them. Jobs not started before ctx is done are
// skipped.
func (e *Engine) runStage(ctx context.Context, report *CycleReport, jobs []job, run func(context.Context, string, job) (Event, bool)) {
	if len(jobs) == 0 {
		return
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i, j := range jobs {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			report.Skipped += len(jobs) - i
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer e.sem.Release(1)

			ev, ran := run(ctx, report.ID, j)
			mu.Lock()
			defer mu.Unlock()
			if !ran {
				report.Skipped++
				return
			}
			report.add(ev)
		}()
	}
	wg.Wait()
}

func (e *Engine) undeployJob(ctx context.Context, cycleID string, j job) (Event, bool) {
	e.mu.Lock()
	a, ok := e.table[j.t][j.path]
	if !ok || !e.claim(j.path) {
		e.mu.Unlock()
		return Event{}, false
	}
	key := a.Key
	e.mu.Unlock()
	defer e.release(j.path)

	return e.undeploy(ctx, j.d, j.t, j.path, key, cycleID), true
}

func (e *Engine) deployJob(ctx context.Context, cycleID string, j job) (Event, bool) {
	e.mu.Lock()
	if _, deployed := e.table[j.t][j.path]; deployed || !e.claim(j.path) {
		e.mu.Unlock()
		return Event{}, false
	}
	e.mu.Unlock()
	defer e.release(j.path)

	a := artifact.New(j.path, j.t, j.entry.ModTime, j.entry.IsDir)
	return e.deploy(ctx, j.d, a, cycleID), true
}

func (e *Engine) updateJob(ctx context.Context, cycleID string, j job) (Event, bool) {
	e.mu.Lock()
	cur, ok := e.table[j.t][j.path]
	if !ok || !e.claim(j.path) {
		e.mu.Unlock()
		return Event{}, false
	}
	a := cur.Clone()
	e.mu.Unlock()
	defer e.release(j.path)

	a.ModTime = j.entry.ModTime
	a.IsDir = j.entry.IsDir
	return e.update(ctx, j.d, a, cycleID), true
}
