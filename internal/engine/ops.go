package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/hotdeploy/hotdeploy/internal/artifact"
	"github.com/hotdeploy/hotdeploy/internal/bundle"
	"github.com/hotdeploy/hotdeploy/internal/deployer"
)

// Deploy deploys the artifact at path with the deployer registered for t
// and returns the key the deployer assigned.
func (e *Engine) Deploy(ctx context.Context, path string, t artifact.Type) (artifact.Key, error) {
	const op = "deploy"

	d, ok := e.registry.Lookup(t)
	if !ok {
		return "", &Error{Kind: KindUnknownType, Op: op, Type: t, Path: path}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &Error{Kind: KindInvalid, Op: op, Type: t, Path: path, Err: err}
	}
	modTime, isDir, err := e.modTime(abs)
	if err != nil {
		return "", &Error{Kind: KindInvalid, Op: op, Type: t, Path: abs, Err: err}
	}

	e.mu.Lock()
	if cur, ok := e.table[t][abs]; ok {
		e.mu.Unlock()
		return "", &Error{Kind: KindAlreadyDeployed, Op: op, Type: t, Path: abs, Key: cur.Key}
	}
	if !e.claim(abs) {
		e.mu.Unlock()
		return "", &Error{Kind: KindBusy, Op: op, Type: t, Path: abs}
	}
	e.mu.Unlock()
	defer e.release(abs)

	ev := e.deploy(ctx, d, artifact.New(abs, t, modTime, isDir), "")
	if ev.Outcome != OutcomeSuccess {
		return "", &Error{Kind: KindDeployer, Op: op, Type: t, Path: abs, Err: ev.Err}
	}
	return ev.Key, nil
}

// Undeploy asks the deployer registered for t to undeploy key. On success
// the tracked artifact with that key, if any, is forgotten. Keys the engine
// does not track are still forwarded to the deployer.
func (e *Engine) Undeploy(ctx context.Context, key artifact.Key, t artifact.Type) error {
	const op = "undeploy"

	d, ok := e.registry.Lookup(t)
	if !ok {
		return &Error{Kind: KindUnknownType, Op: op, Type: t, Key: key}
	}

	e.mu.Lock()
	path, tracked := e.keys[t][key]
	if tracked && !e.claim(path) {
		e.mu.Unlock()
		return &Error{Kind: KindBusy, Op: op, Type: t, Path: path, Key: key}
	}
	e.mu.Unlock()
	if tracked {
		defer e.release(path)
	}

	ev := e.undeploy(ctx, d, t, path, key, "")
	if ev.Outcome != OutcomeSuccess {
		return &Error{Kind: KindDeployer, Op: op, Type: t, Path: path, Key: key, Err: ev.Err}
	}
	return nil
}

// Redeploy asks the deployer registered for t to update the artifact
// tracked under key and returns the key it now has.
func (e *Engine) Redeploy(ctx context.Context, key artifact.Key, t artifact.Type) (artifact.Key, error) {
	const op = "redeploy"

	d, ok := e.registry.Lookup(t)
	if !ok {
		return "", &Error{Kind: KindUnknownType, Op: op, Type: t, Key: key}
	}

	e.mu.Lock()
	path, tracked := e.keys[t][key]
	if !tracked {
		e.mu.Unlock()
		return "", &Error{Kind: KindUnknownKey, Op: op, Type: t, Key: key}
	}
	if !e.claim(path) {
		e.mu.Unlock()
		return "", &Error{Kind: KindBusy, Op: op, Type: t, Path: path, Key: key}
	}
	a := e.table[t][path].Clone()
	e.mu.Unlock()
	defer e.release(path)

	modTime, _, err := e.modTime(path)
	if err != nil {
		return "", &Error{Kind: KindInvalid, Op: op, Type: t, Path: path, Key: key, Err: err}
	}
	a.ModTime = modTime

	ev := e.update(ctx, d, a, "")
	if ev.Outcome != OutcomeSuccess {
		return "", &Error{Kind: KindDeployer, Op: op, Type: t, Path: path, Key: key, Err: ev.Err}
	}
	return ev.Key, nil
}

// deploy calls d.Deploy for a claimed artifact, records the result and
// reports it.
func (e *Engine) deploy(ctx context.Context, d deployer.Deployer, a *artifact.Artifact, cycleID string) Event {
	start := time.Now()
	key, err := invoke(func() (artifact.Key, error) { return d.Deploy(ctx, a.Clone()) })

	ev := Event{CycleID: cycleID, Time: start, Action: ActionDeploy, Type: a.Type, Path: a.Path, Duration: time.Since(start)}

	e.mu.Lock()
	if err == nil && key == "" {
		err = fmt.Errorf("deployer returned an empty key")
	}
	if err == nil {
		a.Key = key
		e.record(a)
		ev.Outcome, ev.Key = OutcomeSuccess, key
	} else {
		ev.Outcome, ev.Err = OutcomeFailure, err
		// Only scan cycles count toward the attempt bound.
		if cycleID != "" {
			e.attempts[a.Path]++
			ev.Attempt = e.attempts[a.Path]
			if e.maxAttempts > 0 && ev.Attempt >= e.maxAttempts {
				e.markFailedLocked(a.Type, a.Path, a.ModTime)
				ev.Outcome = OutcomeAbandoned
			}
		}
	}
	e.mu.Unlock()

	e.emit(ctx, ev)
	return ev
}

// undeploy calls d.Undeploy and forgets path on success.
func (e *Engine) undeploy(ctx context.Context, d deployer.Deployer, t artifact.Type, path string, key artifact.Key, cycleID string) Event {
	start := time.Now()
	_, err := invoke(func() (artifact.Key, error) { return "", d.Undeploy(ctx, key) })

	ev := Event{CycleID: cycleID, Time: start, Action: ActionUndeploy, Type: t, Path: path, Key: key, Duration: time.Since(start)}
	if err == nil {
		e.mu.Lock()
		if path != "" {
			e.forget(t, path)
		}
		e.mu.Unlock()
		ev.Outcome = OutcomeSuccess
	} else {
		ev.Outcome, ev.Err = OutcomeFailure, err
	}

	e.emit(ctx, ev)
	return ev
}

// update calls d.Update with the tracked artifact carrying its new mod
// time. On failure the table keeps the old entry, so the change is seen
// again by the next scan.
func (e *Engine) update(ctx context.Context, d deployer.Deployer, a *artifact.Artifact, cycleID string) Event {
	start := time.Now()
	key, err := invoke(func() (artifact.Key, error) { return d.Update(ctx, a.Clone()) })

	ev := Event{CycleID: cycleID, Time: start, Action: ActionUpdate, Type: a.Type, Path: a.Path, Duration: time.Since(start)}
	if err == nil && key == "" {
		err = fmt.Errorf("deployer returned an empty key")
	}
	if err == nil {
		a.Key = key
		e.mu.Lock()
		e.record(a)
		e.mu.Unlock()
		ev.Outcome, ev.Key = OutcomeSuccess, key
	} else {
		ev.Outcome, ev.Key, ev.Err = OutcomeFailure, a.Key, err
	}

	e.emit(ctx, ev)
	return ev
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	switch ev.Outcome {
	case OutcomeSuccess:
		e.logger.Info(string(ev.Action)+" succeeded", "type", ev.Type, "path", ev.Path, "key", ev.Key, "duration", ev.Duration)
	case OutcomeAbandoned:
		e.logger.Error(string(ev.Action)+" abandoned", "type", ev.Type, "path", ev.Path, "attempts", ev.Attempt, "error", ev.Err)
	default:
		e.logger.Warn(string(ev.Action)+" failed", "type", ev.Type, "path", ev.Path, "key", ev.Key, "attempt", ev.Attempt, "error", ev.Err)
	}
	e.reporter.Report(ctx, ev)
}

// invoke runs a deployer call, turning a panic into a *PanicError.
func invoke(fn func() (artifact.Key, error)) (key artifact.Key, err error) {
	defer func() {
		if r := recover(); r != nil {
			key, err = "", &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// modTime stats path the way the scanner does: a directory reports the
// latest mod time in its tree.
func (e *Engine) modTime(path string) (time.Time, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false, err
	}
	if !info.IsDir() {
		return info.ModTime(), false, nil
	}
	ts, err := bundle.LatestModTime(path, e.excludes)
	return ts, true, err
}
