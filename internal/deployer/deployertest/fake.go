// Package deployertest provides an in-memory Deployer for tests of the
// engine, the service façade and deployer decorators.
package deployertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hotdeploy/hotdeploy/internal/artifact"
)

// ErrInjected is returned by Fake operations configured to fail.
var ErrInjected = errors.New("deployertest: injected failure")

// Fake records every call and keeps a key -> artifact map of what it has
// deployed. Hooks, when set, run before the default behaviour and may
// return an error to fail the call.
type Fake struct {
	Type       artifact.Type
	Dir        string
	Globs      []string
	InitErr    error
	OnDeploy   func(a *artifact.Artifact) error
	OnUndeploy func(key artifact.Key) error
	OnUpdate   func(a *artifact.Artifact) error

	mu          sync.Mutex
	seq         int
	initialized string
	deployed    map[artifact.Key]*artifact.Artifact
	calls       map[string]int
	events      []string
}

// New returns a Fake handling t whose default location is t itself.
func New(t artifact.Type) *Fake {
	return &Fake{Type: t, Dir: string(t)}
}

// Faulty returns a Fake whose Deploy always fails.
func Faulty(t artifact.Type) *Fake {
	f := New(t)
	f.OnDeploy = func(*artifact.Artifact) error { return ErrInjected }
	return f
}

func (f *Fake) Init(_ context.Context, location string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("init", location)
	if f.InitErr != nil {
		return f.InitErr
	}
	f.initialized = location
	return nil
}

func (f *Fake) Deploy(_ context.Context, a *artifact.Artifact) (artifact.Key, error) {
	f.mu.Lock()
	f.record("deploy", a.Path)
	hook := f.OnDeploy
	f.mu.Unlock()

	if hook != nil {
		if err := hook(a); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deployed == nil {
		f.deployed = make(map[artifact.Key]*artifact.Artifact)
	}
	f.seq++
	key := artifact.Key(fmt.Sprintf("%s-%d", f.Type, f.seq))
	c := a.Clone()
	c.Key = key
	f.deployed[key] = c
	return key, nil
}

func (f *Fake) Undeploy(_ context.Context, key artifact.Key) error {
	f.mu.Lock()
	f.record("undeploy", string(key))
	hook := f.OnUndeploy
	f.mu.Unlock()

	if hook != nil {
		if err := hook(key); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.deployed[key]; !ok {
		return fmt.Errorf("deployertest: unknown key %q", key)
	}
	delete(f.deployed, key)
	return nil
}

func (f *Fake) Update(_ context.Context, a *artifact.Artifact) (artifact.Key, error) {
	f.mu.Lock()
	f.record("update", a.Path)
	hook := f.OnUpdate
	f.mu.Unlock()

	if hook != nil {
		if err := hook(a); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.deployed[a.Key]; !ok {
		return "", fmt.Errorf("deployertest: update of unknown key %q", a.Key)
	}
	f.deployed[a.Key] = a.Clone()
	return a.Key, nil
}

func (f *Fake) Location() string { return f.Dir }

func (f *Fake) ArtifactType() artifact.Type { return f.Type }

// Patterns implements deployer.PatternDeployer.
func (f *Fake) Patterns() []string { return f.Globs }

func (f *Fake) record(op, arg string) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
	f.events = append(f.events, op+" "+arg)
}

// Calls returns how many times op ("init", "deploy", "undeploy", "update")
// was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls returns the number of deploy, undeploy and update calls.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls["deploy"] + f.calls["undeploy"] + f.calls["update"]
}

// Events returns every call as "<op> <arg>" in call order.
func (f *Fake) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

// Initialized returns the location passed to the last successful Init.
func (f *Fake) Initialized() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

// Deployed reports whether key is currently deployed.
func (f *Fake) Deployed(key artifact.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.deployed[key]
	return ok
}

// DeployedCount returns the number of currently deployed artifacts.
func (f *Fake) DeployedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deployed)
}
