package deployer

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hotdeploy/hotdeploy/internal/artifact"
)

// Registration pairs a deployer with the filesystem location it watches.
type Registration struct {
	Type     artifact.Type
	Deployer Deployer
	Location string
	Patterns []string
}

// Registry maps each artifact type to at most one active deployer.
type Registry struct {
	mu         sync.RWMutex
	byType     map[artifact.Type]*Registration
	byLocation map[string]artifact.Type
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byType:     make(map[artifact.Type]*Registration),
		byLocation: make(map[string]artifact.Type),
	}
}

// Register initialises d and binds it to location. It fails if a deployer
// is already registered for d's type or at location; the existing
// registration is left untouched. An Init failure registers nothing.
func (r *Registry) Register(ctx context.Context, d Deployer, location string) error {
	t := d.ArtifactType()
	loc := filepath.Clean(location)

	if err := t.Validate(); err != nil {
		return &RegistrationError{Op: "register", Type: t, Location: loc, Err: err}
	}
	if err := r.checkFree(t, loc); err != nil {
		return err
	}

	// Init runs outside the lock; a slow deployer must not block lookups.
	if err := d.Init(ctx, loc); err != nil {
		return &RegistrationError{Op: "register", Type: t, Location: loc, Err: fmt.Errorf("init: %w", err)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check: another Register may have won while Init was running.
	if err := r.checkFreeLocked(t, loc); err != nil {
		return err
	}

	r.byType[t] = &Registration{
		Type:     t,
		Deployer: d,
		Location: loc,
		Patterns: PatternsOf(d),
	}
	r.byLocation[loc] = t
	return nil
}

func (r *Registry) checkFree(t artifact.Type, loc string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkFreeLocked(t, loc)
}

func (r *Registry) checkFreeLocked(t artifact.Type, loc string) error {
	if _, ok := r.byType[t]; ok {
		return &RegistrationError{Op: "register", Type: t, Location: loc, Err: ErrAlreadyRegistered}
	}
	if _, ok := r.byLocation[loc]; ok {
		return &RegistrationError{Op: "register", Type: t, Location: loc, Err: ErrLocationInUse}
	}
	return nil
}

// Unregister removes the deployer watching location and returns it. It
// fails with ErrNotRegistered when nothing is registered there.
func (r *Registry) Unregister(location string) (*Registration, error) {
	loc := filepath.Clean(location)

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byLocation[loc]
	if !ok {
		return nil, &RegistrationError{Op: "unregister", Location: loc, Err: ErrNotRegistered}
	}
	reg := r.byType[t]
	delete(r.byLocation, loc)
	delete(r.byType, t)
	return reg, nil
}

// Lookup returns the deployer registered for t.
func (r *Registry) Lookup(t artifact.Type) (Deployer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.byType[t]
	if !ok {
		return nil, false
	}
	return reg.Deployer, true
}

// Registrations returns a snapshot of all registrations sorted by type.
func (r *Registry) Registrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, 0, len(r.byType))
	for _, reg := range r.byType {
		out = append(out, *reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Len returns the number of registered deployers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byType)
}
