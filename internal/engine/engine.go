// Package engine tracks deployed artifacts and keeps them in step with the
// watched repository locations. It dispatches every change to the deployer
// registered for the artifact's type and isolates deployer failures so that
// one broken artifact never stalls the others.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"

	"github.com/hotdeploy/hotdeploy/internal/artifact"
	"github.com/hotdeploy/hotdeploy/internal/deployer"
	"github.com/hotdeploy/hotdeploy/internal/scanner"
)

// DefaultMaxConcurrency bounds parallel scans and per-stage artifact work.
const DefaultMaxConcurrency = 4

// Options configures an Engine. It is built once in main and passed down.
type Options struct {
	// Repository is the root that relative deployer locations resolve
	// against.
	Repository string
	// MaxConcurrency bounds parallel scans and parallel deployer calls
	// within one stage of a scan cycle.
	MaxConcurrency int
	// MaxAttempts, when positive, abandons an artifact after that many
	// consecutive failed deploys until its mod time changes. Zero retries
	// forever.
	MaxAttempts int
	// Excludes are extra gitignore-style patterns ignored by the scanner.
	Excludes []string
	Logger   hclog.Logger
	Reporter Reporter
	// Registry defaults to a fresh deployer.Registry.
	Registry *deployer.Registry
}

// Engine owns the artifact state table. All methods are safe for
// concurrent use; deployer calls always run outside the table lock.
type Engine struct {
	repository  string
	maxAttempts int
	limit       int
	excludes    []string
	registry    *deployer.Registry
	scanner     *scanner.Scanner
	reporter    Reporter
	logger      hclog.Logger
	sem         *semaphore.Weighted

	cycleMu sync.Mutex // serialises scan cycles

	mu       sync.Mutex
	table    map[artifact.Type]map[string]*artifact.Artifact
	keys     map[artifact.Type]map[artifact.Key]string
	inflight map[string]struct{}
	attempts map[string]int
	failed   map[artifact.Type]map[string]time.Time
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	repo := opts.Repository
	if repo != "" {
		abs, err := filepath.Abs(repo)
		if err != nil {
			return nil, fmt.Errorf("engine: resolve repository: %w", err)
		}
		repo = abs
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.MaxAttempts < 0 {
		return nil, fmt.Errorf("engine: negative max attempts %d", opts.MaxAttempts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	reg := opts.Registry
	if reg == nil {
		reg = deployer.NewRegistry()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = ReporterFunc(func(context.Context, Event) {})
	}

	return &Engine{
		repository:  repo,
		maxAttempts: opts.MaxAttempts,
		limit:       opts.MaxConcurrency,
		excludes:    opts.Excludes,
		registry:    reg,
		scanner:     scanner.New(opts.Excludes),
		reporter:    reporter,
		logger:      logger.Named("engine"),
		sem:         semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		table:       make(map[artifact.Type]map[string]*artifact.Artifact),
		keys:        make(map[artifact.Type]map[artifact.Key]string),
		inflight:    make(map[string]struct{}),
		attempts:    make(map[string]int),
		failed:      make(map[artifact.Type]map[string]time.Time),
	}, nil
}

// Registry returns the deployer registry the engine dispatches through.
func (e *Engine) Registry() *deployer.Registry {
	return e.registry
}

// resolveLocation turns a deployer location into an absolute path. An empty
// location means the deployer's own default under the repository.
func (e *Engine) resolveLocation(d deployer.Deployer, location string) (string, error) {
	if location == "" {
		location = d.Location()
	}
	if !filepath.IsAbs(location) {
		location = filepath.Join(e.repository, location)
	}
	return filepath.Abs(location)
}

// RegisterDeployer initialises d and binds it to location. Artifacts found
// there are deployed by the next scan cycle.
func (e *Engine) RegisterDeployer(ctx context.Context, d deployer.Deployer, location string) error {
	loc, err := e.resolveLocation(d, location)
	if err != nil {
		return fmt.Errorf("engine: resolve location: %w", err)
	}
	if err := e.registry.Register(ctx, d, loc); err != nil {
		return err
	}
	e.logger.Info("deployer registered", "type", d.ArtifactType(), "location", loc)
	return nil
}

// UnregisterDeployer removes the deployer watching location. Artifacts it
// deployed stay in the state table and are no longer rescanned.
func (e *Engine) UnregisterDeployer(location string) error {
	if !filepath.IsAbs(location) {
		location = filepath.Join(e.repository, location)
	}
	loc, err := filepath.Abs(location)
	if err != nil {
		return fmt.Errorf("engine: resolve location: %w", err)
	}
	reg, err := e.registry.Unregister(loc)
	if err != nil {
		return err
	}
	e.logger.Info("deployer unregistered", "type", reg.Type, "location", reg.Location)
	return nil
}

// Artifacts returns copies of the tracked artifacts of type t, sorted by
// path.
func (e *Engine) Artifacts(t artifact.Type) []*artifact.Artifact {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*artifact.Artifact, 0, len(e.table[t]))
	for _, a := range e.table[t] {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Lookup returns a copy of the tracked artifact at path.
func (e *Engine) Lookup(t artifact.Type, path string) (*artifact.Artifact, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.table[t][abs]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// MarkFailed records path as permanently failed at its current mod time.
// Scan cycles skip it until the mod time increases.
func (e *Engine) MarkFailed(path string, t artifact.Type) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	modTime, _, err := e.modTime(abs)
	if err != nil {
		modTime = time.Now()
	}

	e.mu.Lock()
	e.markFailedLocked(t, abs, modTime)
	e.mu.Unlock()

	e.logger.Warn("artifact marked as failed", "type", t, "path", abs)
}

func (e *Engine) markFailedLocked(t artifact.Type, path string, modTime time.Time) {
	if e.failed[t] == nil {
		e.failed[t] = make(map[string]time.Time)
	}
	e.failed[t][path] = modTime
	delete(e.attempts, path)
}

// record stores a as deployed, replacing any previous key for its path.
// Callers hold e.mu.
func (e *Engine) record(a *artifact.Artifact) {
	if e.table[a.Type] == nil {
		e.table[a.Type] = make(map[string]*artifact.Artifact)
		e.keys[a.Type] = make(map[artifact.Key]string)
	}
	if prev, ok := e.table[a.Type][a.Path]; ok {
		delete(e.keys[a.Type], prev.Key)
	}
	e.table[a.Type][a.Path] = a.Clone()
	e.keys[a.Type][a.Key] = a.Path
	delete(e.attempts, a.Path)
	delete(e.failed[a.Type], a.Path)
}

// forget removes the artifact at path. Callers hold e.mu.
func (e *Engine) forget(t artifact.Type, path string) {
	a, ok := e.table[t][path]
	if !ok {
		return
	}
	delete(e.keys[t], a.Key)
	delete(e.table[t], path)
}

// claim marks path in flight. It returns false if it already was. Callers
// hold e.mu.
func (e *Engine) claim(path string) bool {
	if _, busy := e.inflight[path]; busy {
		return false
	}
	e.inflight[path] = struct{}{}
	return true
}

func (e *Engine) release(path string) {
	e.mu.Lock()
	delete(e.inflight, path)
	e.mu.Unlock()
}

// known returns the deployed artifacts of t directly inside location and
// the permanently failed paths of t, as scanner input.
func (e *Engine) known(t artifact.Type, location string) (known, skip map[string]time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	known = make(map[string]time.Time)
	for path, a := range e.table[t] {
		if isDirectChild(location, path) {
			known[path] = a.ModTime
		}
	}
	skip = make(map[string]time.Time, len(e.failed[t]))
	for path, ts := range e.failed[t] {
		skip[path] = ts
	}
	return known, skip
}

func isDirectChild(dir, path string) bool {
	return filepath.Dir(path) == dir
}
