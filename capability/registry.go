package capability

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/teranos/transmute/errors"
)

type entry struct {
	cap  Capability
	info Info
}

// Registry holds every loaded capability by name.
//
// Writers (Load, Register, Unload) are serialized and publish a fresh
// immutable map, so Get and List never take a lock.
type Registry struct {
	hostVersion string
	logger      *zap.SugaredLogger

	mu      sync.Mutex // serializes writers
	loaders map[Kind]Loader
	dirs    map[string]bool

	published atomic.Pointer[map[string]*entry]
}

// NewRegistry creates an empty registry for a host at hostVersion
func NewRegistry(hostVersion string, logger *zap.SugaredLogger) *Registry {
	r := &Registry{
		hostVersion: hostVersion,
		logger:      logger.Named("capabilities"),
		loaders:     make(map[Kind]Loader),
		dirs:        make(map[string]bool),
	}
	empty := make(map[string]*entry)
	r.published.Store(&empty)
	return r
}

// SetLoader installs the loader for a package kind
func (r *Registry) SetLoader(kind Kind, l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[kind] = l
}

// LoadSummary reports what a Load call did
type LoadSummary struct {
	Loaded  []string          `json:"loaded"`
	Skipped map[string]string `json:"skipped,omitempty"` // package dir -> reason
}

// Load scans dir for capability packages and loads each in isolation.
// Per-package failures are logged and skipped. A blank, missing, empty or
// already-loaded directory is a no-op.
func (r *Registry) Load(ctx context.Context, dir string) LoadSummary {
	summary := LoadSummary{Skipped: make(map[string]string)}

	dir = strings.TrimSpace(dir)
	if dir == "" {
		return summary
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dirs[dir] {
		r.logger.Debugw("Capability directory already loaded", "path", dir)
		return summary
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warnw("Cannot read capability directory", "path", dir, "error", err)
		}
		return summary
	}
	r.dirs[dir] = true

	// ReadDir sorts by name, so "first registration wins" is deterministic
	next := r.snapshot()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pkgDir := filepath.Join(dir, e.Name())

		name, err := r.loadPackage(ctx, pkgDir, next)
		if errors.Is(err, ErrNoManifest) {
			continue
		}
		if err != nil {
			r.logger.Warnw("Skipping capability package", "path", pkgDir, "error", err)
			summary.Skipped[pkgDir] = err.Error()
			continue
		}
		summary.Loaded = append(summary.Loaded, name)
	}
	r.published.Store(&next)

	r.logger.Infow("Capabilities loaded", "path", dir,
		"loaded", len(summary.Loaded), "skipped", len(summary.Skipped))
	return summary
}

func (r *Registry) loadPackage(ctx context.Context, pkgDir string, into map[string]*entry) (string, error) {
	m, err := ReadManifest(pkgDir)
	if err != nil {
		return "", err
	}
	if _, exists := into[m.Name]; exists {
		return "", errors.Newf("duplicate capability %s, keeping the first registration", m.Name)
	}
	if err := r.checkHostVersion(m); err != nil {
		return "", err
	}

	loader, ok := r.loaders[m.Kind]
	if !ok {
		return "", errors.Mark(errors.Newf("no loader for kind %s", m.Kind), errors.ErrUnsupported)
	}

	c, err := loader.Load(ctx, m)
	if err != nil {
		return "", errors.Wrapf(err, "failed to load %s", m.Name)
	}

	info := c.Info()
	if info.Name != "" && info.Name != m.Name {
		release(ctx, c, r.logger)
		return "", errors.Newf("package reports name %q but manifest declares %q", info.Name, m.Name)
	}
	info.Name = m.Name
	info.Kind = m.Kind
	info.Dir = m.Dir
	if info.Description == "" {
		info.Description = m.Description
	}
	if info.Version == "" {
		info.Version = m.Version
	}

	into[m.Name] = &entry{cap: c, info: info}
	r.logger.Infow("Capability registered", "capability", m.Name, "kind", m.Kind, "version", info.Version)
	return m.Name, nil
}

// checkHostVersion enforces the manifest's host_version constraint
func (r *Registry) checkHostVersion(m *Manifest) error {
	if m.HostVersion == "" {
		return nil
	}

	constraint, err := semver.NewConstraint(m.HostVersion)
	if err != nil {
		return errors.Wrapf(err, "invalid host_version constraint %s", m.HostVersion)
	}

	hostVer, err := semver.NewVersion(r.hostVersion)
	if err != nil {
		// Development builds carry no semantic version
		r.logger.Debugw("Host version is not semver, skipping constraint",
			"capability", m.Name, "host_version", r.hostVersion)
		return nil
	}

	if !constraint.Check(hostVer) {
		return errors.Newf("capability %s requires host %s, but running %s", m.Name, m.HostVersion, r.hostVersion)
	}
	return nil
}

// Register adds a capability compiled into the host. A duplicate name is
// rejected and the existing registration kept.
func (r *Registry) Register(c Capability) error {
	info := c.Info()
	if strings.TrimSpace(info.Name) == "" {
		return errors.NewInvalidRequestError("capability name is required")
	}
	if info.Kind == "" {
		info.Kind = KindBuiltin
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.snapshot()
	if _, exists := next[info.Name]; exists {
		r.logger.Warnw("Rejected duplicate capability", "capability", info.Name)
		return errors.NewConflictError("capability already registered: %s", info.Name)
	}
	next[info.Name] = &entry{cap: c, info: info}
	r.published.Store(&next)
	return nil
}

// Get returns the capability registered under name
func (r *Registry) Get(name string) (Capability, bool) {
	e, ok := (*r.published.Load())[name]
	if !ok {
		return nil, false
	}
	return e.cap, true
}

// List returns all registered capability names in sorted order
func (r *Registry) List() []string {
	current := *r.published.Load()
	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns info for every capability, sorted by name
func (r *Registry) Describe() []Info {
	current := *r.published.Load()
	infos := make([]Info, 0, len(current))
	for _, e := range current {
		infos = append(infos, e.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Unload releases every isolated context and clears the registry.
// Not meant to run while jobs are executing.
func (r *Registry) Unload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.published.Load()
	empty := make(map[string]*entry)
	r.published.Store(&empty)
	r.dirs = make(map[string]bool)

	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	var errs []error
	for _, name := range names {
		if err := release(ctx, current[name].cap, r.logger); err != nil {
			errs = append(errs, errors.Wrapf(err, "capability %s", name))
		}
	}
	if len(errs) > 0 {
		return errors.Newf("unload errors: %v", errs)
	}
	return nil
}

func (r *Registry) snapshot() map[string]*entry {
	current := *r.published.Load()
	next := make(map[string]*entry, len(current))
	for k, v := range current {
		next[k] = v
	}
	return next
}

func release(ctx context.Context, c Capability, logger *zap.SugaredLogger) error {
	closer, ok := c.(Closer)
	if !ok {
		return nil
	}
	if err := closer.Close(ctx); err != nil {
		logger.Warnw("Failed to release capability", "capability", c.Info().Name, "error", err)
		return err
	}
	return nil
}
