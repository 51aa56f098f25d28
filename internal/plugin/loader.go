package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/dshills/specstorm/internal/logging"
)

// Load phases, recorded on per-plugin load errors.
const (
	LoadPhaseManifest   = "manifest"
	LoadPhaseGraph      = "graph"
	LoadPhaseImport     = "import"
	LoadPhaseActivation = "activation"
)

// reloadWarnThreshold is the reload count past which the loader warns
// about module-cache growth. Diagnostic only; reloads keep working.
const reloadWarnThreshold = 10

// DefaultDiscoveryKeyword tags a package as a specstorm plugin.
const DefaultDiscoveryKeyword = "specstorm-plugin"

// LoadError is a per-plugin load failure.
type LoadError struct {
	PluginName string
	Phase      string
	Err        error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("plugin %q (%s): %v", e.PluginName, e.Phase, e.Err)
}

func (e LoadError) Unwrap() error { return e.Err }

// SkippedPlugin records a plugin excluded from a batch with a reason.
// Skips are not errors: the plugin is fine, it just cannot run here.
type SkippedPlugin struct {
	Name   string
	Reason string
}

// LoadResult is the outcome of a load batch. A failure in one plugin
// never aborts the batch; each stage contributes partial results.
type LoadResult struct {
	Loaded  []string
	Skipped []SkippedPlugin
	Errors  []LoadError
}

// Candidate is a discovered plugin before validation and ordering.
type Candidate struct {
	Name     string
	Dir      string
	Manifest *Manifest
	Errors   []ValidationError
}

// ConfigProvider supplies a plugin's effective configuration (stored
// values merged over schema defaults) at activation time.
type ConfigProvider interface {
	PluginConfig(m *Manifest) (map[string]any, error)
}

// defaultsProvider falls back to manifest schema defaults.
type defaultsProvider struct{}

func (defaultsProvider) PluginConfig(m *Manifest) (map[string]any, error) {
	return m.ConfigDefaults(), nil
}

// Loader discovers, orders, and activates plugins against a registry.
// Load, unload, and reload operations are serialized; the dev watcher
// triggers reloads from its own goroutine.
type Loader struct {
	mu       sync.Mutex
	registry *Registry
	log      *logging.Logger

	paths       []string
	extraDirs   []string
	depDir      string
	keyword     string
	enabled     map[string]bool
	hostVersion string

	modules       ModuleLoader
	newContext    ContextFactory
	configs       ConfigProvider
	projectConfig map[string]any

	// generations increases per (re)load of a name so a fresh module
	// instance is produced each time (cache busting).
	generations map[string]int
	reloads     map[string]int
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithPaths sets the plugin search directories.
func WithPaths(paths ...string) LoaderOption {
	return func(l *Loader) { l.paths = paths }
}

// WithPluginDirs adds individual plugin directories to discovery, for
// plugins installed by local path reference.
func WithPluginDirs(dirs ...string) LoaderOption {
	return func(l *Loader) { l.extraDirs = append(l.extraDirs, dirs...) }
}

// AddPluginDir adds a plugin directory to discovery after construction,
// when a local-path install happens mid-session.
func (l *Loader) AddPluginDir(dir string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extraDirs = append(l.extraDirs, dir)
}

// WithDependencyDir sets the host dependency directory scanned for
// packages tagged with the discovery keyword.
func WithDependencyDir(dir string) LoaderOption {
	return func(l *Loader) { l.depDir = dir }
}

// WithDiscoveryKeyword overrides the discovery keyword.
func WithDiscoveryKeyword(keyword string) LoaderOption {
	return func(l *Loader) { l.keyword = keyword }
}

// WithEnabled restricts loading to the named plugins. An empty set means
// every discovered plugin is a candidate.
func WithEnabled(names []string) LoaderOption {
	return func(l *Loader) {
		if len(names) == 0 {
			l.enabled = nil
			return
		}
		l.enabled = toSet(names)
	}
}

// WithHostVersion sets the host version used for compatibility gating.
func WithHostVersion(v string) LoaderOption {
	return func(l *Loader) { l.hostVersion = v }
}

// WithModuleLoader replaces the module loader (tests inject fakes here).
func WithModuleLoader(ml ModuleLoader) LoaderOption {
	return func(l *Loader) { l.modules = ml }
}

// WithContextFactory replaces the plugin context factory.
func WithContextFactory(f ContextFactory) LoaderOption {
	return func(l *Loader) { l.newContext = f }
}

// WithConfigProvider sets the source of per-plugin configuration.
func WithConfigProvider(p ConfigProvider) LoaderOption {
	return func(l *Loader) { l.configs = p }
}

// WithProjectConfig sets the host project configuration exposed to
// plugin contexts.
func WithProjectConfig(cfg map[string]any) LoaderOption {
	return func(l *Loader) { l.projectConfig = cfg }
}

// WithLoaderLogger sets the loader's logger.
func WithLoaderLogger(log *logging.Logger) LoaderOption {
	return func(l *Loader) { l.log = log.Sub("loader") }
}

// NewLoader creates a loader bound to a registry.
func NewLoader(registry *Registry, opts ...LoaderOption) *Loader {
	l := &Loader{
		registry:    registry,
		log:         logging.Discard(),
		keyword:     DefaultDiscoveryKeyword,
		modules:     NewLuaModuleLoader(),
		newContext:  NewContext,
		configs:     defaultsProvider{},
		generations: make(map[string]int),
		reloads:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Discover scans the configured directories and the host dependency
// directory for plugin candidates. Unreadable directories are logged and
// skipped, never fatal. The first discovery of a name wins.
func (l *Loader) Discover() map[string]*Candidate {
	candidates := make(map[string]*Candidate)

	addDir := func(dir string) {
		c := l.inspectDir(dir)
		if c == nil {
			return
		}
		if _, exists := candidates[c.Name]; !exists {
			candidates[c.Name] = c
		}
	}

	for _, base := range l.paths {
		entries, err := os.ReadDir(base)
		if err != nil {
			if !os.IsNotExist(err) {
				l.log.Warn().Err(err).Str("dir", base).Msg("plugin directory unreadable")
			}
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				addDir(filepath.Join(base, entry.Name()))
			}
		}
	}

	for _, dir := range l.extraDirs {
		addDir(dir)
	}

	for _, dir := range l.dependencyPackages() {
		addDir(dir)
	}

	return candidates
}

// inspectDir reads a plugin directory and returns its candidate, or nil
// when the directory carries no manifest.
func (l *Loader) inspectDir(dir string) *Candidate {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil
	}

	res := ValidateManifest(data)
	c := &Candidate{Dir: dir, Errors: res.Errors}
	if res.Valid {
		res.Manifest.path = dir
		c.Manifest = res.Manifest
		c.Name = res.Manifest.Name
	} else {
		c.Name = filepath.Base(dir)
	}
	return c
}

// dependencyPackages scans the host dependency directory for packages
// whose descriptor carries the discovery keyword.
func (l *Loader) dependencyPackages() []string {
	if l.depDir == "" {
		return nil
	}
	entries, err := os.ReadDir(l.depDir)
	if err != nil {
		if !os.IsNotExist(err) {
			l.log.Warn().Err(err).Str("dir", l.depDir).Msg("dependency directory unreadable")
		}
		return nil
	}

	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		// Scoped packages nest one level deeper (@scope/name).
		if strings.HasPrefix(entry.Name(), "@") {
			scoped, err := os.ReadDir(filepath.Join(l.depDir, entry.Name()))
			if err != nil {
				continue
			}
			for _, sub := range scoped {
				if sub.IsDir() {
					dir := filepath.Join(l.depDir, entry.Name(), sub.Name())
					if l.hasKeyword(dir) {
						dirs = append(dirs, dir)
					}
				}
			}
			continue
		}
		dir := filepath.Join(l.depDir, entry.Name())
		if l.hasKeyword(dir) {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// hasKeyword reports whether a package descriptor lists the discovery
// keyword.
func (l *Loader) hasKeyword(dir string) bool {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return false
	}
	var pkg struct {
		Keywords []string `json:"keywords"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return false
	}
	for _, kw := range pkg.Keywords {
		if kw == l.keyword {
			return true
		}
	}
	return false
}

// LoadAll runs a full load cycle: discover, validate and version-gate,
// order, activate. Failures in one plugin never abort the batch.
func (l *Loader) LoadAll(ctx context.Context) *LoadResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := &LoadResult{}
	candidates := l.Discover()

	// Validation and compatibility gate.
	valid := make(map[string]*Candidate)
	for name, c := range candidates {
		if l.enabled != nil && !l.enabled[name] {
			result.Skipped = append(result.Skipped, SkippedPlugin{Name: name, Reason: "not enabled"})
			continue
		}
		if len(c.Errors) > 0 {
			result.Errors = append(result.Errors, LoadError{
				PluginName: name,
				Phase:      LoadPhaseManifest,
				Err:        joinValidationErrors(c.Errors),
			})
			continue
		}
		compat := CheckCompatibility(c.Manifest.RequiredHostVersion, l.hostVersion)
		if !compat.Compatible {
			result.Skipped = append(result.Skipped, SkippedPlugin{Name: name, Reason: compat.Message})
			continue
		}
		valid[name] = c
	}

	// Ordering.
	order := l.order(valid, result)

	// Activation, strictly sequential in dependency order.
	for _, name := range order {
		if err := l.activate(ctx, valid[name]); err != nil {
			result.Errors = append(result.Errors, *err)
			continue
		}
		result.Loaded = append(result.Loaded, name)
	}

	l.log.Info().
		Int("loaded", len(result.Loaded)).
		Int("skipped", len(result.Skipped)).
		Int("errors", len(result.Errors)).
		Msg("plugin load cycle complete")
	return result
}

// order builds the dependency graph over the valid candidates, rejects
// missing and version-mismatched dependencies (cascading to dependents),
// excludes cycles, and returns a topological activation order.
func (l *Loader) order(valid map[string]*Candidate, result *LoadResult) []string {
	remaining := make(map[string]*Candidate, len(valid))
	for name, c := range valid {
		remaining[name] = c
	}

	// Reject candidates with missing or incompatible dependencies until
	// a fixpoint: excluding one plugin can strand its dependents.
	for {
		removed := false
		for name, c := range remaining {
			for _, dep := range c.Manifest.Dependencies {
				target, ok := remaining[dep.Name]
				if !ok {
					result.Errors = append(result.Errors, LoadError{
						PluginName: name,
						Phase:      LoadPhaseGraph,
						Err:        fmt.Errorf("depends on %q: %w", dep.Name, ErrMissingDependency),
					})
					delete(remaining, name)
					removed = true
					break
				}
				if !dependencySatisfied(dep, target.Manifest.Version) {
					result.Errors = append(result.Errors, LoadError{
						PluginName: name,
						Phase:      LoadPhaseGraph,
						Err: fmt.Errorf("requires %s@%s, found %s",
							dep.Name, dep.VersionRange, target.Manifest.Version),
					})
					delete(remaining, name)
					removed = true
					break
				}
			}
		}
		if !removed {
			break
		}
	}

	g := newDepGraph()
	for name, c := range remaining {
		deps := make([]string, 0, len(c.Manifest.Dependencies))
		for _, dep := range c.Manifest.Dependencies {
			deps = append(deps, dep.Name)
		}
		g.add(name, deps)
	}

	order, cyclic := g.sorted()
	if len(cyclic) > 0 {
		for _, name := range cyclic {
			result.Errors = append(result.Errors, LoadError{
				PluginName: name,
				Phase:      LoadPhaseGraph,
				Err: fmt.Errorf("%w: circular dependency among %s",
					ErrCircularDependency, strings.Join(cyclic, ", ")),
			})
		}
	}
	return order
}

// dependencySatisfied checks a declared version range against the
// dependency's actual version. An empty range accepts any version.
func dependencySatisfied(dep Dependency, actual string) bool {
	if dep.VersionRange == "" {
		return true
	}
	c, err := semver.NewConstraint(dep.VersionRange)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(actual)
	if err != nil {
		return false
	}
	return c.Check(v)
}

// activate loads a candidate's entry point, builds its scoped context,
// and runs its activation code. Activation failures are isolated: the
// module is closed, partial registrations are rolled back, and the error
// is returned for the batch result.
func (l *Loader) activate(ctx context.Context, c *Candidate) *LoadError {
	entry := c.Manifest.MainPath()
	if _, err := os.Stat(entry); err != nil {
		return &LoadError{PluginName: c.Name, Phase: LoadPhaseImport,
			Err: fmt.Errorf("%w: %s", ErrNoEntryPoint, entry)}
	}

	gen := l.nextGeneration(c.Name)
	mod, err := l.modules.Load(ctx, entry, gen)
	if err != nil {
		return &LoadError{PluginName: c.Name, Phase: LoadPhaseImport, Err: err}
	}

	cfg, err := l.configs.PluginConfig(c.Manifest)
	if err != nil {
		l.log.Warn().Err(err).Str("plugin", c.Name).Msg("config read failed, using schema defaults")
		cfg = c.Manifest.ConfigDefaults()
	}

	pctx := l.newContext(ContextOptions{
		PluginName:    c.Name,
		PluginVersion: c.Manifest.Version,
		Config:        cfg,
		ProjectConfig: l.projectConfig,
		CLIVersion:    l.hostVersion,
		Registry:      l.registry,
		Log:           l.log,
	})

	if err := safeActivate(ctx, mod, pctx); err != nil {
		// Drop whatever the plugin managed to register before failing.
		l.registry.UnregisterPlugin(ctx, c.Name)
		_ = mod.Close()
		return &LoadError{PluginName: c.Name, Phase: LoadPhaseActivation, Err: err}
	}

	l.registry.RegisterPlugin(&LoadedPlugin{
		Name:     c.Name,
		Version:  c.Manifest.Version,
		Manifest: c.Manifest,
		Module:   mod,
	})
	l.log.Debug().Str("plugin", c.Name).Str("version", c.Manifest.Version).Msg("plugin activated")
	return nil
}

// safeActivate runs a module's activation converting panics to errors so
// a misbehaving plugin cannot take down the batch.
func safeActivate(ctx context.Context, mod Module, pctx *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activation panicked: %v", r)
		}
	}()
	return mod.Activate(ctx, pctx)
}

// LoadPlugin discovers and activates a single plugin. Its declared
// dependencies must already be loaded.
func (l *Loader) LoadPlugin(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadPlugin(ctx, name)
}

func (l *Loader) loadPlugin(ctx context.Context, name string) error {
	candidates := l.Discover()
	c, ok := candidates[name]
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrPluginNotFound)
	}
	if len(c.Errors) > 0 {
		return fmt.Errorf("plugin %q: %w", name, joinValidationErrors(c.Errors))
	}

	compat := CheckCompatibility(c.Manifest.RequiredHostVersion, l.hostVersion)
	if !compat.Compatible {
		return fmt.Errorf("plugin %q: %s", name, compat.Message)
	}

	for _, dep := range c.Manifest.Dependencies {
		target, ok := l.registry.Plugin(dep.Name)
		if !ok {
			return fmt.Errorf("plugin %q depends on %q: %w", name, dep.Name, ErrMissingDependency)
		}
		if !dependencySatisfied(dep, target.Version) {
			return fmt.Errorf("plugin %q requires %s@%s, found %s", name, dep.Name, dep.VersionRange, target.Version)
		}
	}

	if lerr := l.activate(ctx, c); lerr != nil {
		return lerr
	}
	return nil
}

// UnloadPlugin deactivates a plugin and removes every registration it
// owns, disposing its instantiated services. No-op for an unknown name.
func (l *Loader) UnloadPlugin(ctx context.Context, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unloadPlugin(ctx, name)
}

func (l *Loader) unloadPlugin(ctx context.Context, name string) {
	if p, ok := l.registry.Plugin(name); ok && p.Module != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.log.Warn().Str("plugin", name).Msgf("deactivate panicked: %v", r)
				}
			}()
			if err := p.Module.Deactivate(ctx); err != nil {
				l.log.Warn().Err(err).Str("plugin", name).Msg("deactivate failed")
			}
		}()
	}
	l.registry.UnregisterPlugin(ctx, name)
}

// ReloadPlugin hot-reloads a single plugin: unload, then re-discover and
// activate a fresh module generation so stale code is never served.
func (l *Loader) ReloadPlugin(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reloads[name]++
	if l.reloads[name] > reloadWarnThreshold {
		l.log.Warn().Str("plugin", name).Int("reloads", l.reloads[name]).
			Msg("many reloads this session; retained module generations grow the cache")
	}

	l.unloadPlugin(ctx, name)
	if err := l.loadPlugin(ctx, name); err != nil {
		return fmt.Errorf("reload %q: %w", name, err)
	}

	l.log.Info().Str("plugin", name).Int("generation", l.generations[name]).Msg("plugin reloaded")
	return nil
}

// nextGeneration bumps and returns the load generation for a name.
func (l *Loader) nextGeneration(name string) int {
	l.generations[name]++
	return l.generations[name]
}

// joinValidationErrors folds field errors into one error value.
func joinValidationErrors(errs []ValidationError) error {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("invalid manifest: %s", strings.Join(msgs, "; "))
}
