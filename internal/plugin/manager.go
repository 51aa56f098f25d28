package plugin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"

	"github.com/dshills/specstorm/internal/logging"
)

// DefaultRegistryURL is the package registry queried for remote plugin
// metadata and search.
const DefaultRegistryURL = "https://registry.npmjs.org"

// packageTool is the external package manager used for install, update,
// and uninstall.
const packageTool = "npm"

// searchCacheSize bounds the in-process search/info response cache.
const searchCacheSize = 64

// Progress stages emitted during install and update.
const (
	StageDownloading = "downloading"
	StageValidating  = "validating"
	StageActivating  = "activating"
	StageComplete    = "complete"
)

// ProgressFunc receives install progress notifications.
type ProgressFunc func(stage, plugin string)

// CommandRunner abstracts the external package tool so tests can fake it.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	Look(name string) (string, error)
}

// execRunner shells out for real.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

func (execRunner) Look(name string) (string, error) {
	return exec.LookPath(name)
}

// InstalledPlugin is one row of the install listing.
type InstalledPlugin struct {
	Name        string
	Version     string
	Description string
	Enabled     bool
	Source      string
	Loaded      bool
}

// PluginInfo is detail for one plugin, local or remote.
type PluginInfo struct {
	Name        string
	Version     string
	Description string
	Author      string
	Installed   bool
	Enabled     bool
}

// SearchResult is one registry search hit.
type SearchResult struct {
	Name        string
	Version     string
	Description string
	Author      string
}

// Manager drives the plugin lifecycle: install, uninstall, update,
// enable, disable, and registry queries. Install state is only persisted
// after an operation fully succeeds, so any failure leaves the previous
// state in force.
type Manager struct {
	root        string // plugin root; state file and dependency dir live here
	registry    *Registry
	loader      *Loader
	configs     *ConfigStore
	runner      CommandRunner
	httpClient  *http.Client
	registryURL string
	keyword     string
	onProgress  ProgressFunc
	log         *logging.Logger

	searchCache *lru.Cache[string, []SearchResult]
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRunner replaces the external command runner.
func WithRunner(r CommandRunner) ManagerOption {
	return func(m *Manager) { m.runner = r }
}

// WithHTTPClient replaces the registry HTTP client.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// WithRegistryURL overrides the package registry base URL.
func WithRegistryURL(u string) ManagerOption {
	return func(m *Manager) { m.registryURL = strings.TrimRight(u, "/") }
}

// WithProgress sets the install progress callback.
func WithProgress(fn ProgressFunc) ManagerOption {
	return func(m *Manager) { m.onProgress = fn }
}

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(log *logging.Logger) ManagerOption {
	return func(m *Manager) { m.log = log.Sub("manager") }
}

// NewManager creates a manager rooted at dir. The registry and loader
// are shared with the rest of the host.
func NewManager(root string, registry *Registry, loader *Loader, configs *ConfigStore, opts ...ManagerOption) *Manager {
	cache, _ := lru.New[string, []SearchResult](searchCacheSize)
	m := &Manager{
		root:        root,
		registry:    registry,
		loader:      loader,
		configs:     configs,
		runner:      execRunner{},
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		registryURL: DefaultRegistryURL,
		keyword:     DefaultDiscoveryKeyword,
		log:         logging.Discard(),
		searchCache: cache,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) progress(stage, plugin string) {
	if m.onProgress != nil {
		m.onProgress(stage, plugin)
	}
}

func (m *Manager) depDir() string {
	return filepath.Join(m.root, "node_modules")
}

// requireTool verifies the package tool is on PATH, returning an
// actionable error when it is not.
func (m *Manager) requireTool() error {
	if _, err := m.runner.Look(packageTool); err != nil {
		return fmt.Errorf("%w: %s is required to manage plugins; install it and ensure it is on PATH",
			ErrToolNotFound, packageTool)
	}
	return nil
}

// Install installs a plugin by registry name or local directory path and
// activates it. On validation failure the package is removed again and
// install state is left untouched.
func (m *Manager) Install(ctx context.Context, ref string) error {
	if isLocalRef(ref) {
		return m.installLocal(ctx, ref)
	}
	if err := m.requireTool(); err != nil {
		return err
	}

	m.progress(StageDownloading, ref)
	if out, err := m.runner.Run(ctx, packageTool, "install", "--prefix", m.root, ref); err != nil {
		return fmt.Errorf("install %s: %w: %s", ref, err, strings.TrimSpace(string(out)))
	}

	name := packageName(ref)
	dir := filepath.Join(m.depDir(), filepath.FromSlash(name))

	m.progress(StageValidating, name)
	res := ValidatePluginDir(dir)
	if !res.Valid {
		// Remove the bad package so it cannot be discovered later.
		if out, err := m.runner.Run(ctx, packageTool, "uninstall", "--prefix", m.root, name); err != nil {
			m.log.Warn().Err(err).Str("plugin", name).
				Msgf("rollback uninstall failed: %s", strings.TrimSpace(string(out)))
		}
		return fmt.Errorf("plugin %s failed validation: %w", name, joinValidationErrors(res.Errors))
	}

	err := m.finishInstall(ctx, res.Manifest, PluginState{
		Version:     res.Manifest.Version,
		Enabled:     true,
		InstalledAt: time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
		Source:      "npm",
	})
	if err != nil {
		// Activation failed; remove the package so it cannot be
		// discovered later.
		if out, uerr := m.runner.Run(ctx, packageTool, "uninstall", "--prefix", m.root, name); uerr != nil {
			m.log.Warn().Err(uerr).Str("plugin", name).
				Msgf("rollback uninstall failed: %s", strings.TrimSpace(string(out)))
		}
		return err
	}
	return nil
}

// installLocal records a plugin by local directory reference. The
// directory is used in place, which keeps edit-reload development cheap.
func (m *Manager) installLocal(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	m.progress(StageValidating, abs)
	res := ValidatePluginDir(abs)
	if !res.Valid {
		return fmt.Errorf("plugin at %s failed validation: %w", abs, joinValidationErrors(res.Errors))
	}

	m.loader.AddPluginDir(abs)
	return m.finishInstall(ctx, res.Manifest, PluginState{
		Version:     res.Manifest.Version,
		Enabled:     true,
		InstalledAt: time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
		Source:      "local",
		LocalPath:   abs,
	})
}

// finishInstall activates the plugin and persists state. A fresh host
// process starts with an empty registry, so the plugin's installed
// dependencies are loaded first or the single-plugin dependency gate
// would reject it. State is the last step: activation failure aborts
// before the state write and the install is rolled back by never
// recording it.
func (m *Manager) finishInstall(ctx context.Context, manifest *Manifest, st PluginState) error {
	name := manifest.Name

	sf, err := LoadState(m.root)
	if err != nil {
		return err
	}

	m.progress(StageActivating, name)
	if err := m.loadDependencies(ctx, manifest, sf, map[string]bool{name: true}); err != nil {
		return fmt.Errorf("activate %s: %w", name, err)
	}
	if err := m.loader.LoadPlugin(ctx, name); err != nil {
		return fmt.Errorf("activate %s: %w", name, err)
	}

	sf.Plugins[name] = st
	if err := sf.Save(m.root); err != nil {
		return err
	}

	m.progress(StageComplete, name)
	m.log.Info().Str("plugin", name).Str("version", st.Version).Str("source", st.Source).Msg("plugin installed")
	return nil
}

// loadDependencies loads a plugin's installed, enabled dependencies
// into the registry, transitively, so the loader's dependency gate sees
// them. Dependencies that are not installed, or installed but disabled,
// are left for that gate to report.
func (m *Manager) loadDependencies(ctx context.Context, manifest *Manifest, sf *StateFile, seen map[string]bool) error {
	for _, dep := range manifest.Dependencies {
		if seen[dep.Name] {
			continue
		}
		seen[dep.Name] = true
		if _, loaded := m.registry.Plugin(dep.Name); loaded {
			continue
		}
		st, ok := sf.Plugins[dep.Name]
		if !ok || !st.Enabled {
			continue
		}
		if depManifest, err := LoadManifest(m.pluginDir(dep.Name, st)); err == nil {
			if err := m.loadDependencies(ctx, depManifest, sf, seen); err != nil {
				return err
			}
		}
		if err := m.loader.LoadPlugin(ctx, dep.Name); err != nil {
			return fmt.Errorf("load dependency %s: %w", dep.Name, err)
		}
	}
	return nil
}

// Uninstall unloads a plugin, removes its package, and drops its install
// record. The plugin's configuration file is kept.
func (m *Manager) Uninstall(ctx context.Context, name string) error {
	sf, err := LoadState(m.root)
	if err != nil {
		return err
	}
	st, ok := sf.Plugins[name]
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrNotInstalled)
	}

	m.loader.UnloadPlugin(ctx, name)

	if st.Source == "npm" {
		if err := m.requireTool(); err != nil {
			return err
		}
		if out, err := m.runner.Run(ctx, packageTool, "uninstall", "--prefix", m.root, name); err != nil {
			return fmt.Errorf("uninstall %s: %w: %s", name, err, strings.TrimSpace(string(out)))
		}
	}

	delete(sf.Plugins, name)
	if err := sf.Save(m.root); err != nil {
		return err
	}

	m.log.Info().Str("plugin", name).Msg("plugin uninstalled")
	return nil
}

// Update upgrades an installed plugin to its latest version. The new
// version must pass validation; otherwise the previous version is
// reinstalled and state is left unchanged. Configuration survives either
// way.
func (m *Manager) Update(ctx context.Context, name string) error {
	sf, err := LoadState(m.root)
	if err != nil {
		return err
	}
	st, ok := sf.Plugins[name]
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrNotInstalled)
	}
	if st.Source == "local" {
		return fmt.Errorf("plugin %q is a local install; update it in place at %s", name, st.LocalPath)
	}
	if err := m.requireTool(); err != nil {
		return err
	}

	m.progress(StageDownloading, name)
	if out, err := m.runner.Run(ctx, packageTool, "update", "--prefix", m.root, name); err != nil {
		return fmt.Errorf("update %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}

	dir := filepath.Join(m.depDir(), filepath.FromSlash(name))

	m.progress(StageValidating, name)
	res := ValidatePluginDir(dir)
	if !res.Valid {
		// Restore the previously recorded version; state is untouched.
		pinned := fmt.Sprintf("%s@%s", name, st.Version)
		if out, err := m.runner.Run(ctx, packageTool, "install", "--prefix", m.root, pinned); err != nil {
			m.log.Warn().Err(err).Str("plugin", name).
				Msgf("rollback to %s failed: %s", st.Version, strings.TrimSpace(string(out)))
		}
		return fmt.Errorf("updated %s failed validation, rolled back to %s: %w",
			name, st.Version, joinValidationErrors(res.Errors))
	}

	if st.Enabled {
		m.progress(StageActivating, name)
		if err := m.loader.ReloadPlugin(ctx, name); err != nil {
			return fmt.Errorf("activate updated %s: %w", name, err)
		}
	}

	st.Version = res.Manifest.Version
	st.UpdatedAt = time.Now().UTC()
	sf.Plugins[name] = st
	if err := sf.Save(m.root); err != nil {
		return err
	}

	m.progress(StageComplete, name)
	m.log.Info().Str("plugin", name).Str("version", st.Version).Msg("plugin updated")
	return nil
}

// Enable marks a plugin enabled and loads it.
func (m *Manager) Enable(ctx context.Context, name string) error {
	sf, err := LoadState(m.root)
	if err != nil {
		return err
	}
	st, ok := sf.Plugins[name]
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrNotInstalled)
	}
	if !st.Enabled {
		st.Enabled = true
		sf.Plugins[name] = st
		if err := sf.Save(m.root); err != nil {
			return err
		}
	}

	if _, loaded := m.registry.Plugin(name); !loaded {
		if manifest, err := LoadManifest(m.pluginDir(name, st)); err == nil {
			if err := m.loadDependencies(ctx, manifest, sf, map[string]bool{name: true}); err != nil {
				return fmt.Errorf("enable %s: %w", name, err)
			}
		}
		if err := m.loader.LoadPlugin(ctx, name); err != nil {
			return fmt.Errorf("enable %s: %w", name, err)
		}
	}
	return nil
}

// Disable unloads a plugin and marks it disabled. Installed plugins
// whose manifests depend on it are warned about; their next load cycle
// will fail the dependency gate.
func (m *Manager) Disable(ctx context.Context, name string) error {
	sf, err := LoadState(m.root)
	if err != nil {
		return err
	}
	st, ok := sf.Plugins[name]
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrNotInstalled)
	}

	for depName, depSt := range sf.Plugins {
		if depName == name {
			continue
		}
		manifest, err := LoadManifest(m.pluginDir(depName, depSt))
		if err != nil {
			continue
		}
		if manifest.DependsOn(name) {
			m.log.Warn().Str("plugin", depName).Str("dependency", name).
				Msg("installed plugin depends on a plugin being disabled")
		}
	}

	m.loader.UnloadPlugin(ctx, name)

	if st.Enabled {
		st.Enabled = false
		sf.Plugins[name] = st
		if err := sf.Save(m.root); err != nil {
			return err
		}
	}
	return nil
}

// List returns every installed plugin, merging install state with each
// plugin's manifest when it can be read.
func (m *Manager) List() ([]InstalledPlugin, error) {
	sf, err := LoadState(m.root)
	if err != nil {
		return nil, err
	}

	out := make([]InstalledPlugin, 0, len(sf.Plugins))
	for name, st := range sf.Plugins {
		row := InstalledPlugin{
			Name:    name,
			Version: st.Version,
			Enabled: st.Enabled,
			Source:  st.Source,
		}
		if manifest, err := LoadManifest(m.pluginDir(name, st)); err == nil {
			row.Description = manifest.Description
			row.Version = manifest.Version
		}
		_, row.Loaded = m.registry.Plugin(name)
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Manager) pluginDir(name string, st PluginState) string {
	if st.Source == "local" && st.LocalPath != "" {
		return st.LocalPath
	}
	return filepath.Join(m.depDir(), filepath.FromSlash(name))
}

// Info returns detail for a plugin. Installed plugins are answered from
// local state and manifest; otherwise the package registry is queried.
// Registry failures degrade to a not-found answer rather than an error.
func (m *Manager) Info(ctx context.Context, name string) (*PluginInfo, error) {
	sf, err := LoadState(m.root)
	if err != nil {
		return nil, err
	}

	if st, ok := sf.Plugins[name]; ok {
		info := &PluginInfo{
			Name:      name,
			Version:   st.Version,
			Installed: true,
			Enabled:   st.Enabled,
			Author:    "Unknown",
		}
		if manifest, err := LoadManifest(m.pluginDir(name, st)); err == nil {
			info.Description = manifest.Description
			info.Version = manifest.Version
			if manifest.Author != "" {
				info.Author = manifest.Author
			}
		}
		return info, nil
	}

	return m.remoteInfo(ctx, name), nil
}

// remoteInfo fetches package metadata from the registry; nil when the
// package cannot be fetched.
func (m *Manager) remoteInfo(ctx context.Context, name string) *PluginInfo {
	body, err := m.fetch(ctx, m.registryURL+"/"+url.PathEscape(name))
	if err != nil {
		m.log.Debug().Err(err).Str("plugin", name).Msg("registry info fetch failed")
		return nil
	}

	doc := gjson.ParseBytes(body)
	info := &PluginInfo{
		Name:        name,
		Version:     doc.Get("dist-tags.latest").String(),
		Description: doc.Get("description").String(),
		Author:      doc.Get("author.name").String(),
	}
	if info.Author == "" {
		info.Author = "Unknown"
	}
	return info
}

// Search queries the package registry for plugins matching query,
// restricted to packages carrying the discovery keyword. Results are
// cached per query. A registry failure yields an empty result, logged.
func (m *Manager) Search(ctx context.Context, query string) []SearchResult {
	if cached, ok := m.searchCache.Get(query); ok {
		return cached
	}

	text := "keywords:" + m.keyword
	if query != "" {
		text += " " + query
	}
	u := m.registryURL + "/-/v1/search?text=" + url.QueryEscape(text)

	body, err := m.fetch(ctx, u)
	if err != nil {
		m.log.Warn().Err(err).Str("query", query).Msg("registry search failed")
		return nil
	}

	var results []SearchResult
	gjson.GetBytes(body, "objects").ForEach(func(_, obj gjson.Result) bool {
		pkg := obj.Get("package")
		author := pkg.Get("publisher.username").String()
		if author == "" {
			author = pkg.Get("author.name").String()
		}
		if author == "" {
			author = "Unknown"
		}
		results = append(results, SearchResult{
			Name:        pkg.Get("name").String(),
			Version:     pkg.Get("version").String(),
			Description: pkg.Get("description").String(),
			Author:      author,
		})
		return true
	})

	m.searchCache.Add(query, results)
	return results
}

func (m *Manager) fetch(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

// isLocalRef reports whether ref names a local directory rather than a
// registry package.
func isLocalRef(ref string) bool {
	if strings.HasPrefix(ref, "./") || strings.HasPrefix(ref, "../") || filepath.IsAbs(ref) {
		return true
	}
	fi, err := os.Stat(ref)
	return err == nil && fi.IsDir()
}

// packageName strips any version suffix from an install reference,
// keeping the scope prefix intact.
func packageName(ref string) string {
	if i := strings.LastIndex(ref, "@"); i > 0 {
		return ref[:i]
	}
	return ref
}
