package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dshills/specstorm/internal/plugin"
	"github.com/dshills/specstorm/internal/version"
)

// Host-owned names plugins may not claim or deregister.
var (
	reservedCommands  = []string{"init", "spec", "plugin", "config", "help", "version"}
	reservedAgents    = []string{"planner", "architect", "reviewer", "implementer"}
	protectedServices = []string{"workflow", "git", "github", "template", "config", "logger"}
)

// runtime bundles the plugin subsystem wired for one CLI invocation.
type runtime struct {
	root     string
	registry *plugin.Registry
	loader   *plugin.Loader
	configs  *plugin.ConfigStore
	manager  *plugin.Manager
}

// defaultPluginRoot is ~/.specstorm/plugins.
func defaultPluginRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".specstorm/plugins"
	}
	return filepath.Join(home, ".specstorm", "plugins")
}

// newRuntime assembles the registry, loader, config store, and manager
// against the configured plugin root.
func newRuntime() (*runtime, error) {
	root := pluginRoot
	if root == "" {
		root = defaultPluginRoot()
	}

	state, err := plugin.LoadState(root)
	if err != nil {
		return nil, err
	}

	registry := plugin.NewRegistry(
		plugin.WithReservedCommands(reservedCommands...),
		plugin.WithReservedAgents(reservedAgents...),
		plugin.WithProtectedServices(protectedServices...),
		plugin.WithRegistryLogger(log),
	)

	configs := plugin.NewConfigStore(filepath.Join(root, plugin.ConfigDirName))

	var localDirs []string
	for _, name := range state.EnabledNames() {
		st := state.Plugins[name]
		if st.Source == "local" && st.LocalPath != "" {
			localDirs = append(localDirs, st.LocalPath)
		}
	}

	loader := plugin.NewLoader(registry,
		plugin.WithPaths(root),
		plugin.WithPluginDirs(localDirs...),
		plugin.WithDependencyDir(filepath.Join(root, "node_modules")),
		plugin.WithEnabled(state.EnabledNames()),
		plugin.WithHostVersion(version.Version),
		plugin.WithConfigProvider(configs),
		plugin.WithLoaderLogger(log),
	)

	manager := plugin.NewManager(root, registry, loader, configs,
		plugin.WithManagerLogger(log),
		plugin.WithProgress(progressPrinter),
	)

	return &runtime{
		root:     root,
		registry: registry,
		loader:   loader,
		configs:  configs,
		manager:  manager,
	}, nil
}

// manifestFor loads the manifest of an installed plugin by name.
func (rt *runtime) manifestFor(name string) (*plugin.Manifest, error) {
	state, err := plugin.LoadState(rt.root)
	if err != nil {
		return nil, err
	}
	st, ok := state.Plugins[name]
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w", name, plugin.ErrNotInstalled)
	}
	dir := filepath.Join(rt.root, "node_modules", name)
	if st.Source == "local" && st.LocalPath != "" {
		dir = st.LocalPath
	}
	return plugin.LoadManifest(dir)
}
