package plugin

import (
	"github.com/dshills/specstorm/internal/logging"
)

// ContextOptions carries everything a plugin context exposes.
type ContextOptions struct {
	PluginName    string
	PluginVersion string
	Config        map[string]any
	ProjectConfig map[string]any
	CLIVersion    string
	Registry      *Registry
	Log           *logging.Logger
}

// Context is the capability-scoped facade passed to a plugin's activation
// entry point. Every registration it forwards is attributed to the owning
// plugin automatically. All fields are unexported and accessors return
// copies, so no registry internals, filesystem, or process handle is
// reachable through a context; isolation is structural.
type Context struct {
	pluginName    string
	pluginVersion string
	config        map[string]any
	projectConfig map[string]any
	cliVersion    string
	registry      *Registry
	log           *logging.Logger
}

// NewContext builds a plugin context. Config and project config are
// deep-copied, so later mutation by the caller never leaks in and
// mutation of accessor results never leaks out.
func NewContext(opts ContextOptions) *Context {
	return &Context{
		pluginName:    opts.PluginName,
		pluginVersion: opts.PluginVersion,
		config:        deepCopyMap(opts.Config),
		projectConfig: copyProjectConfig(opts.ProjectConfig),
		cliVersion:    opts.CLIVersion,
		registry:      opts.Registry,
		log:           opts.Log,
	}
}

// PluginName returns the owning plugin's name.
func (c *Context) PluginName() string { return c.pluginName }

// PluginVersion returns the owning plugin's version.
func (c *Context) PluginVersion() string { return c.pluginVersion }

// CLIVersion returns the host tool's version.
func (c *Context) CLIVersion() string { return c.cliVersion }

// Config returns the plugin's configuration: stored values merged over
// schema defaults. The returned map is a deep copy.
func (c *Context) Config() map[string]any {
	return deepCopyMap(c.config)
}

// ProjectConfig returns the host project configuration, or nil when the
// host runs outside a project. The returned map is a deep copy.
func (c *Context) ProjectConfig() map[string]any {
	if c.projectConfig == nil {
		return nil
	}
	return deepCopyMap(c.projectConfig)
}

// RegisterCommand registers a command attributed to this plugin.
// Registry conflict errors are surfaced unchanged.
func (c *Context) RegisterCommand(cmd Command) error {
	return c.registry.RegisterCommand(c.pluginName, cmd)
}

// RegisterAgent registers an agent attributed to this plugin.
func (c *Context) RegisterAgent(a Agent) error {
	return c.registry.RegisterAgent(c.pluginName, a)
}

// RegisterHook registers a hook attributed to this plugin.
func (c *Context) RegisterHook(h Hook) error {
	return c.registry.RegisterHook(c.pluginName, h)
}

// RegisterService registers a lazy service attributed to this plugin.
func (c *Context) RegisterService(s Service) error {
	return c.registry.RegisterService(c.pluginName, s)
}

// RegisterTemplate registers a template attributed to this plugin.
func (c *Context) RegisterTemplate(t Template) error {
	return c.registry.RegisterTemplate(c.pluginName, t)
}

// GetService resolves a service by name.
func (c *Context) GetService(name string) (any, error) {
	return c.registry.ResolveService(name)
}

// HasService reports whether a service is registered.
func (c *Context) HasService(name string) bool {
	return c.registry.HasService(name)
}

// Log writes a message through the host logger, prefixed with the plugin
// name. No-ops when the context was built without a logger.
func (c *Context) Log(level, message string) {
	if c.log == nil {
		return
	}
	msg := "[plugin:" + c.pluginName + "] " + message
	switch level {
	case "debug":
		c.log.Debug().Msg(msg)
	case "warn":
		c.log.Warn().Msg(msg)
	case "error":
		c.log.Error().Msg(msg)
	default:
		c.log.Info().Msg(msg)
	}
}

// copyProjectConfig deep-copies the project configuration, keeping nil
// (no project) distinct from an empty configuration.
func copyProjectConfig(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return deepCopyMap(m)
}

// deepCopyMap copies a configuration map, descending into nested maps and
// slices.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
