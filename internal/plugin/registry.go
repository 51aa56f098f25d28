package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/specstorm/internal/logging"
)

// LoadedPlugin is the registry's record of an activated plugin.
type LoadedPlugin struct {
	Name        string
	Version     string
	Manifest    *Manifest
	Module      Module
	ActivatedAt time.Time
}

// Registry is the single in-memory source of truth for loaded plugins and
// every extension registration. One instance is constructed per host
// process and passed explicitly to the loader, manager, and contexts.
type Registry struct {
	mu sync.RWMutex

	log *logging.Logger

	plugins   map[string]*LoadedPlugin
	commands  map[string]*CommandRegistration
	agents    map[string]*AgentRegistration
	hooks     map[hookKey][]*HookRegistration
	hookSeq   int
	services  map[string]*serviceEntry
	templates []*TemplateRegistration

	// serviceOrder records instantiation order so disposal can run in
	// reverse.
	serviceOrder []string

	// Reserved names, checked as plain data.
	reservedCommands  map[string]bool
	reservedAgents    map[string]bool
	protectedServices map[string]bool
}

// Host-reserved names. Injected as defaults; overridable per registry.
var (
	defaultReservedCommands  = []string{"init", "spec", "plugin", "config", "help", "version"}
	defaultReservedAgents    = []string{"planner", "architect", "reviewer", "implementer"}
	defaultProtectedServices = []string{"workflow", "git", "github", "template", "config", "logger"}
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithReservedCommands replaces the reserved command name set.
func WithReservedCommands(names ...string) RegistryOption {
	return func(r *Registry) {
		r.reservedCommands = toSet(names)
	}
}

// WithReservedAgents replaces the reserved agent name set.
func WithReservedAgents(names ...string) RegistryOption {
	return func(r *Registry) {
		r.reservedAgents = toSet(names)
	}
}

// WithProtectedServices replaces the protected core service name set.
func WithProtectedServices(names ...string) RegistryOption {
	return func(r *Registry) {
		r.protectedServices = toSet(names)
	}
}

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(log *logging.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = log.Sub("registry")
	}
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:               logging.Discard(),
		plugins:           make(map[string]*LoadedPlugin),
		commands:          make(map[string]*CommandRegistration),
		agents:            make(map[string]*AgentRegistration),
		hooks:             make(map[hookKey][]*HookRegistration),
		services:          make(map[string]*serviceEntry),
		reservedCommands:  toSet(defaultReservedCommands),
		reservedAgents:    toSet(defaultReservedAgents),
		protectedServices: toSet(defaultProtectedServices),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterPlugin stores a plugin record with its activation timestamp.
// Re-registering the same name overwrites the previous record.
func (r *Registry) RegisterPlugin(p *LoadedPlugin) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ActivatedAt.IsZero() {
		p.ActivatedAt = time.Now()
	}
	r.plugins[p.Name] = p

	r.log.Debug().Str("plugin", p.Name).Str("version", p.Version).Msg("plugin registered")
}

// Plugin returns a plugin record by name.
func (r *Registry) Plugin(name string) (*LoadedPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plugins[name]
	return p, ok
}

// Plugins returns all loaded plugin records.
func (r *Registry) Plugins() []*LoadedPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*LoadedPlugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	return out
}

// UnregisterPlugin removes the plugin record, every registration it owns
// across all extension points, and disposes every service instance it
// created. Disposal is best-effort: a failing disposer is logged and does
// not block disposal of siblings. No-op for an unknown name.
func (r *Registry) UnregisterPlugin(ctx context.Context, name string) {
	r.mu.Lock()

	p, known := r.plugins[name]
	delete(r.plugins, name)

	for cmdName, reg := range r.commands {
		if reg.PluginName == name {
			delete(r.commands, cmdName)
		}
	}
	for agentName, reg := range r.agents {
		if reg.PluginName == name {
			delete(r.agents, agentName)
		}
	}
	for key, regs := range r.hooks {
		kept := regs[:0]
		for _, reg := range regs {
			if reg.PluginName != name {
				kept = append(kept, reg)
			}
		}
		if len(kept) == 0 {
			delete(r.hooks, key)
		} else {
			r.hooks[key] = kept
		}
	}

	keptTemplates := r.templates[:0]
	for _, reg := range r.templates {
		if reg.PluginName != name {
			keptTemplates = append(keptTemplates, reg)
		}
	}
	r.templates = keptTemplates

	toDispose := r.collectServicesLocked(name)
	r.mu.Unlock()

	r.disposeServices(ctx, toDispose)

	if known && p.Module != nil {
		if err := p.Module.Close(); err != nil {
			r.log.Warn().Err(err).Str("plugin", name).Msg("module close failed")
		}
	}

	if known {
		r.log.Debug().Str("plugin", name).Msg("plugin unregistered")
	}
}

// RegisterCommand records a command contributed by a plugin. It fails when
// the name is host-reserved or already owned by a different plugin.
func (r *Registry) RegisterCommand(pluginName string, c Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reservedCommands[c.Name] {
		return fmt.Errorf("command %q: %w", c.Name, ErrReservedName)
	}
	if existing, ok := r.commands[c.Name]; ok && existing.PluginName != pluginName {
		return fmt.Errorf("command %q already registered by plugin %q: %w", c.Name, existing.PluginName, ErrNameConflict)
	}

	r.commands[c.Name] = &CommandRegistration{Command: c, PluginName: pluginName}
	return nil
}

// Command returns a registered command by name.
func (r *Registry) Command(name string) (*CommandRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.commands[name]
	return c, ok
}

// Commands returns all registered commands.
func (r *Registry) Commands() []*CommandRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*CommandRegistration, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	return out
}

// RegisterAgent records an agent contributed by a plugin. Conflict rules
// match RegisterCommand.
func (r *Registry) RegisterAgent(pluginName string, a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reservedAgents[a.Name] {
		return fmt.Errorf("agent %q: %w", a.Name, ErrReservedName)
	}
	if existing, ok := r.agents[a.Name]; ok && existing.PluginName != pluginName {
		return fmt.Errorf("agent %q already registered by plugin %q: %w", a.Name, existing.PluginName, ErrNameConflict)
	}

	r.agents[a.Name] = &AgentRegistration{Agent: a, PluginName: pluginName}
	return nil
}

// Agent returns a registered agent by name.
func (r *Registry) Agent(name string) (*AgentRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[name]
	return a, ok
}

// RegisterTemplate records a template. Templates are namespaced per plugin
// so registration always succeeds.
func (r *Registry) RegisterTemplate(pluginName string, t Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := &TemplateRegistration{
		Template:      t,
		PluginName:    pluginName,
		QualifiedName: pluginName + "/" + t.Name,
	}
	r.templates = append(r.templates, reg)
	return nil
}

// Templates returns templates in registration order, filtered by category
// when category is non-empty.
func (r *Registry) Templates(category string) []*TemplateRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*TemplateRegistration, 0, len(r.templates))
	for _, t := range r.templates {
		if category == "" || t.Category == category {
			out = append(out, t)
		}
	}
	return out
}

// Registrations summarizes what a plugin has registered, for listing and
// diagnostics.
func (r *Registry) Registrations(pluginName string) map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, c := range r.commands {
		if c.PluginName == pluginName {
			counts["commands"]++
		}
	}
	for _, a := range r.agents {
		if a.PluginName == pluginName {
			counts["agents"]++
		}
	}
	for _, regs := range r.hooks {
		for _, h := range regs {
			if h.PluginName == pluginName {
				counts["hooks"]++
			}
		}
	}
	for _, s := range r.services {
		if s.PluginName == pluginName {
			counts["services"]++
		}
	}
	for _, t := range r.templates {
		if t.PluginName == pluginName {
			counts["templates"]++
		}
	}
	return counts
}
