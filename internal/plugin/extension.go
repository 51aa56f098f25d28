package plugin

import "context"

// CommandHandler executes a plugin-contributed command.
type CommandHandler func(ctx context.Context, args map[string]any) (any, error)

// HookHandler runs when a workflow phase boundary fires.
type HookHandler func(ctx context.Context, payload map[string]any) error

// ServiceFactory builds a service instance. It receives the resolved
// instances of the service's declared dependencies, keyed by name.
type ServiceFactory func(deps map[string]any) (any, error)

// ServiceDisposer releases a service instance. Invoked only if the
// instance was ever created.
type ServiceDisposer func(instance any) error

// Command is a plugin-supplied command declaration.
type Command struct {
	Name        string
	Description string
	Handler     CommandHandler
}

// Agent is a plugin-supplied agent definition. Agents are declarative
// here; invoking them is the concern of the agent runner, not the runtime.
type Agent struct {
	Name        string
	Description string
	Model       string
	Prompt      string
}

// Hook is a plugin-supplied hook declaration.
type Hook struct {
	Phase    Phase
	Timing   Timing
	Priority Priority
	Handler  HookHandler
}

// Service is a plugin-supplied lazy service declaration. The factory is
// not invoked at registration time.
type Service struct {
	Name         string
	Dependencies []string
	Factory      ServiceFactory
	Dispose      ServiceDisposer
}

// Template is a plugin-supplied document template.
type Template struct {
	Name     string
	Category string
	Content  string
}

// CommandRegistration is a command plus its owning plugin.
type CommandRegistration struct {
	Command
	PluginName string
}

// AgentRegistration is an agent plus its owning plugin.
type AgentRegistration struct {
	Agent
	PluginName string
}

// HookRegistration is a hook plus its owning plugin.
type HookRegistration struct {
	Hook
	PluginName string

	// seq is the registry-wide registration order, the tiebreaker for
	// equal priorities across phase buckets.
	seq int
}

// ServiceRegistration is a service plus its owning plugin.
type ServiceRegistration struct {
	Service
	PluginName string
}

// TemplateRegistration is a template plus its owning plugin. Templates
// are namespaced as "<plugin>/<template>" so identical local names from
// different plugins never collide.
type TemplateRegistration struct {
	Template
	PluginName    string
	QualifiedName string
}
