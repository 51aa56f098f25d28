package plugin

import "context"

// Module is the loaded, executable form of a plugin entry point. A loader
// verifies the entry point satisfies this contract at load time; a missing
// activate entry is a load error, never a runtime crash.
type Module interface {
	// Activate runs the plugin's activation code against its scoped
	// context. Called once per load generation.
	Activate(ctx context.Context, pctx *Context) error

	// Deactivate runs the plugin's optional deactivation code.
	Deactivate(ctx context.Context) error

	// Close releases the module's resources. After Close the module
	// must not be used.
	Close() error
}

// ModuleLoader loads a plugin entry point. The generation increases on
// every (re)load of the same plugin so a fresh module instance is
// produced and stale code is never served.
type ModuleLoader interface {
	Load(ctx context.Context, entryPath string, generation int) (Module, error)
}

// ContextFactory builds the scoped context handed to a plugin's
// activation code.
type ContextFactory func(ContextOptions) *Context
