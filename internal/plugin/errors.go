package plugin

import "errors"

// Plugin runtime errors.
var (
	// ErrPluginNotFound is returned when a plugin cannot be located.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrNoEntryPoint is returned when a plugin's entry point file is missing.
	ErrNoEntryPoint = errors.New("plugin entry point not found")

	// ErrNoActivate is returned when a loaded module does not define an
	// activate function.
	ErrNoActivate = errors.New("module does not define an activate function")

	// ErrNameConflict is returned when a registration collides with an
	// existing name owned by a different plugin.
	ErrNameConflict = errors.New("name conflict")

	// ErrReservedName is returned when a registration collides with a
	// host-reserved name.
	ErrReservedName = errors.New("name is reserved by the host")

	// ErrServiceNotFound is returned when resolving an unregistered service.
	ErrServiceNotFound = errors.New("service not found")

	// ErrCircularService is returned when a service (transitively) depends
	// on itself.
	ErrCircularService = errors.New("circular service dependency")

	// ErrMissingDependency is returned when a declared plugin dependency is
	// absent from the candidate set.
	ErrMissingDependency = errors.New("plugin dependency not found")

	// ErrCircularDependency is returned when plugins form a dependency cycle.
	ErrCircularDependency = errors.New("circular plugin dependency detected")

	// ErrNotInstalled is returned by lifecycle operations on a plugin with
	// no recorded state.
	ErrNotInstalled = errors.New("plugin is not installed")

	// ErrToolNotFound is returned when the external package manager is not
	// available.
	ErrToolNotFound = errors.New("package manager not found")
)
