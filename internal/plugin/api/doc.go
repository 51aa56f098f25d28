// Package api defines the surface a plugin script sees at activation.
//
// Bind projects a Host into a Lua table (conventionally named "ss") whose
// functions forward to the host: registration of commands, agents, hooks,
// services, and templates, service lookup, and logging. Lua callbacks
// handed to the host are wrapped in Go closures that call back into the
// script's interpreter; the runtime's single-threaded execution model
// makes those nested calls safe.
package api
