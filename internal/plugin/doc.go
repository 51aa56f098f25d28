// Package plugin implements the specstorm extension runtime.
//
// Plugins are npm-distributed or local packages carrying a plugin.json
// manifest and a sandboxed Lua entry script. The Loader discovers them,
// validates manifests, gates on host compatibility, orders them by
// declared dependencies, and activates each in isolation; one broken
// plugin never takes down a load cycle. The Registry is the single
// source of truth for everything plugins contribute: commands, agents,
// workflow hooks, lazily constructed services, and document templates.
// The Manager drives the install lifecycle and persists state atomically
// so a failed install or update leaves the previous state in force.
package plugin
