// Package lua provides the sandboxed Lua runtime that executes plugin
// entry points.
//
// Each plugin runs in its own Script: a fresh gopher-lua interpreter state
// with dangerous standard-library functions removed and module loading
// restricted to a small whitelist plus the preloaded "ss" host module.
// A Script is never reused across reloads; hot reload allocates a new
// Script (a new generation) and closes the old one, so stale code is
// never served.
//
// gopher-lua's LState is not goroutine-safe. All operations on a Script
// are serialized through its internal mutex, and plugin execution is
// cooperative and single-threaded by design.
package lua
