package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// safeModules are the built-in modules plugins may require.
var safeModules = map[string]bool{
	"string": true,
	"table":  true,
	"math":   true,
}

// allowedKey marks extra require targets (preloaded host modules) inside
// the registry table installed by installSandbox.
const allowedKey = "__ss_allowed_modules"

// installSandbox removes escape hatches from the state and replaces
// require with a whitelist-based version.
//
// SECURITY: package.path/cpath are cleared so no module can be loaded from
// disk; only preloaded modules (via Script.Preload) and the safe built-ins
// resolve.
func installSandbox(L *lua.LState) {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}

	allowed := L.NewTable()
	L.SetGlobal(allowedKey, allowed)

	pkg := L.GetGlobal("package")
	if pkgTable, ok := pkg.(*lua.LTable); ok {
		L.SetField(pkgTable, "path", lua.LString(""))
		L.SetField(pkgTable, "cpath", lua.LString(""))
	}

	originalRequire := L.GetGlobal("require")

	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		if !safeModules[modName] {
			allowed := L.GetGlobal(allowedKey)
			tbl, ok := allowed.(*lua.LTable)
			if !ok || tbl.RawGetString(modName) != lua.LTrue {
				L.RaiseError("module %q is not available", modName)
				return 0
			}
		}

		L.Push(originalRequire)
		L.Push(lua.LString(modName))
		L.Call(1, 1)
		return 1
	}))
}

// allowModule whitelists a preloaded module name for require.
func allowModule(L *lua.LState, name string) {
	allowed := L.GetGlobal(allowedKey)
	if tbl, ok := allowed.(*lua.LTable); ok {
		tbl.RawSetString(name, lua.LTrue)
	}
}
