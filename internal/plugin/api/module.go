package api

import (
	"context"
	"fmt"

	glua "github.com/yuin/gopher-lua"

	"github.com/dshills/specstorm/internal/plugin/lua"
)

// CommandFunc executes a plugin command.
type CommandFunc func(ctx context.Context, args map[string]any) (any, error)

// HookFunc runs at a workflow phase boundary.
type HookFunc func(ctx context.Context, payload map[string]any) error

// ServiceFunc builds a service instance from its resolved dependencies.
type ServiceFunc func(deps map[string]any) (any, error)

// DisposeFunc releases a service instance.
type DisposeFunc func(instance any) error

// Host is what a plugin script can reach. The runtime supplies an
// implementation scoped to the owning plugin; every registration is
// attributed automatically.
type Host interface {
	PluginName() string
	PluginVersion() string
	CLIVersion() string
	ConfigValues() map[string]any
	ProjectConfigValues() map[string]any
	Log(level, message string)

	RegisterCommand(name, description string, handler CommandFunc) error
	RegisterAgent(name, description, model, prompt string) error
	RegisterHook(phase, timing, priority string, handler HookFunc) error
	RegisterService(name string, dependencies []string, factory ServiceFunc, dispose DisposeFunc) error
	RegisterTemplate(name, category, content string) error

	GetService(name string) (any, error)
	HasService(name string) bool
}

// Bind installs the host API as the global "ss" table in the script and
// returns the table so the caller can pass it to the activation entry
// point. Host errors surface as Lua errors at the call site.
func Bind(script *lua.Script, host Host) *glua.LTable {
	br := script.Bridge()
	L := br.L

	t := L.NewTable()
	t.RawSetString("plugin_name", glua.LString(host.PluginName()))
	t.RawSetString("plugin_version", glua.LString(host.PluginVersion()))
	t.RawSetString("cli_version", glua.LString(host.CLIVersion()))
	t.RawSetString("config", br.ToLua(host.ConfigValues()))
	if pc := host.ProjectConfigValues(); pc != nil {
		t.RawSetString("project_config", br.ToLua(pc))
	}

	t.RawSetString("log", L.NewFunction(func(L *glua.LState) int {
		level := L.CheckString(1)
		msg := L.CheckString(2)
		host.Log(level, msg)
		return 0
	}))

	t.RawSetString("register_command", L.NewFunction(func(L *glua.LState) int {
		spec := L.CheckTable(1)
		name, _ := br.TableString(spec, "name")
		desc, _ := br.TableString(spec, "description")
		fn, ok := br.TableFunc(spec, "handler")
		if !ok {
			L.RaiseError("register_command: handler must be a function")
			return 0
		}
		handler := luaCommand(script, fn)
		if err := host.RegisterCommand(name, desc, handler); err != nil {
			L.RaiseError("register_command: %v", err)
		}
		return 0
	}))

	t.RawSetString("register_agent", L.NewFunction(func(L *glua.LState) int {
		spec := L.CheckTable(1)
		name, _ := br.TableString(spec, "name")
		desc, _ := br.TableString(spec, "description")
		model, _ := br.TableString(spec, "model")
		prompt, _ := br.TableString(spec, "prompt")
		if err := host.RegisterAgent(name, desc, model, prompt); err != nil {
			L.RaiseError("register_agent: %v", err)
		}
		return 0
	}))

	t.RawSetString("register_hook", L.NewFunction(func(L *glua.LState) int {
		spec := L.CheckTable(1)
		phase, _ := br.TableString(spec, "phase")
		timing, _ := br.TableString(spec, "timing")
		priority, _ := br.TableString(spec, "priority")
		fn, ok := br.TableFunc(spec, "handler")
		if !ok {
			L.RaiseError("register_hook: handler must be a function")
			return 0
		}
		handler := luaHook(script, fn)
		if err := host.RegisterHook(phase, timing, priority, handler); err != nil {
			L.RaiseError("register_hook: %v", err)
		}
		return 0
	}))

	t.RawSetString("register_service", L.NewFunction(func(L *glua.LState) int {
		spec := L.CheckTable(1)
		name, _ := br.TableString(spec, "name")
		deps := br.TableStrings(spec, "dependencies")
		fn, ok := br.TableFunc(spec, "factory")
		if !ok {
			L.RaiseError("register_service: factory must be a function")
			return 0
		}
		factory := luaFactory(script, fn)
		var dispose DisposeFunc
		if dfn, ok := br.TableFunc(spec, "dispose"); ok {
			dispose = luaDispose(script, dfn)
		}
		if err := host.RegisterService(name, deps, factory, dispose); err != nil {
			L.RaiseError("register_service: %v", err)
		}
		return 0
	}))

	t.RawSetString("register_template", L.NewFunction(func(L *glua.LState) int {
		spec := L.CheckTable(1)
		name, _ := br.TableString(spec, "name")
		category, _ := br.TableString(spec, "category")
		content, _ := br.TableString(spec, "content")
		if err := host.RegisterTemplate(name, category, content); err != nil {
			L.RaiseError("register_template: %v", err)
		}
		return 0
	}))

	t.RawSetString("get_service", L.NewFunction(func(L *glua.LState) int {
		name := L.CheckString(1)
		svc, err := host.GetService(name)
		if err != nil {
			L.RaiseError("get_service: %v", err)
			return 0
		}
		L.Push(br.ToLua(svc))
		return 1
	}))

	t.RawSetString("has_service", L.NewFunction(func(L *glua.LState) int {
		L.Push(glua.LBool(host.HasService(L.CheckString(1))))
		return 1
	}))

	L.SetGlobal("ss", t)
	return t
}

// callInScript invokes a Lua function from Go, converting arguments and
// collecting a single result. It calls into the interpreter directly;
// the runtime never runs a script from two goroutines.
func callInScript(script *lua.Script, fn *glua.LFunction, args ...any) (result any, err error) {
	if script.Closed() {
		return nil, lua.ErrScriptClosed
	}
	br := script.Bridge()
	L := br.L

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua callback panicked: %v", r)
		}
	}()

	lvs := make([]glua.LValue, len(args))
	for i, a := range args {
		lvs[i] = br.ToLua(a)
	}
	if cerr := L.CallByParam(glua.P{Fn: fn, NRet: 1, Protect: true}, lvs...); cerr != nil {
		return nil, cerr
	}
	ret := L.Get(-1)
	L.Pop(1)
	return br.ToGo(ret), nil
}

func luaCommand(script *lua.Script, fn *glua.LFunction) CommandFunc {
	return func(_ context.Context, args map[string]any) (any, error) {
		return callInScript(script, fn, args)
	}
}

func luaHook(script *lua.Script, fn *glua.LFunction) HookFunc {
	return func(_ context.Context, payload map[string]any) error {
		_, err := callInScript(script, fn, payload)
		return err
	}
}

func luaFactory(script *lua.Script, fn *glua.LFunction) ServiceFunc {
	return func(deps map[string]any) (any, error) {
		return callInScript(script, fn, deps)
	}
}

func luaDispose(script *lua.Script, fn *glua.LFunction) DisposeFunc {
	return func(instance any) error {
		_, err := callInScript(script, fn, instance)
		return err
	}
}
