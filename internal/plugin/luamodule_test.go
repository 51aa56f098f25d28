package plugin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeLuaPlugin creates a real Lua plugin on disk for end-to-end tests
// against the actual interpreter.
func writeLuaPlugin(t *testing.T, root, name, source string) {
	t.Helper()
	writePlugin(t, root, pluginSpec{name: name})
	if err := os.WriteFile(filepath.Join(root, name, "init.lua"), []byte(source), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newLuaLoader(t *testing.T, root string) (*Loader, *Registry) {
	t.Helper()
	r := NewRegistry()
	loader := NewLoader(r,
		WithPaths(root),
		WithHostVersion("0.4.0"),
	)
	return loader, r
}

func TestLuaPluginRegistersExtensions(t *testing.T) {
	root := t.TempDir()
	writeLuaPlugin(t, root, "kitchen-sink", `
		function activate(ss)
			ss.register_command({
				name = "greet",
				description = "Say hello",
				handler = function(args)
					return "hello " .. (args.who or "world")
				end,
			})

			ss.register_agent({
				name = "style-checker",
				description = "Reviews style",
				model = "small",
				prompt = "Check the style.",
			})

			ss.register_hook({
				phase = "design",
				timing = "post",
				priority = "early",
				handler = function(payload) end,
			})

			ss.register_service({
				name = "greeter",
				factory = function(deps)
					return { greeting = "hi" }
				end,
			})

			ss.register_template({
				name = "design-doc",
				category = "design",
				content = "# Design",
			})
		end
	`)

	loader, registry := newLuaLoader(t, root)
	result := loader.LoadAll(context.Background())
	if len(result.Errors) != 0 {
		t.Fatalf("load errors: %v", result.Errors)
	}

	cmd, ok := registry.Command("greet")
	if !ok {
		t.Fatal("command not registered")
	}
	out, err := cmd.Handler(context.Background(), map[string]any{"who": "specstorm"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if out != "hello specstorm" {
		t.Errorf("handler = %v, want hello specstorm", out)
	}

	if _, ok := registry.Agent("style-checker"); !ok {
		t.Error("agent not registered")
	}
	hooks := registry.Hooks(PhaseDesign, TimingPost)
	if len(hooks) != 1 || hooks[0].Priority != PriorityEarly {
		t.Errorf("hooks = %v", hooks)
	}

	svc, err := registry.ResolveService("greeter")
	if err != nil {
		t.Fatalf("ResolveService: %v", err)
	}
	m, ok := svc.(map[string]any)
	if !ok || m["greeting"] != "hi" {
		t.Errorf("service = %#v", svc)
	}

	templates := registry.Templates("design")
	if len(templates) != 1 || templates[0].QualifiedName != "kitchen-sink/design-doc" {
		t.Errorf("templates = %v", templates)
	}
}

func TestLuaPluginContextValues(t *testing.T) {
	root := t.TempDir()
	writeLuaPlugin(t, root, "introspect", `
		function activate(ss)
			if ss.plugin_name ~= "introspect" then error("wrong name: " .. tostring(ss.plugin_name)) end
			if ss.plugin_version ~= "1.0.0" then error("wrong version") end
			if ss.cli_version ~= "0.4.0" then error("wrong cli version") end
			ss.log("info", "inspected")
		end
	`)

	loader, _ := newLuaLoader(t, root)
	result := loader.LoadAll(context.Background())
	if len(result.Errors) != 0 {
		t.Fatalf("load errors: %v", result.Errors)
	}
}

func TestLuaPluginWithoutActivateFails(t *testing.T) {
	root := t.TempDir()
	writeLuaPlugin(t, root, "inert", `local x = 1`)

	loader, _ := newLuaLoader(t, root)
	result := loader.LoadAll(context.Background())

	e, ok := errorFor(result, "inert")
	if !ok {
		t.Fatal("no error for plugin without activate")
	}
	if e.Phase != LoadPhaseImport {
		t.Errorf("Phase = %s, want %s", e.Phase, LoadPhaseImport)
	}
}

func TestLuaPluginActivationErrorIsolated(t *testing.T) {
	root := t.TempDir()
	writeLuaPlugin(t, root, "grumpy", `
		function activate(ss)
			error("refuses to start")
		end
	`)
	writeLuaPlugin(t, root, "happy", `
		function activate(ss) end
	`)

	loader, registry := newLuaLoader(t, root)
	result := loader.LoadAll(context.Background())

	if len(result.Loaded) != 1 || result.Loaded[0] != "happy" {
		t.Errorf("Loaded = %v, want [happy]", result.Loaded)
	}
	e, ok := errorFor(result, "grumpy")
	if !ok {
		t.Fatal("no error for grumpy")
	}
	if !strings.Contains(e.Err.Error(), "refuses to start") {
		t.Errorf("error %q should carry the lua message", e.Err)
	}
	if _, ok := registry.Plugin("grumpy"); ok {
		t.Error("failed plugin registered")
	}
}

func TestLuaPluginReservedNameSurfacesInLua(t *testing.T) {
	root := t.TempDir()
	writeLuaPlugin(t, root, "squatter", `
		function activate(ss)
			ss.register_command({
				name = "init",
				handler = function(args) end,
			})
		end
	`)

	loader, registry := newLuaLoader(t, root)
	result := loader.LoadAll(context.Background())

	e, ok := errorFor(result, "squatter")
	if !ok {
		t.Fatal("reserved-name registration did not fail the activation")
	}
	if e.Phase != LoadPhaseActivation {
		t.Errorf("Phase = %s, want %s", e.Phase, LoadPhaseActivation)
	}
	if _, ok := registry.Command("init"); ok {
		t.Error("reserved command registered")
	}
}

func TestLuaPluginReloadGetsFreshState(t *testing.T) {
	root := t.TempDir()
	writeLuaPlugin(t, root, "mutable", `
		counter = (counter or 0) + 1
		function activate(ss)
			ss.register_service({
				name = "counter",
				factory = function(deps) return counter end,
			})
		end
	`)

	loader, registry := newLuaLoader(t, root)
	ctx := context.Background()
	if err := loader.LoadPlugin(ctx, "mutable"); err != nil {
		t.Fatal(err)
	}
	if err := loader.ReloadPlugin(ctx, "mutable"); err != nil {
		t.Fatal(err)
	}

	// A reload runs in a brand new interpreter: top-level state does not
	// carry over, so the counter is 1 again, not 2.
	svc, err := registry.ResolveService("counter")
	if err != nil {
		t.Fatal(err)
	}
	if svc != int64(1) {
		t.Errorf("counter = %v, want 1 (fresh state)", svc)
	}
}
