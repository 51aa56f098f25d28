package plugin

import (
	"context"
	"fmt"

	"github.com/dshills/specstorm/internal/plugin/api"
	"github.com/dshills/specstorm/internal/plugin/lua"
)

// LuaModuleLoader loads plugin entry points as sandboxed Lua scripts.
// Each load produces a fresh interpreter tagged with the load generation,
// so a reload never sees state from a previous instance.
type LuaModuleLoader struct{}

// NewLuaModuleLoader creates the default module loader.
func NewLuaModuleLoader() *LuaModuleLoader {
	return &LuaModuleLoader{}
}

// Load runs the entry script in a new interpreter and verifies it
// exports an activate function.
func (ll *LuaModuleLoader) Load(_ context.Context, entryPath string, generation int) (Module, error) {
	script := lua.NewScript(lua.WithGeneration(generation))
	if err := script.DoFile(entryPath); err != nil {
		_ = script.Close()
		return nil, fmt.Errorf("load %s: %w", entryPath, err)
	}
	if !script.HasGlobalFunction("activate") {
		_ = script.Close()
		return nil, fmt.Errorf("%s: %w", entryPath, ErrNoActivate)
	}
	return &luaModule{script: script}, nil
}

// luaModule adapts a loaded Lua script to the Module interface.
type luaModule struct {
	script *lua.Script
}

// Activate binds the host API into the script and calls its activate
// function with the bound table.
func (m *luaModule) Activate(_ context.Context, pctx *Context) error {
	t := api.Bind(m.script, &contextHost{ctx: pctx})
	if _, err := m.script.CallGlobal("activate", t); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	return nil
}

// Deactivate calls the script's deactivate function if it exports one.
func (m *luaModule) Deactivate(_ context.Context) error {
	if !m.script.HasGlobalFunction("deactivate") {
		return nil
	}
	if _, err := m.script.CallGlobal("deactivate"); err != nil {
		return fmt.Errorf("deactivate: %w", err)
	}
	return nil
}

// Close releases the script's interpreter.
func (m *luaModule) Close() error {
	return m.script.Close()
}

// contextHost projects a plugin Context as the script-facing host API,
// converting the string-typed hook fields to their domain types.
type contextHost struct {
	ctx *Context
}

var _ api.Host = (*contextHost)(nil)

func (h *contextHost) PluginName() string    { return h.ctx.PluginName() }
func (h *contextHost) PluginVersion() string { return h.ctx.PluginVersion() }
func (h *contextHost) CLIVersion() string    { return h.ctx.CLIVersion() }

func (h *contextHost) ConfigValues() map[string]any        { return h.ctx.Config() }
func (h *contextHost) ProjectConfigValues() map[string]any { return h.ctx.ProjectConfig() }

func (h *contextHost) Log(level, message string) { h.ctx.Log(level, message) }

func (h *contextHost) RegisterCommand(name, description string, handler api.CommandFunc) error {
	return h.ctx.RegisterCommand(Command{
		Name:        name,
		Description: description,
		Handler:     CommandHandler(handler),
	})
}

func (h *contextHost) RegisterAgent(name, description, model, prompt string) error {
	return h.ctx.RegisterAgent(Agent{
		Name:        name,
		Description: description,
		Model:       model,
		Prompt:      prompt,
	})
}

func (h *contextHost) RegisterHook(phase, timing, priority string, handler api.HookFunc) error {
	prio, err := ParsePriority(priority)
	if err != nil {
		return err
	}
	return h.ctx.RegisterHook(Hook{
		Phase:    Phase(phase),
		Timing:   Timing(timing),
		Priority: prio,
		Handler:  HookHandler(handler),
	})
}

func (h *contextHost) RegisterService(name string, dependencies []string, factory api.ServiceFunc, dispose api.DisposeFunc) error {
	s := Service{
		Name:         name,
		Dependencies: dependencies,
		Factory:      ServiceFactory(factory),
	}
	if dispose != nil {
		s.Dispose = ServiceDisposer(dispose)
	}
	return h.ctx.RegisterService(s)
}

func (h *contextHost) RegisterTemplate(name, category, content string) error {
	return h.ctx.RegisterTemplate(Template{
		Name:     name,
		Category: category,
		Content:  content,
	})
}

func (h *contextHost) GetService(name string) (any, error) { return h.ctx.GetService(name) }
func (h *contextHost) HasService(name string) bool         { return h.ctx.HasService(name) }
