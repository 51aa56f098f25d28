package plugin

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/dshills/specstorm/internal/logging"
)

func newTestContext(t *testing.T, r *Registry, plugin string) *Context {
	t.Helper()
	return NewContext(ContextOptions{
		PluginName:    plugin,
		PluginVersion: "1.0.0",
		CLIVersion:    "0.4.0",
		Config:        map[string]any{"retries": float64(3), "nested": map[string]any{"key": "value"}},
		ProjectConfig: map[string]any{"project": "demo"},
		Registry:      r,
	})
}

func TestContextConfigIsolation(t *testing.T) {
	ctx := newTestContext(t, NewRegistry(), "alpha")

	cfg := ctx.Config()
	cfg["retries"] = float64(99)
	cfg["nested"].(map[string]any)["key"] = "mutated"

	again := ctx.Config()
	if again["retries"] != float64(3) {
		t.Errorf("retries = %v, caller mutation leaked into context", again["retries"])
	}
	if again["nested"].(map[string]any)["key"] != "value" {
		t.Error("nested mutation leaked into context")
	}
}

func TestContextProjectConfigNil(t *testing.T) {
	ctx := NewContext(ContextOptions{PluginName: "alpha", Registry: NewRegistry()})
	if ctx.ProjectConfig() != nil {
		t.Error("absent project config should read as nil")
	}
	if ctx.Config() == nil {
		t.Error("absent plugin config should read as an empty map")
	}
}

func TestContextAttribution(t *testing.T) {
	r := NewRegistry()
	ctx := newTestContext(t, r, "alpha")

	err := ctx.RegisterCommand(Command{
		Name:    "fmt-check",
		Handler: func(c context.Context, args map[string]any) (any, error) { return nil, nil },
	})
	if err != nil {
		t.Fatalf("RegisterCommand: %v", err)
	}

	cmd, ok := r.Command("fmt-check")
	if !ok {
		t.Fatal("command not in registry")
	}
	if cmd.PluginName != "alpha" {
		t.Errorf("PluginName = %q, want alpha", cmd.PluginName)
	}
}

func TestContextServiceAccess(t *testing.T) {
	r := NewRegistry()
	ctx := newTestContext(t, r, "alpha")

	if ctx.HasService("cache") {
		t.Error("HasService before registration")
	}
	err := ctx.RegisterService(Service{
		Name:    "cache",
		Factory: func(deps map[string]any) (any, error) { return "instance", nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := ctx.GetService("cache")
	if err != nil {
		t.Fatalf("GetService: %v", err)
	}
	if got != "instance" {
		t.Errorf("GetService = %v, want instance", got)
	}
}

func TestContextLogPrefix(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(&buf, "debug")

	ctx := NewContext(ContextOptions{
		PluginName: "git-helper",
		Registry:   NewRegistry(),
		Log:        log,
	})
	ctx.Log("info", "hello from plugin")

	out := buf.String()
	if !strings.Contains(out, "[plugin:git-helper]") {
		t.Errorf("log output %q missing plugin prefix", out)
	}
	if !strings.Contains(out, "hello from plugin") {
		t.Errorf("log output %q missing message", out)
	}
}

func TestContextLogNilLoggerIsNoop(t *testing.T) {
	ctx := NewContext(ContextOptions{PluginName: "alpha", Registry: NewRegistry()})
	ctx.Log("info", "nobody listening")
}
