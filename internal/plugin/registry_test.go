package plugin

import (
	"context"
	"errors"
	"testing"
)

func TestRegisterCommandConflicts(t *testing.T) {
	r := NewRegistry()
	handler := func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }

	if err := r.RegisterCommand("alpha", Command{Name: "deploy", Handler: handler}); err != nil {
		t.Fatalf("first registration: %v", err)
	}

	// Same plugin may overwrite its own command.
	if err := r.RegisterCommand("alpha", Command{Name: "deploy", Description: "v2", Handler: handler}); err != nil {
		t.Errorf("same-plugin overwrite: %v", err)
	}
	if cmd, _ := r.Command("deploy"); cmd.Description != "v2" {
		t.Errorf("Description = %q, want v2", cmd.Description)
	}

	// Another plugin may not.
	err := r.RegisterCommand("beta", Command{Name: "deploy", Handler: handler})
	if !errors.Is(err, ErrNameConflict) {
		t.Errorf("cross-plugin conflict = %v, want ErrNameConflict", err)
	}

	// Host-reserved names are rejected outright.
	err = r.RegisterCommand("alpha", Command{Name: "init", Handler: handler})
	if !errors.Is(err, ErrReservedName) {
		t.Errorf("reserved name = %v, want ErrReservedName", err)
	}
}

func TestRegisterAgentReserved(t *testing.T) {
	r := NewRegistry()
	err := r.RegisterAgent("alpha", Agent{Name: "planner"})
	if !errors.Is(err, ErrReservedName) {
		t.Errorf("reserved agent = %v, want ErrReservedName", err)
	}
	if err := r.RegisterAgent("alpha", Agent{Name: "security-reviewer"}); err != nil {
		t.Errorf("RegisterAgent: %v", err)
	}
}

func TestTemplatesNamespaced(t *testing.T) {
	r := NewRegistry()

	// Identical local names from different plugins both land.
	if err := r.RegisterTemplate("alpha", Template{Name: "design-doc", Category: "design"}); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}
	if err := r.RegisterTemplate("beta", Template{Name: "design-doc", Category: "design"}); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}
	if err := r.RegisterTemplate("beta", Template{Name: "task-list", Category: "tasks"}); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	all := r.Templates("")
	if len(all) != 3 {
		t.Fatalf("Templates(\"\") = %d entries, want 3", len(all))
	}
	if all[0].QualifiedName != "alpha/design-doc" || all[1].QualifiedName != "beta/design-doc" {
		t.Errorf("qualified names = %q, %q", all[0].QualifiedName, all[1].QualifiedName)
	}

	design := r.Templates("design")
	if len(design) != 2 {
		t.Errorf("Templates(design) = %d entries, want 2", len(design))
	}
}

func TestUnregisterPluginRemovesEverything(t *testing.T) {
	r := NewRegistry()
	handler := func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }
	hook := func(ctx context.Context, payload map[string]any) error { return nil }

	if err := r.RegisterCommand("alpha", Command{Name: "deploy", Handler: handler}); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterAgent("alpha", Agent{Name: "linter"}); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterHook("alpha", Hook{Phase: PhaseDesign, Timing: TimingPost, Handler: hook}); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterTemplate("alpha", Template{Name: "doc"}); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterService("alpha", Service{Name: "cache", Factory: func(deps map[string]any) (any, error) { return "x", nil }}); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterCommand("beta", Command{Name: "lint", Handler: handler}); err != nil {
		t.Fatal(err)
	}

	r.UnregisterPlugin(context.Background(), "alpha")

	if counts := r.Registrations("alpha"); len(counts) != 0 {
		t.Errorf("alpha still has registrations: %v", counts)
	}
	if _, ok := r.Command("deploy"); ok {
		t.Error("deploy command survived unregister")
	}
	if _, ok := r.Command("lint"); !ok {
		t.Error("beta's command was removed")
	}
	if r.HasService("cache") {
		t.Error("cache service survived unregister")
	}
	if hooks := r.Hooks(PhaseDesign, TimingPost); len(hooks) != 0 {
		t.Errorf("hooks survived unregister: %d", len(hooks))
	}
}

func TestUnregisterUnknownPluginIsNoop(t *testing.T) {
	r := NewRegistry()
	r.UnregisterPlugin(context.Background(), "ghost")
}
