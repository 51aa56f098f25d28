package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dshills/specstorm/internal/logging"
)

// fakeRunner simulates the package tool. onRun can create or mutate the
// dependency directory the way the real tool would.
type fakeRunner struct {
	hasTool bool
	calls   [][]string
	onRun   func(args []string) error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.onRun != nil {
		if err := f.onRun(args); err != nil {
			return []byte(err.Error()), err
		}
	}
	return nil, nil
}

func (f *fakeRunner) Look(string) (string, error) {
	if f.hasTool {
		return "/usr/bin/npm", nil
	}
	return "", errors.New("not found")
}

func (f *fakeRunner) calledWith(verb string) bool {
	for _, call := range f.calls {
		if len(call) > 1 && call[1] == verb {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T, runner CommandRunner, opts ...ManagerOption) (*Manager, *Registry, string) {
	t.Helper()
	root := t.TempDir()
	m, registry := newTestManagerAt(t, root, runner, opts...)
	return m, registry, root
}

// newTestManagerAt builds a manager over an existing root with a fresh
// registry and loader, the way each host process starts.
func newTestManagerAt(t *testing.T, root string, runner CommandRunner, opts ...ManagerOption) (*Manager, *Registry) {
	t.Helper()
	registry := NewRegistry()
	configs := NewConfigStore(filepath.Join(root, ConfigDirName))
	loader := NewLoader(registry,
		WithDependencyDir(filepath.Join(root, "node_modules")),
		WithHostVersion("0.4.0"),
		WithModuleLoader(newFakeModuleLoader()),
		WithConfigProvider(configs),
	)
	base := []ManagerOption{WithRunner(runner)}
	m := NewManager(root, registry, loader, configs, append(base, opts...)...)
	return m, registry
}

// writeDepPlugin drops a plugin package into the dependency directory,
// including the keyword-tagged package descriptor discovery relies on.
func writeDepPlugin(t *testing.T, root string, spec pluginSpec) {
	t.Helper()
	depDir := filepath.Join(root, "node_modules")
	writePlugin(t, depDir, spec)
	pkg := fmt.Sprintf(`{"name":%q,"keywords":[%q]}`, spec.name, DefaultDiscoveryKeyword)
	if err := os.WriteFile(filepath.Join(depDir, spec.name, "package.json"), []byte(pkg), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestInstallLocal(t *testing.T) {
	m, registry, root := newTestManager(t, &fakeRunner{hasTool: true})

	src := t.TempDir()
	writePlugin(t, src, pluginSpec{name: "local-dev"})

	err := m.Install(context.Background(), filepath.Join(src, "local-dev"))
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	sf, err := LoadState(root)
	if err != nil {
		t.Fatal(err)
	}
	st, ok := sf.Plugins["local-dev"]
	if !ok {
		t.Fatal("no state entry after install")
	}
	if st.Source != "local" || !st.Enabled || st.Version != "1.0.0" {
		t.Errorf("state = %+v", st)
	}
	if st.LocalPath == "" {
		t.Error("local path not recorded")
	}
	if _, ok := registry.Plugin("local-dev"); !ok {
		t.Error("plugin not activated after install")
	}
}

func TestInstallLocalInvalidLeavesStateUntouched(t *testing.T) {
	m, _, root := newTestManager(t, &fakeRunner{hasTool: true})

	src := t.TempDir()
	dir := filepath.Join(src, "broken")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := `{"name":"broken","version":"1.0.0","description":"d","author":"a","main":"init.lua","requiredHostVersion":">=0.1.0"}`
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	// Entry exists but never defines activate.
	if err := os.WriteFile(filepath.Join(dir, "init.lua"), []byte("local x = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.Install(context.Background(), dir); err == nil {
		t.Fatal("invalid plugin installed")
	}

	sf, err := LoadState(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(sf.Plugins) != 0 {
		t.Errorf("failed install wrote state: %v", sf.Plugins)
	}
}

func TestInstallToolMissing(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeRunner{hasTool: false})

	err := m.Install(context.Background(), "some-package")
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("err = %v, want ErrToolNotFound", err)
	}
	if !strings.Contains(err.Error(), "npm") {
		t.Errorf("error %q should tell the user what to install", err)
	}
}

func TestInstallFromRegistry(t *testing.T) {
	var stages []string
	runner := &fakeRunner{hasTool: true}
	m, registry, root := newTestManager(t, runner, WithProgress(func(stage, _ string) {
		stages = append(stages, stage)
	}))
	runner.onRun = func(args []string) error {
		if args[0] == "install" {
			writeDepPlugin(t, root, pluginSpec{name: "git-helper"})
		}
		return nil
	}

	if err := m.Install(context.Background(), "git-helper"); err != nil {
		t.Fatalf("Install: %v", err)
	}

	want := []string{StageDownloading, StageValidating, StageActivating, StageComplete}
	if strings.Join(stages, ",") != strings.Join(want, ",") {
		t.Errorf("stages = %v, want %v", stages, want)
	}

	sf, _ := LoadState(root)
	if st := sf.Plugins["git-helper"]; st.Source != "npm" || !st.Enabled {
		t.Errorf("state = %+v", st)
	}
	if _, ok := registry.Plugin("git-helper"); !ok {
		t.Error("plugin not activated")
	}
}

func TestInstallInvalidPackageRollsBack(t *testing.T) {
	runner := &fakeRunner{hasTool: true}
	m, _, root := newTestManager(t, runner)
	runner.onRun = func(args []string) error {
		if args[0] == "install" {
			dir := filepath.Join(root, "node_modules", "junk")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(`{}`), 0o644)
		}
		return nil
	}

	if err := m.Install(context.Background(), "junk"); err == nil {
		t.Fatal("invalid package installed")
	}
	if !runner.calledWith("uninstall") {
		t.Error("bad package was not removed")
	}

	sf, _ := LoadState(root)
	if len(sf.Plugins) != 0 {
		t.Errorf("failed install wrote state: %v", sf.Plugins)
	}
}

// installPackages wires a fake runner so `npm install` materializes the
// given plugin packages under the dependency directory.
func installPackages(t *testing.T, root string, specs map[string]pluginSpec) func(args []string) error {
	t.Helper()
	return func(args []string) error {
		if args[0] != "install" {
			return nil
		}
		name := packageName(args[len(args)-1])
		if spec, ok := specs[name]; ok {
			writeDepPlugin(t, root, spec)
		}
		return nil
	}
}

func TestInstallLoadsInstalledDependencies(t *testing.T) {
	packages := map[string]pluginSpec{
		"base":  {name: "base"},
		"addon": {name: "addon", deps: []Dependency{{Name: "base", VersionRange: ">=1.0.0"}}},
	}

	runner := &fakeRunner{hasTool: true}
	m, _, root := newTestManager(t, runner)
	runner.onRun = installPackages(t, root, packages)

	ctx := context.Background()
	if err := m.Install(ctx, "base"); err != nil {
		t.Fatal(err)
	}

	// A later host process starts with an empty registry; base is only
	// present in install state.
	runner2 := &fakeRunner{hasTool: true, onRun: installPackages(t, root, packages)}
	m2, registry2 := newTestManagerAt(t, root, runner2)

	if err := m2.Install(ctx, "addon"); err != nil {
		t.Fatalf("Install addon: %v", err)
	}
	for _, name := range []string{"base", "addon"} {
		if _, ok := registry2.Plugin(name); !ok {
			t.Errorf("plugin %s not loaded after install", name)
		}
	}
	if runner2.calledWith("uninstall") {
		t.Error("successful install was rolled back")
	}

	sf, _ := LoadState(root)
	if st, ok := sf.Plugins["addon"]; !ok || !st.Enabled {
		t.Errorf("addon state = %+v", st)
	}
}

func TestEnableLoadsInstalledDependencies(t *testing.T) {
	packages := map[string]pluginSpec{
		"base":  {name: "base"},
		"addon": {name: "addon", deps: []Dependency{{Name: "base", VersionRange: ">=1.0.0"}}},
	}

	runner := &fakeRunner{hasTool: true}
	m, _, root := newTestManager(t, runner)
	runner.onRun = installPackages(t, root, packages)

	ctx := context.Background()
	for _, name := range []string{"base", "addon"} {
		if err := m.Install(ctx, name); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Disable(ctx, "addon"); err != nil {
		t.Fatal(err)
	}

	m2, registry2 := newTestManagerAt(t, root, &fakeRunner{hasTool: true})
	if err := m2.Enable(ctx, "addon"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	for _, name := range []string{"base", "addon"} {
		if _, ok := registry2.Plugin(name); !ok {
			t.Errorf("plugin %s not loaded after enable", name)
		}
	}
}

func TestInstallMissingDependencyRollsBackPackage(t *testing.T) {
	runner := &fakeRunner{hasTool: true}
	m, _, root := newTestManager(t, runner)
	runner.onRun = installPackages(t, root, map[string]pluginSpec{
		"addon": {name: "addon", deps: []Dependency{{Name: "ghost", VersionRange: ">=1.0.0"}}},
	})

	err := m.Install(context.Background(), "addon")
	if !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("err = %v, want ErrMissingDependency", err)
	}
	if !runner.calledWith("uninstall") {
		t.Error("package with unmet dependency was not removed")
	}

	sf, _ := LoadState(root)
	if len(sf.Plugins) != 0 {
		t.Errorf("failed install wrote state: %v", sf.Plugins)
	}
}

func TestDisableWarnsInstalledDependents(t *testing.T) {
	packages := map[string]pluginSpec{
		"base":  {name: "base"},
		"addon": {name: "addon", deps: []Dependency{{Name: "base", VersionRange: ">=1.0.0"}}},
	}

	runner := &fakeRunner{hasTool: true}
	m, _, root := newTestManager(t, runner)
	runner.onRun = installPackages(t, root, packages)

	ctx := context.Background()
	for _, name := range []string{"base", "addon"} {
		if err := m.Install(ctx, name); err != nil {
			t.Fatal(err)
		}
	}

	// A fresh host process has nothing loaded; the warning must come
	// from installed manifests, not the registry.
	var buf bytes.Buffer
	m2, registry2 := newTestManagerAt(t, root, &fakeRunner{hasTool: true},
		WithManagerLogger(logging.New(&buf, "warn")))
	if len(registry2.Plugins()) != 0 {
		t.Fatal("registry unexpectedly populated")
	}

	if err := m2.Disable(ctx, "base"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if !strings.Contains(buf.String(), "addon") {
		t.Errorf("disable warning missing dependent name, log: %s", buf.String())
	}
}

func TestUninstall(t *testing.T) {
	runner := &fakeRunner{hasTool: true}
	m, registry, root := newTestManager(t, runner)
	runner.onRun = func(args []string) error {
		if args[0] == "install" {
			writeDepPlugin(t, root, pluginSpec{name: "git-helper"})
		}
		return nil
	}

	ctx := context.Background()
	if err := m.Install(ctx, "git-helper"); err != nil {
		t.Fatal(err)
	}
	if err := m.Uninstall(ctx, "git-helper"); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}

	if !runner.calledWith("uninstall") {
		t.Error("package tool uninstall not invoked")
	}
	if _, ok := registry.Plugin("git-helper"); ok {
		t.Error("plugin still loaded after uninstall")
	}
	sf, _ := LoadState(root)
	if _, ok := sf.Plugins["git-helper"]; ok {
		t.Error("state entry survived uninstall")
	}
}

func TestUninstallNotInstalled(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeRunner{hasTool: true})
	err := m.Uninstall(context.Background(), "ghost")
	if !errors.Is(err, ErrNotInstalled) {
		t.Errorf("err = %v, want ErrNotInstalled", err)
	}
}

func TestUpdateRefusesLocalInstall(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeRunner{hasTool: true})

	src := t.TempDir()
	writePlugin(t, src, pluginSpec{name: "local-dev"})
	ctx := context.Background()
	if err := m.Install(ctx, filepath.Join(src, "local-dev")); err != nil {
		t.Fatal(err)
	}

	err := m.Update(ctx, "local-dev")
	if err == nil || !strings.Contains(err.Error(), "local") {
		t.Errorf("err = %v, want a local-install refusal", err)
	}
}

func TestEnableDisable(t *testing.T) {
	m, registry, root := newTestManager(t, &fakeRunner{hasTool: true})

	src := t.TempDir()
	writePlugin(t, src, pluginSpec{name: "local-dev"})
	ctx := context.Background()
	if err := m.Install(ctx, filepath.Join(src, "local-dev")); err != nil {
		t.Fatal(err)
	}

	if err := m.Disable(ctx, "local-dev"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if _, ok := registry.Plugin("local-dev"); ok {
		t.Error("plugin still loaded after disable")
	}
	sf, _ := LoadState(root)
	if sf.Plugins["local-dev"].Enabled {
		t.Error("state still enabled after disable")
	}

	if err := m.Enable(ctx, "local-dev"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if _, ok := registry.Plugin("local-dev"); !ok {
		t.Error("plugin not loaded after enable")
	}
	sf, _ = LoadState(root)
	if !sf.Plugins["local-dev"].Enabled {
		t.Error("state not enabled after enable")
	}
}

func TestList(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeRunner{hasTool: true})

	src := t.TempDir()
	writePlugin(t, src, pluginSpec{name: "bravo"})
	writePlugin(t, src, pluginSpec{name: "alpha"})
	ctx := context.Background()
	for _, name := range []string{"bravo", "alpha"} {
		if err := m.Install(ctx, filepath.Join(src, name)); err != nil {
			t.Fatal(err)
		}
	}

	plugins, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(plugins) != 2 {
		t.Fatalf("List = %d entries, want 2", len(plugins))
	}
	// Sorted by name.
	if plugins[0].Name != "alpha" || plugins[1].Name != "bravo" {
		t.Errorf("order = %s, %s", plugins[0].Name, plugins[1].Name)
	}
	if !plugins[0].Loaded || plugins[0].Description == "" {
		t.Errorf("row not enriched from manifest: %+v", plugins[0])
	}
}

func TestInfoLocal(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeRunner{hasTool: true})

	src := t.TempDir()
	writePlugin(t, src, pluginSpec{name: "local-dev"})
	ctx := context.Background()
	if err := m.Install(ctx, filepath.Join(src, "local-dev")); err != nil {
		t.Fatal(err)
	}

	info, err := m.Info(ctx, "local-dev")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if !info.Installed || !info.Enabled {
		t.Errorf("info = %+v", info)
	}
	if info.Author != "tester" {
		t.Errorf("Author = %q, want tester (from manifest)", info.Author)
	}
}

func TestInfoRemote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/remote-pkg" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"name":"remote-pkg","description":"remote plugin","dist-tags":{"latest":"2.1.0"},"author":{"name":"Remote Dev"}}`)
	}))
	defer server.Close()

	m, _, _ := newTestManager(t, &fakeRunner{hasTool: true},
		WithRegistryURL(server.URL), WithHTTPClient(server.Client()))

	info, err := m.Info(context.Background(), "remote-pkg")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info == nil {
		t.Fatal("nil info for known remote package")
	}
	if info.Version != "2.1.0" || info.Author != "Remote Dev" {
		t.Errorf("info = %+v", info)
	}

	missing, err := m.Info(context.Background(), "no-such-pkg")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if missing != nil {
		t.Errorf("info for unknown package = %+v, want nil", missing)
	}
}

func TestSearch(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		text := r.URL.Query().Get("text")
		if !strings.Contains(text, "keywords:"+DefaultDiscoveryKeyword) {
			t.Errorf("search text %q missing keyword filter", text)
		}
		fmt.Fprint(w, `{"objects":[
			{"package":{"name":"git-helper","version":"1.0.0","description":"Git helpers","publisher":{"username":"octocat"}}},
			{"package":{"name":"pr-flow","version":"0.2.0","description":"PR flows","author":{"name":"Flow Dev"}}},
			{"package":{"name":"anon-tool","version":"0.1.0","description":"No author"}}
		]}`)
	}))
	defer server.Close()

	m, _, _ := newTestManager(t, &fakeRunner{hasTool: true},
		WithRegistryURL(server.URL), WithHTTPClient(server.Client()))

	ctx := context.Background()
	results := m.Search(ctx, "git")
	if len(results) != 3 || results[0].Name != "git-helper" {
		t.Fatalf("results = %+v", results)
	}
	wantAuthors := []string{"octocat", "Flow Dev", "Unknown"}
	for i, want := range wantAuthors {
		if results[i].Author != want {
			t.Errorf("results[%d].Author = %q, want %q", i, results[i].Author, want)
		}
	}

	// Second identical query is served from cache.
	m.Search(ctx, "git")
	if hits != 1 {
		t.Errorf("registry hit %d times, want 1 (cache)", hits)
	}
}

func TestSearchFailureIsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	m, _, _ := newTestManager(t, &fakeRunner{hasTool: true},
		WithRegistryURL(server.URL), WithHTTPClient(server.Client()))

	if results := m.Search(context.Background(), "anything"); len(results) != 0 {
		t.Errorf("results = %+v, want empty on registry failure", results)
	}
}
