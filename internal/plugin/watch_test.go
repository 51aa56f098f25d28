package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/specstorm/internal/logging"
)

func TestDevWatcherReloadsOnChange(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, pluginSpec{name: "watched"})
	dir := filepath.Join(root, "watched")

	fml := newFakeModuleLoader()
	loader, _ := newTestLoader(t, root, fml)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := loader.LoadPlugin(ctx, "watched"); err != nil {
		t.Fatal(err)
	}
	first := fml.module("watched")

	w, err := NewDevWatcher(loader, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.Watch("watched", dir); err != nil {
		t.Fatal(err)
	}
	go w.Run(ctx)

	// Give the watcher a moment to arm before touching the file.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "init.lua"), []byte("function activate(ss) end -- v2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m := fml.module("watched"); m != first && m.generation == 2 {
			if !first.closed {
				t.Error("old module not closed on hot reload")
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("watcher never reloaded the plugin")
}
