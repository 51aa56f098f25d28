package plugin

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/specstorm/internal/logging"
)

// defaultDebounce coalesces editor write bursts into one reload.
const defaultDebounce = 300 * time.Millisecond

// DevWatcher reloads plugins when their source files change, for
// edit-reload development against local plugin directories.
type DevWatcher struct {
	loader   *Loader
	log      *logging.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu     sync.Mutex
	dirs   map[string]string // watched dir -> plugin name
	timers map[string]*time.Timer
}

// NewDevWatcher creates a watcher that reloads through the given loader.
func NewDevWatcher(loader *Loader, log *logging.Logger) (*DevWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &DevWatcher{
		loader:   loader,
		log:      log.Sub("devwatch"),
		watcher:  fw,
		debounce: defaultDebounce,
		dirs:     make(map[string]string),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Watch registers a plugin directory for change-triggered reloads.
func (w *DevWatcher) Watch(plugin, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if err := w.watcher.Add(abs); err != nil {
		return err
	}
	w.mu.Lock()
	w.dirs[abs] = plugin
	w.mu.Unlock()
	w.log.Debug().Str("plugin", plugin).Str("dir", abs).Msg("watching plugin directory")
	return nil
}

// Run processes file events until ctx is cancelled. Changes are
// debounced per plugin so an editor's save burst causes one reload.
func (w *DevWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if plugin := w.pluginFor(event.Name); plugin != "" {
				w.scheduleReload(ctx, plugin)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("file watch error")
		}
	}
}

// pluginFor maps a changed path to the plugin whose directory contains it.
func (w *DevWatcher) pluginFor(path string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dir, plugin := range w.dirs {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return plugin
		}
	}
	return ""
}

func (w *DevWatcher) scheduleReload(ctx context.Context, plugin string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[plugin]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[plugin] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, plugin)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := w.loader.ReloadPlugin(ctx, plugin); err != nil {
			w.log.Error().Err(err).Str("plugin", plugin).Msg("hot reload failed")
			return
		}
		w.log.Info().Str("plugin", plugin).Msg("hot reloaded")
	})
}

// Close stops watching. Pending debounce timers are cancelled.
func (w *DevWatcher) Close() error {
	w.mu.Lock()
	for plugin, t := range w.timers {
		t.Stop()
		delete(w.timers, plugin)
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
