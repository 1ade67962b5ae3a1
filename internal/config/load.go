package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"

	"github.com/orcfabric/fabric/internal/bus"
)

// Load reads and parses path as JSON5 (tolerating comments and trailing
// commas from hand edits), merges it onto Default(), and overlays
// environment-sourced secrets.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json5.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// Watcher reloads Config from path on change and republishes
// bus.ConfigReloaded, mirroring the teacher's cache-invalidation events
// (bus.CacheInvalidatePayload) for config hot-reload instead.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	bus     *bus.Bus
	done    chan struct{}
}

// WatchFile starts watching path for changes, publishing a reload event
// on the given bus each time it changes. Call Close to stop.
func WatchFile(path string, b *bus.Bus) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w := &Watcher{watcher: fw, path: path, bus: b, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				slog.Error("config reload failed", "path", w.path, "error", err)
				continue
			}
			w.bus.Emit(bus.Event{Name: bus.ConfigReloaded, Payload: cfg})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
