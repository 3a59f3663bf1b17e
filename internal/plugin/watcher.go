// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

package plugin

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/querydeck/querydeck/internal/observability"
)

// defaultDebounce coalesces the burst of filesystem events editors
// emit on save into a single reload.
const defaultDebounce = 300 * time.Millisecond

// Watcher reloads plugins when their files change on disk. One watch
// per loaded plugin directory; events are debounced per plugin.
type Watcher struct {
	manager  *Manager
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	dirs   map[string]string // plugin dir -> plugin id
	timers map[string]*time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher creates a watcher over the plugins the manager has
// loaded. debounce <= 0 uses the default.
func NewWatcher(manager *Manager, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		manager:  manager,
		fsw:      fsw,
		debounce: debounce,
		logger:   slog.Default().With("component", "plugin-watcher"),
		dirs:     make(map[string]string),
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}

	for id, dir := range manager.PluginDirs() {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, err
		}
		w.dirs[dir] = id
	}
	return w, nil
}

// Start begins watching. Reloads run on the watcher's goroutine, one
// at a time.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *Watcher) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if id := w.pluginFor(ev.Name); id != "" {
				w.scheduleReload(id)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// pluginFor maps a changed path onto the owning plugin id.
func (w *Watcher) pluginFor(path string) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	for dir, id := range w.dirs {
		if strings.HasPrefix(path, dir) {
			return id
		}
	}
	return ""
}

// scheduleReload arms (or re-arms) the debounce timer for a plugin.
func (w *Watcher) scheduleReload(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[id]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[id] = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		if err := w.manager.Reload(context.Background(), id); err != nil {
			observability.RecordReloadFailure(id)
			w.logger.Error("hot reload failed", "plugin", id, "error", err)
			return
		}
		w.logger.Info("plugin reloaded", "plugin", id)
	})
}

// Close stops watching and waits for the event loop to exit. Pending
// debounce timers are cancelled.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()

	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	w.mu.Unlock()
	return err
}
