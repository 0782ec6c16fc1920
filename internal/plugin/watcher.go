package plugin

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 2 * time.Second

// Watcher restarts plugin servers when files under their watch path
// change. Bursts of events collapse into one restart per server.
type Watcher struct {
	logger  *slog.Logger
	onDirty func(name string)

	mu      sync.Mutex
	fs      *fsnotify.Watcher
	byPath  map[string]string // watch path -> server name
	timers  map[string]*time.Timer
	closed  bool
	started bool
}

// NewWatcher creates a watcher that calls onDirty with the server name
// after changes settle.
func NewWatcher(logger *slog.Logger, onDirty func(name string)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		logger:  logger.With("component", "plugin_watch"),
		onDirty: onDirty,
		byPath:  make(map[string]string),
		timers:  make(map[string]*time.Timer),
	}
}

// Watch registers a path for a server, lazily starting the fsnotify loop.
func (w *Watcher) Watch(name, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if w.fs == nil {
		fs, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		w.fs = fs
	}
	if err := w.fs.Add(path); err != nil {
		return err
	}
	w.byPath[filepath.Clean(path)] = name

	if !w.started {
		w.started = true
		go w.loop()
	}
	w.logger.Info("watching for changes", "server", name, "path", path)
	return nil
}

// Unwatch removes a server's watch, if any.
func (w *Watcher) Unwatch(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for path, n := range w.byPath {
		if n == name {
			delete(w.byPath, path)
			if w.fs != nil {
				w.fs.Remove(path) //nolint:errcheck
			}
		}
	}
	if timer, ok := w.timers[name]; ok {
		timer.Stop()
		delete(w.timers, name)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	for _, timer := range w.timers {
		timer.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	if w.fs != nil {
		w.fs.Close() //nolint:errcheck
		w.fs = nil
	}
}

func (w *Watcher) loop() {
	w.mu.Lock()
	fs := w.fs
	w.mu.Unlock()
	if fs == nil {
		return
	}

	for {
		select {
		case event, ok := <-fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.markDirty(event.Name)
		case err, ok := <-fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// markDirty resolves the changed file to a server and (re)arms its
// debounce timer.
func (w *Watcher) markDirty(changed string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	changed = filepath.Clean(changed)
	var name string
	for path, n := range w.byPath {
		if changed == path || strings.HasPrefix(changed, path+string(filepath.Separator)) {
			name = n
			break
		}
	}
	if name == "" {
		return
	}

	if timer, ok := w.timers[name]; ok {
		timer.Reset(watchDebounce)
		return
	}
	w.timers[name] = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		delete(w.timers, name)
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		w.logger.Info("change settled, reloading", "server", name)
		w.onDirty(name)
	})
}
