package creds

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a credential set when its backing files change. It holds
// the current Set behind an atomic pointer: sessions built after a reload
// see the new material, live sessions keep the Set they were built with.
type Watcher struct {
	rebuild func() (*Set, error)
	logger  *slog.Logger

	current atomic.Pointer[Set]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	closed  bool
}

// NewWatcher builds the initial Set via rebuild and watches the given files
// for changes, rebuilding on every write or create event. A rebuild failure
// keeps the previous Set in place.
func NewWatcher(rebuild func() (*Set, error), logger *slog.Logger, files ...string) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	initial, err := rebuild()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	for _, f := range files {
		if err := fw.Add(f); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch credential file %q: %w", f, err)
		}
	}

	w := &Watcher{rebuild: rebuild, logger: logger, watcher: fw}
	w.current.Store(initial)
	go w.loop()
	return w, nil
}

// Current returns the most recently loaded Set.
func (w *Watcher) Current() *Set {
	return w.current.Load()
}

// Close stops watching. The last loaded Set remains available.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			set, err := w.rebuild()
			if err != nil {
				w.logger.Error("credential reload failed, keeping previous set",
					"file", event.Name, "error", err)
				continue
			}
			w.current.Store(set)
			w.logger.Info("credentials reloaded", "file", event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("credential file watcher error", "error", err)
		}
	}
}
