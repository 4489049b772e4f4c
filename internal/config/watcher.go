package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when the config file changes.
// Used by `skylog serve` to hot-reload aliases without restarting.
type WatchTargets struct {
	// OnConfigChange fires when the config file is written or created.
	// Typically reloads the file and swaps the resolver's alias table.
	OnConfigChange func()
}

// Watcher monitors the directory of the config file using fsnotify and
// fires the callback when the file itself changes. The directory is
// watched rather than the file so editors that replace the file on save
// are still seen.
//
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher for the config file at path.
// Events start being processed immediately in a background goroutine.
func NewWatcher(path string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	go w.processEvents(filepath.Base(path), targets)

	slog.Info("config watcher started", "file", path)
	return w, nil
}

// processEvents reads fsnotify events and dispatches to the callback.
// Runs in a background goroutine until Close() is called.
func (w *Watcher) processEvents(name string, targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Removal and rename mean the file is gone; keep the last good config.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != name {
				continue
			}

			slog.Info("config file changed, triggering reload", "file", event.Name)
			if targets.OnConfigChange != nil {
				targets.OnConfigChange()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
