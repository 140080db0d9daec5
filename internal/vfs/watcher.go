package vfs

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"fileindex/internal/logging"
)

// Notifier receives file change notifications.
type Notifier interface {
	FileContentChanged(fileID uint32)
	FileDeleted(fileID uint32)
}

// Watcher turns file system events under the project roots into change
// notifications. New directories are watched as they appear.
type Watcher struct {
	table  *PathTable
	filter *ProjectFilter
	notify Notifier
	fsw    *fsnotify.Watcher
	ready  chan struct{}
	logger *slog.Logger
}

func NewWatcher(table *PathTable, filter *ProjectFilter, notify Notifier, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		table:  table,
		filter: filter,
		notify: notify,
		fsw:    fsw,
		ready:  make(chan struct{}),
		logger: logging.Default(logger).With("component", "watcher"),
	}, nil
}

// Ready is closed once the initial directories are watched.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Run watches until ctx is done, then releases the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.fsw.Close() }()

	roots := w.filter.Roots()
	for _, root := range roots {
		w.addRecursive(filepath.FromSlash(root))
	}
	close(w.ready)
	w.logger.Info("watcher started", "roots", len(roots), "dirs", len(w.fsw.WatchList()))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped")
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			w.addRecursive(event.Name)
			w.changedTree(event.Name)
			return
		}
		w.changed(event.Name)

	case event.Has(fsnotify.Write):
		w.changed(event.Name)

	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		if id, ok := w.table.Lookup(event.Name); ok {
			w.notify.FileDeleted(id)
		}
	}
}

// changed notifies a change of path if it belongs to a project, or if it
// was indexed before so its data gets dropped.
func (w *Watcher) changed(path string) {
	if _, ok := w.filter.Match(path); !ok {
		if id, known := w.table.Lookup(path); known {
			w.notify.FileContentChanged(id)
		}
		return
	}
	id, err := w.table.ID(path)
	if err != nil {
		w.logger.Warn("cannot assign file id", "path", path, "error", err)
		return
	}
	w.notify.FileContentChanged(id)
}

// changedTree notifies every file under a newly created directory; events
// for files created before the watch was added are lost.
func (w *Watcher) changedTree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.Type().IsRegular() {
			w.changed(path)
		}
		return nil
	})
}

// addRecursive adds a directory and all its subdirectories to the watch list.
func (w *Watcher) addRecursive(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("failed to watch directory", "dir", path, "error", err)
		}
		return nil
	})
}
