// Package storewatch turns filesystem activity on the database file into
// change signals, so writes made by other processes sharing the file
// are pushed without waiting for the fallback timer.
package storewatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultQuiet is how long the file must stay untouched before a signal
// is raised. Bursts of page writes inside one transaction collapse into
// one signal.
const DefaultQuiet = 300 * time.Millisecond

// Notifier receives change signals. *localstore.Store satisfies it.
type Notifier interface {
	NotifyExternal()
}

// Watcher watches one SQLite database and its WAL.
type Watcher struct {
	path   string
	quiet  time.Duration
	target Notifier
	logger *slog.Logger
}

// New creates a watcher for the database at path. A zero quiet uses
// DefaultQuiet.
func New(path string, quiet time.Duration, target Notifier, logger *slog.Logger) *Watcher {
	if quiet <= 0 {
		quiet = DefaultQuiet
	}

	return &Watcher{path: path, quiet: quiet, target: target, logger: logger}
}

// Watch blocks until ctx is cancelled. The parent directory is watched
// rather than the file so the WAL and journal being recreated does not
// lose the watch.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	w.logger.Info("store watcher started", slog.String("path", w.path))

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if !w.relevant(event) {
				continue
			}

			timer.Reset(w.quiet)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("store watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			w.logger.Debug("store file changed", slog.String("path", w.path))
			w.target.NotifyExternal()
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}

	base := filepath.Base(w.path)

	switch filepath.Base(event.Name) {
	case base, base + "-wal", base + "-journal":
		return true
	}

	return false
}
