package triage

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 500 * time.Millisecond

// Watch reloads the rule file at path whenever it changes, until ctx is done.
// A file that fails validation is logged and ignored; the previous rules stay
// active.
func (e *Engine) Watch(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("triage: watch path must not be empty")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	path = filepath.Clean(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Editors replace files by rename, so the directory is watched.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			debounce = time.After(defaultWatchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn("triage rules watcher error", "err", err)
		case <-debounce:
			debounce = nil
			if err := e.Reload(path); err != nil {
				e.logger.Error("triage rules reload rejected", "path", path, "err", err)
			}
		}
	}
}
