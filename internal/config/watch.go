package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/etx-iot/etx/internal/logger"
)

// Watch re-loads the config file whenever it changes and invokes onChange
// with the new effective config. Editors replace files with rename+create,
// so the parent directory is watched rather than the file itself. Events are
// debounced; a file that fails to load is reported and skipped.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	target := filepath.Clean(path)

	go func() {
		defer w.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(250 * time.Millisecond)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config watch error", "err", err)
			case <-pending:
				pending = nil
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("config reload failed", "path", path, "err", err)
					continue
				}
				logger.Info("config reloaded", "path", path)
				onChange(cfg)
			}
		}
	}()
	return nil
}
