package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Bursts of events from editors that write via rename are coalesced.
const reloadDebounce = 100 * time.Millisecond

// Watch calls fn with the reloaded config every time the file at path is
// written, created, renamed or removed, until ctx is done. The parent
// directory is watched so atomic replaces are seen. A removed file reloads
// as the defaults. Load errors are passed to fn; the watch continues.
func Watch(ctx context.Context, path string, fn func(*Config, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	dir := filepath.Dir(target)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	logger := slog.Default().With("component", "config", "path", target)
	logger.Debug("watching config")

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) {
				continue
			}
			reload = time.After(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		case <-reload:
			reload = nil
			cfg, err := Load(target)
			if err != nil {
				logger.Warn("config reload failed", "error", err)
			} else {
				logger.Info("config reloaded")
			}
			fn(cfg, err)
		}
	}
}
