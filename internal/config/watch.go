package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchSettle absorbs editors that write a file in several steps.
const watchSettle = 200 * time.Millisecond

// Watch reloads the configuration file whenever it changes on disk and
// passes the result to onChange. Invalid files are logged and skipped.
// The parent directory is watched so rename-into-place updates are seen.
// Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			stopTimer()
			timer = time.NewTimer(watchSettle)
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", slog.String("error", err.Error()))

		case <-fire:
			fire = nil
			cfg, err := Load(path)
			if err != nil {
				slog.Warn("config reload failed",
					slog.String("path", path),
					slog.String("error", err.Error()))
				continue
			}
			slog.Info("config reloaded", slog.String("path", path), slog.Int("trees", len(cfg.Trees)))
			onChange(cfg)
		}
	}
}
