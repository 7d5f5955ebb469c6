package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes on disk, invoking
// onChange with each successfully parsed Config. It blocks until ctx
// ends.
//
// Atomic-save editors replace the file instead of writing in place, so
// create events count as changes and the watch is re-armed after every
// reload in case the inode was swapped. A change that fails to parse or
// validate is rejected and the active config stays in effect.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: start watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(path); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	slog.Info("config: watching", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				reload(path, onChange)
				_ = w.Add(path)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watch error", "path", path, "err", err)
		}
	}
}

// reload parses the file and hands the result to onChange, or rejects
// the change and keeps the previous config active.
func reload(path string, onChange func(*Config)) {
	cfg, err := Load(path)
	if err != nil {
		slog.Error("config: reload rejected", "path", path, "err", err)
		return
	}
	slog.Info("config: reloaded", "path", path)
	onChange(cfg)
}
