package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads path whenever it is written or replaced and passes the new
// configuration to onChange. Invalid files are logged and skipped. Watch
// blocks until ctx is done.
//
// The parent directory is watched rather than the file so editors that
// replace the file by rename keep triggering reloads.
func Watch(ctx context.Context, path string, logger *zap.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %q: %w", filepath.Dir(abs), err)
	}
	logger.Info("Watching configuration file", zap.String("path", abs))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(abs)
			if err != nil {
				logger.Warn("Ignoring invalid configuration change", zap.String("path", abs), zap.Error(err))
				continue
			}
			logger.Info("Configuration reloaded", zap.String("path", abs))
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			logger.Error("File watcher error", zap.Error(err))
		}
	}
}
