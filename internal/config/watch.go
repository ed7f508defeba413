// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// =============================================================================
// FILE WATCHER
// =============================================================================

// DefaultWatchDebounce is how long Watch waits after the last change
// before reloading.
const DefaultWatchDebounce = 200 * time.Millisecond

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *zap.Logger
	onChange func(*Config)
}

// NewWatcher creates a watcher for path. onChange receives every config
// that loads and validates; broken edits are logged and skipped.
func NewWatcher(path string, logger *zap.Logger, onChange func(*Config)) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     path,
		debounce: DefaultWatchDebounce,
		logger:   logger,
		onChange: onChange,
	}
}

// Run watches until ctx is done. The parent directory is watched rather
// than the file so editors that save by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w.logger.Info("CONFIG_WATCH_START", zap.String("path", abs))

	// Timer starts stopped; each relevant event re-arms it
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("CONFIG_WATCH_ERROR", zap.Error(err))

		case <-timer.C:
			w.reload(abs)
		}
	}
}

func (w *Watcher) reload(path string) {
	cfg, err := LoadFromPath(path)
	if err != nil {
		w.logger.Warn("CONFIG_RELOAD_FAILED", zap.String("path", path), zap.Error(err))
		return
	}
	w.logger.Info("CONFIG_RELOADED", zap.String("path", path))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
