// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/heynemann/easyq/sdk/go/ctxlog"
)

// Watch calls fn with the newly loaded config each time the file at
// path changes, until ctx is done. Changes that fail to load are
// logged and otherwise ignored.
//
// The containing directory is watched, rather than the file itself,
// so editors and config management tools that replace the file by
// renaming a new one into place are noticed.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	logger := ctxlog.FromContext(ctx).WithField("ConfigPath", path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	err = watcher.Add(filepath.Dir(abs))
	if err != nil {
		watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		// Writes often arrive as several events in quick
		// succession; reload once they settle.
		var settle <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				settle = time.After(100 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("config watcher error")
			case <-settle:
				settle = nil
				cfg, err := LoadFile(abs, nil)
				if err != nil {
					logger.WithError(err).Warn("ignoring changed config file")
					continue
				}
				logger.Info("config file reloaded")
				fn(cfg)
			}
		}
	}()
	return nil
}
