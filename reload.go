// reload.go: Hot reload of runtime-adjustable settings
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ulog

import (
	"fmt"
	"time"

	"github.com/agilira/argus"
)

// reloadPollInterval is how often the watched configuration file is checked.
const reloadPollInterval = time.Second

// WatchConfig watches the configuration file at path and applies changes to
// min_level and console_mirror on l while it runs. Other keys affect storage
// layout and only take effect for a new Logger.
//
// Call the returned function to stop watching.
func WatchConfig(path string, l *Logger) (stop func() error, err error) {
	watcher := argus.New(argus.Config{PollInterval: reloadPollInterval})

	err = watcher.Watch(path, func(event argus.ChangeEvent) {
		if event.IsDelete {
			return
		}
		l.applyReload(path)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	if err := watcher.Start(); err != nil {
		return nil, fmt.Errorf("failed to start config watcher: %w", err)
	}
	l.diag.Info("msg", "Watching configuration", "path", path)
	return watcher.Stop, nil
}

// applyReload reloads path and applies its runtime-adjustable settings.
func (l *Logger) applyReload(path string) {
	cfg, err := LoadConfig(path)
	if err != nil {
		l.reportError("reload", err)
		l.diag.Warn("msg", "Config reload failed, keeping current settings", "path", path, "error", err)
		return
	}
	if err := l.SetMinLevel(cfg.MinLevel); err != nil {
		l.reportError("reload", err)
		return
	}
	l.SetConsoleMirror(cfg.ConsoleMirror)
	l.diag.Info("msg", "Config reloaded", "min_level", cfg.MinLevel.String(), "console_mirror", cfg.ConsoleMirror)
}
