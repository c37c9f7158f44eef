package config

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads the config file when it changes on disk and hands the
// validated result to a callback. Invalid configs are logged and skipped so
// a bad edit never replaces a known-good runtime configuration.
type Watcher struct {
	path     string
	cooldown time.Duration
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given config path.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}
	return &Watcher{
		path:     path,
		cooldown: 2 * time.Second,
		watcher:  fsw,
	}, nil
}

// Start watches until the context is cancelled. onReload receives every
// successfully loaded config. Must be called in a goroutine.
func (w *Watcher) Start(ctx context.Context, onReload func(*Config)) {
	logger := log.With().Str("component", "config_watcher").Str("path", w.path).Logger()
	logger.Info().Msg("watching config file for changes")

	defer w.watcher.Close()

	var lastReload time.Time
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("stopping config watcher")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if time.Since(lastReload) < w.cooldown {
				continue
			}
			lastReload = time.Now()

			cfg, err := Load(w.path)
			if err != nil {
				logger.Error().Err(err).Msg("config reload failed, keeping previous config")
				continue
			}
			logger.Info().Msg("config reloaded")
			onReload(cfg)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("config watcher error")
		}
	}
}
