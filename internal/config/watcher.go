package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"serial-voice-ingress/internal/observability/logging"
)

// Watcher reloads the config file on change and publishes the new Tuning.
// Only the tuning subset takes effect at runtime; other changes need a
// restart.
type Watcher struct {
	path     string
	updates  chan Tuning
	onReload func(error)
	logger   zerolog.Logger

	mu      sync.RWMutex
	current *Configuration
}

// NewWatcher creates a watcher for path. initial is the configuration the
// service started with. onReload, if non-nil, sees every reload outcome.
func NewWatcher(path string, initial *Configuration, onReload func(error)) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		updates:  make(chan Tuning, 1),
		onReload: onReload,
		logger:   logging.WithComponent("config-watcher"),
		current:  initial,
	}
}

// Updates delivers new tuning. Only the latest unread value is kept.
func (w *Watcher) Updates() <-chan Tuning {
	return w.updates
}

// Current returns the most recently loaded valid configuration.
func (w *Watcher) Current() *Configuration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run watches until ctx is done. The directory is watched so that editors
// replacing the file by rename are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config: watch %q: %w", w.path, err)
	}
	w.logger.Info().Str("path", w.path).Msg("Watching config file")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFile(w.path)
	if w.onReload != nil {
		w.onReload(err)
	}
	if err != nil {
		// Keep the previous configuration.
		w.logger.Error().Err(err).Str("path", w.path).Msg("Config reload failed")
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = cfg
	w.mu.Unlock()

	next := cfg.Tuning()
	if prev != nil && prev.Tuning() == next {
		return
	}
	w.publish(next)
	w.logger.Info().
		Float64("energyThreshold", next.Segmentation.EnergyThreshold).
		Int("silenceLimit", next.Segmentation.SilenceLimit).
		Msg("Tuning reloaded")
}

func (w *Watcher) publish(t Tuning) {
	for {
		select {
		case w.updates <- t:
			return
		default:
		}
		// Drop the stale value and retry.
		select {
		case <-w.updates:
		default:
		}
	}
}
