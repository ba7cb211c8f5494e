package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the event bursts editors produce when saving.
const reloadDebounce = 500 * time.Millisecond

// Watcher reloads a config file when it changes on disk and serves the
// latest valid snapshot. Sessions take a snapshot at start; a reload only
// affects sessions created after it.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onReload func(*Config)

	fsw     *fsnotify.Watcher
	current atomic.Pointer[Config]

	mu       sync.Mutex
	debounce *time.Timer
	closed   bool
}

// NewWatcher creates a watcher for the config file at path, seeded with the
// initial snapshot. onReload, if non-nil, is called after each successful
// reload. Call Start to begin watching.
func NewWatcher(path string, initial *Config, logger *slog.Logger, onReload func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		path:     abs,
		logger:   logger,
		onReload: onReload,
	}
	w.current.Store(initial)
	return w, nil
}

// Current returns the latest valid config snapshot.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Start begins watching the config file's directory. Watching the parent
// directory rather than the file survives editors that replace the file on
// save.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	w.fsw = fsw
	go w.loop()

	w.logger.Debug("Watching config file", slog.String("path", w.path))
	return nil
}

// Stop stops watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	if w.debounce != nil {
		w.debounce.Stop()
	}
	if w.fsw != nil {
		w.fsw.Close()
	}
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || abs != w.path {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := LoadFromFile(w.path)
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous config",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("Reloaded config is invalid, keeping previous config",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}

	w.current.Store(cfg)
	w.logger.Info("Configuration reloaded", slog.String("path", w.path))

	if w.onReload != nil {
		w.onReload(cfg)
	}
}
