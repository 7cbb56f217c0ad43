package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback is invoked with the previous and the reloaded
// configuration after the watched file changes.
type ChangeCallback func(oldConfig, newConfig *Config)

// Watcher watches one configuration file and hot-reloads it on change.
// Reloads that fail to parse or validate are logged and skipped; the last
// good configuration stays active.
type Watcher struct {
	configFile string
	loader     *Loader
	logger     *slog.Logger

	configMu sync.RWMutex
	config   *Config

	callbacksMu sync.RWMutex
	callbacks   []ChangeCallback

	fsWatcher *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher loads the initial configuration and prepares the file watcher.
func NewWatcher(configFile string, loader *Loader, logger *slog.Logger) (*Watcher, error) {
	if loader == nil {
		loader = NewLoader()
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}

	cfg, err := loader.Load(configFile)
	if err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("config: initial load: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		configFile: configFile,
		loader:     loader,
		logger:     logger,
		config:     cfg,
		fsWatcher:  fsWatcher,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins watching the file.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(w.configFile); err != nil {
		return fmt.Errorf("config: watch %s: %w", w.configFile, err)
	}
	w.wg.Add(1)
	go w.watchLoop()
	return nil
}

// Stop stops watching.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	w.configMu.RLock()
	defer w.configMu.RUnlock()
	return w.config
}

// OnChange registers a callback fired after each successful reload.
func (w *Watcher) OnChange(cb ChangeCallback) {
	w.callbacksMu.Lock()
	w.callbacks = append(w.callbacks, cb)
	w.callbacksMu.Unlock()
}

// watchLoop debounces bursts of file events (editors write several) and
// reloads once per burst.
func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "file", w.configFile, "error", err)

		case <-reload:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	newCfg, err := w.loader.Load(w.configFile)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous",
			"file", w.configFile, "error", err)
		return
	}

	w.configMu.Lock()
	oldCfg := w.config
	w.config = newCfg
	w.configMu.Unlock()

	w.callbacksMu.RLock()
	callbacks := make([]ChangeCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.callbacksMu.RUnlock()

	for _, cb := range callbacks {
		cb(oldCfg, newCfg)
	}
	w.logger.Info("config reloaded", "file", w.configFile)
}
