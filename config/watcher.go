package config

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sayonatsu/herald/errors"
	"github.com/sayonatsu/herald/logger"
)

// ReloadCallback is called with the freshly loaded config after a change.
type ReloadCallback func(*Config) error

// Watcher watches a config file for changes and triggers reload callbacks.
// Rapid successive writes (editors often write twice) are debounced.
type Watcher struct {
	configPath     string
	watcher        *fsnotify.Watcher
	callbacks      []ReloadCallback
	mu             sync.RWMutex
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(configPath string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	// Watch the directory, not the file: editors replace files on save,
	// which would drop a file-level watch.
	if err := fw.Add(filepath.Dir(configPath)); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to watch config directory for %s", configPath)
	}

	return &Watcher{
		configPath:     configPath,
		watcher:        fw,
		debouncePeriod: 500 * time.Millisecond,
	}, nil
}

// OnReload registers a callback invoked after each reload.
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching. Non-blocking.
func (w *Watcher) Start() {
	go w.watchLoop()
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.configPath && filepath.Base(event.Name) != filepath.Base(w.configPath) {
				continue
			}
			if isBackupFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			logger.Infow("Config file changed", "file", event.Name, "op", event.Op.String())
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnw("Config watcher error", "error", err)
		}
	}
}

// scheduleReload debounces reloads so one editor save triggers one reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debouncePeriod, w.reload)
}

func (w *Watcher) reload() {
	Reset()
	cfg, err := Load()
	if err != nil {
		logger.Errorw("Config reload failed", "file", w.configPath, "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		logger.Errorw("Reloaded config is invalid, keeping callbacks unnotified",
			"file", w.configPath, "error", err)
		return
	}

	w.mu.RLock()
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			logger.Warnw("Config reload callback failed", "error", err)
		}
	}
	logger.Infow("Config reloaded", "file", w.configPath)
}

func isBackupFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, ".tmp") ||
		strings.HasPrefix(base, ".")
}
