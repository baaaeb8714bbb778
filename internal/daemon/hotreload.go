package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
)

// ConfigWatcher watches the config file for external edits and invokes the
// reload callback once the file has been quiet for the debounce interval.
type ConfigWatcher struct {
	mu     sync.RWMutex
	logger *slog.Logger
	clock  clockwork.Clock

	configPath string
	watcher    *fsnotify.Watcher
	debounce   time.Duration

	onReload func() error
	onError  func(err error)

	trigger chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}

	running bool
}

// NewConfigWatcher creates a ConfigWatcher for path.
func NewConfigWatcher(path string, logger *slog.Logger) (*ConfigWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	return &ConfigWatcher{
		logger:     logger,
		clock:      clockwork.NewRealClock(),
		configPath: absPath,
		debounce:   300 * time.Millisecond,
		trigger:    make(chan struct{}, 1),
	}, nil
}

// SetDebounce sets how long the file must be quiet before reloading.
func (w *ConfigWatcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// SetClock replaces the clock used for debouncing.
func (w *ConfigWatcher) SetClock(c clockwork.Clock) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clock = c
}

// SetReloadCallback sets the callback invoked after a change settles.
func (w *ConfigWatcher) SetReloadCallback(fn func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// SetErrorCallback sets the callback invoked when the reload callback fails.
func (w *ConfigWatcher) SetErrorCallback(fn func(err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = fn
}

// Start begins watching. The directory is watched rather than the file so
// that atomic replace-by-rename is seen.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(w.configPath)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}

	w.watcher = watcher
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true

	go w.watchLoop(ctx, watcher, w.stopCh)
	go w.reloadLoop(ctx, w.stopCh, w.doneCh)

	w.logger.Debug("config watcher started", "path", w.configPath, "debounce", w.debounce)
	return nil
}

// Stop stops watching.
func (w *ConfigWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	watcher, done := w.watcher, w.doneCh
	w.mu.Unlock()

	if err := watcher.Close(); err != nil {
		w.logger.Warn("failed to close file watcher", "error", err)
	}
	<-done
	w.logger.Debug("config watcher stopped")
}

// Notify schedules a debounced reload as if the file had changed.
func (w *ConfigWatcher) Notify() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *ConfigWatcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, stop <-chan struct{}) {
	name := filepath.Base(w.configPath)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			switch {
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create), event.Has(fsnotify.Rename):
				w.logger.Debug("config file changed", "file", event.Name, "op", event.Op.String())
				w.Notify()
			case event.Has(fsnotify.Remove):
				w.logger.Warn("config file removed", "file", event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *ConfigWatcher) reloadLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	w.mu.RLock()
	clock, debounce := w.clock, w.debounce
	w.mu.RUnlock()

	var timer clockwork.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-w.trigger:
			if timer != nil {
				timer.Stop()
			}
			timer = clock.NewTimer(debounce)
			fire = timer.Chan()
		case <-fire:
			timer, fire = nil, nil
			w.reload()
		}
	}
}

func (w *ConfigWatcher) reload() {
	w.mu.RLock()
	onReload, onError := w.onReload, w.onError
	w.mu.RUnlock()
	if onReload == nil {
		return
	}
	if err := onReload(); err != nil {
		w.logger.Warn("config file change rejected", "path", w.configPath, "error", err)
		if onError != nil {
			onError(err)
		}
	}
}
