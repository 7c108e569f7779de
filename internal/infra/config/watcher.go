package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultReloadDebounce = 200 * time.Millisecond

// Watcher invokes a callback when the config file changes on disk. The
// parent directory is watched rather than the file itself, so editors that
// replace the file via rename are still seen. Events are debounced because
// a single save often produces several.
type Watcher struct {
	logger   *zap.Logger
	path     string
	debounce time.Duration
	onChange func()
}

func NewWatcher(path string, onChange func(), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		logger:   logger.Named("config_watcher"),
		path:     path,
		debounce: defaultReloadDebounce,
		onChange: onChange,
	}
}

// Run blocks until ctx is done. Watcher setup failures are returned;
// individual event errors are logged and watching continues.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-watcher.Errors:
			if err != nil {
				w.logger.Warn("config watcher error", zap.Error(err))
			}
		case event := <-watcher.Events:
			if !sameFile(event.Name, w.path) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case <-timerChan(timer):
			timer = nil
			w.onChange()
		}
	}
}

func sameFile(path, configPath string) bool {
	if path == "" || configPath == "" {
		return false
	}
	return filepath.Clean(path) == filepath.Clean(configPath)
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
