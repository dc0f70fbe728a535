package poll

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// WatchFile signals trigger whenever path is written, created, or replaced.
// Bursts of events within the debounce window collapse into one signal, and a
// signal is dropped if the previous one has not been consumed yet. The
// directory is watched so the file may not exist yet. WatchFile blocks until
// ctx is done.
func WatchFile(ctx context.Context, path string, trigger chan<- struct{}, logger *slog.Logger) error {
	dir := filepath.Dir(path)
	target := filepath.Clean(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		if closeErr := w.Close(); closeErr != nil {
			logger.Warn("Failed to close watcher", "error", closeErr)
		}
	}()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	logger.Info("Watching ledger for changes", "path", target)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	fire := func() {
		select {
		case trigger <- struct{}{}:
			logger.Debug("Ledger change signalled", "path", target)
		default:
		}
	}
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, fire)
	}
	defer func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == target && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Ledger watcher error", "error", err)
		}
	}
}
