package tui

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 100 * time.Millisecond

// WatchDirs signals on the returned channel whenever a file in one of dirs is
// written, created, renamed, or removed. Bursts of events are coalesced. The
// channel closes when ctx is done.
func WatchDirs(ctx context.Context, logger *slog.Logger, dirs ...string) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tui: create watcher: %w", err)
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("tui: watch %s: %w", dir, err)
		}
	}
	ch := make(chan struct{}, 1)
	go watchLoop(ctx, logger, watcher, ch)
	return ch, nil
}

func watchLoop(ctx context.Context, logger *slog.Logger, watcher *fsnotify.Watcher, ch chan<- struct{}) {
	defer close(ch)
	defer watcher.Close()

	var debounce *time.Timer
	notify := func() {
		select {
		case ch <- struct{}{}:
		default:
			// a change is already pending
		}
	}
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, notify)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("file watcher error", "error", err)
		}
	}
}
