package policy

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads path whenever it changes and passes the new config to onChange.
// It watches the parent directory so editors that replace the file are seen.
// Invalid configs are logged and ignored. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, logger *log.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	dir, name := filepath.Dir(path), filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var debounce *time.Timer
	reload := func() {
		cfg, err := LoadConfig(path)
		if err != nil {
			logger.Printf("config: reload skipped: %v", err)
			return
		}
		logger.Printf("config: reloaded %s", path)
		onChange(cfg)
	}
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Printf("config: watch error: %v", err)
		}
	}
}
