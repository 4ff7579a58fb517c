package config

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of filesystem events from editors that
// write via temp file + rename.
const watchDebounce = 150 * time.Millisecond

// Watch watches the config file for changes and invokes onChange with each
// successfully reloaded config. It watches the parent directory (not the
// file) to handle atomic renames. Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	path, err := ExpandPath(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	filename := filepath.Base(path)

	if err := watcher.Add(dir); err != nil {
		return err
	}

	log.Printf("Watching config file: %s", path)

	var debounceTimer *time.Timer
	var debounceMu sync.Mutex

	triggerReload := func() {
		debounceMu.Lock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(watchDebounce, func() {
			newCfg, err := LoadFrom(path)
			if err != nil {
				log.Printf("Failed to load config after change: %v (keeping current config)", err)
				return
			}
			onChange(newCfg)
		})
		debounceMu.Unlock()
	}

	for {
		select {
		case <-ctx.Done():
			debounceMu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceMu.Unlock()
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			// Atomic writes show up as rename/create depending on OS/editor
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				triggerReload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("Config watcher error: %v", err)
		}
	}
}
