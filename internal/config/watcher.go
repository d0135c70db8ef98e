package config

import (
	"context"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchFile reloads the YAML tuning section when the file changes.
// Falls back to a slow polling loop if fsnotify is unavailable; the polling
// loop also runs alongside the watcher as a safety net for filesystems that
// drop events (bind mounts, NFS).
func (c *Config) WatchFile(ctx context.Context, path string) {
	if path == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	usePolling := false
	if err != nil {
		log.Printf("[Config] fsnotify unavailable (%v), falling back to polling", err)
		usePolling = true
	} else if err := watcher.Add(path); err != nil {
		log.Printf("[Config] Cannot watch %s (%v), falling back to polling", path, err)
		usePolling = true
		watcher.Close()
	}

	if !usePolling {
		go func() {
			defer watcher.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
						// Debounce: editors often write twice.
						time.Sleep(100 * time.Millisecond)
						log.Printf("[Config] %s changed, reloading tuning", path)
						c.ReloadTuning(path)
					}
				case werr, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Printf("[Config] Watcher error: %v", werr)
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.ReloadTuning(path)
			}
		}
	}()
}
