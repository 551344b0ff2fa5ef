package vault

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reports external edits to the vault file by invoking onChange.
// fsnotify watches the containing directory so a delete/recreate cycle is
// still seen; if the watcher cannot start, a 60s mtime poll takes over.
func Watch(ctx context.Context, path string, onChange func()) {
	watcher, err := fsnotify.NewWatcher()
	usePolling := false

	if err != nil {
		log.Printf("Vault Watcher: fsnotify failed (%v), falling back to polling", err)
		usePolling = true
	} else if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Printf("Vault Watcher: cannot watch %s (%v), falling back to polling", path, err)
		watcher.Close()
		usePolling = true
	}

	if usePolling {
		go pollLoop(ctx, path, onChange)
		return
	}

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
				if event.Name != path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					// Editors and atomic saves fire several events; settle first.
					time.Sleep(100 * time.Millisecond)
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("Vault Watcher Error: %v", err)
			}
		}
	}()
}

func pollLoop(ctx context.Context, path string, onChange func()) {
	var lastMod time.Time
	if info, err := os.Stat(path); err == nil {
		lastMod = info.ModTime()
	}

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			switch {
			case err != nil:
				if !lastMod.IsZero() {
					lastMod = time.Time{}
					onChange()
				}
			case !info.ModTime().Equal(lastMod):
				lastMod = info.ModTime()
				onChange()
			}
		}
	}
}
