package auth

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchKey reloads the signing key whenever the key file changes, so keys
// can be rotated without a restart. The watch covers the parent directory:
// editors and secret mounts replace the file rather than write in place.
// The returned stop function ends the watch.
func WatchKey(m *TokenManager, keyFile string, log *slog.Logger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(keyFile)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	target := filepath.Clean(keyFile)
	done := make(chan struct{})

	go func() {
		var lastReload time.Time
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				// Debounce: replace-by-rename fires several events.
				if time.Since(lastReload) < 200*time.Millisecond {
					continue
				}
				lastReload = time.Now()
				if err := m.LoadKey(keyFile); err != nil {
					log.Error("failed to reload signing key", "file", keyFile, "error", err)
					continue
				}
				log.Info("reloaded signing key", "file", keyFile)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error("key watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
