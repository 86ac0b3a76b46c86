package quiz

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the bank whenever the bundle file is written or created,
// until ctx is done. onReload, if set, receives each new list. The parent
// directory is watched so editors that replace the file are noticed.
func (b *Bank) Watch(ctx context.Context, onReload func([]Question, Source)) error {
	if b.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(b.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(b.path)

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
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				qs, src := b.Load(ctx)
				if onReload != nil {
					onReload(qs, src)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("question bundle watcher: %v", err)
			}
		}
	}()
	return nil
}
