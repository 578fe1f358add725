package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch re-reads the config file on change and reports the result:
// onChange gets the reloaded config when it validates, onError gets the
// problem when it does not. Returns a stop func.
//
// Editors save via rename, so the parent directory is watched and events
// are debounced.
func Watch(path string, onChange func(Config), onError func(error)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	base := filepath.Base(path)

	done := make(chan struct{})
	go func() {
		var debounce *time.Timer
		reload := func() {
			cfg, err := Load(path)
			if err != nil {
				log.Printf("CONFIG: reload failed: %v", err)
				onError(err)
				return
			}
			if err := cfg.Validate(); err != nil {
				log.Printf("CONFIG: invalid after edit: %v", err)
				onError(err)
				return
			}
			log.Printf("CONFIG: reloaded %s", path)
			onChange(cfg)
		}
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("CONFIG: watcher error: %v", err)
			}
		}
	}()

	stop := func() {
		close(done)
		watcher.Close()
	}
	return stop, nil
}
