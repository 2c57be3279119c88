package main

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"keyrxd/internal/logging"
)

// fileWatcher calls onChange, debounced, when the file at path() is
// written or replaced. path is re-read on every event so the watched file
// can change at runtime; Retarget adds the new directory.
type fileWatcher struct {
	watcher  *fsnotify.Watcher
	path     func() string
	delay    time.Duration
	onChange func()
	log      *logging.Logger

	mu    sync.Mutex
	dirs  map[string]bool
	timer *time.Timer
	done  chan struct{}
}

func watchFile(path func() string, delay time.Duration, onChange func(), log *logging.Logger) (*fileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &fileWatcher{
		watcher:  watcher,
		path:     path,
		delay:    delay,
		onChange: onChange,
		log:      log,
		dirs:     make(map[string]bool),
		done:     make(chan struct{}),
	}
	if err := w.Retarget(); err != nil {
		watcher.Close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

// Retarget starts watching the directory of the current path.
func (w *fileWatcher) Retarget() error {
	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(w.path())
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dirs[dir] {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch directory: %w", err)
	}
	w.dirs[dir] = true
	return nil
}

func (w *fileWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path()) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.delay, w.onChange)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("file watch error", "error", err)
		}
	}
}

// Close stops watching. A pending debounced callback is cancelled.
func (w *fileWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}
