// Package watcher provides a small file watcher used for hot-reloading the
// default weights file without restarting the decoder.
package watcher

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// debounce collapses editor write bursts into a single callback.
const debounce = 250 * time.Millisecond

// Watcher invokes a callback when the watched file is written or recreated.
type Watcher struct {
	path     string
	onChange func()
	fs       *fsnotify.Watcher
	done     chan struct{}
}

// New creates a watcher for the given file path.
func New(path string, onChange func()) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		fs:       fs,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched so recreation of
// the file after deletion is still observed.
func (w *Watcher) Start() error {
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	go w.loop()
	return nil
}

// Stop stops watching and releases resources.
func (w *Watcher) Stop() {
	close(w.done)
	_ = w.fs.Close()
}

func (w *Watcher) loop() {
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", w.path).Msg("File watcher error")
		case <-fire:
			w.onChange()
		}
	}
}
