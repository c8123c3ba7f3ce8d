package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk.
//
// Only settings that are safe to change at runtime should be applied by
// onChange; node identity and intervals are fixed for the life of a node.
type Watcher struct {
	src      Sources
	onChange func(*Config)
	onError  func(error)
	debounce time.Duration

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for src.FilePath. onError may be nil.
func NewWatcher(src Sources, onChange func(*Config), onError func(error)) *Watcher {
	if onError == nil {
		onError = func(error) {}
	}
	return &Watcher{
		src:      src,
		onChange: onChange,
		onError:  onError,
		debounce: 100 * time.Millisecond,
		done:     make(chan struct{}),
	}
}

// Start begins watching. The parent directory is watched so that editors
// which replace the file on save are still picked up.
func (w *Watcher) Start() error {
	if w.src.FilePath == "" {
		return fmt.Errorf("no config file to watch")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(filepath.Clean(w.src.FilePath))); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", w.src.FilePath, err)
	}
	w.watcher = fw

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop stops watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.watcher == nil {
		return
	}
	close(w.done)
	w.watcher.Close()
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	target := filepath.Clean(w.src.FilePath)
	var pending <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.onError(err)
		case <-pending:
			pending = nil
			cfg, err := Load(w.src)
			if err != nil {
				w.onError(fmt.Errorf("reload config: %w", err))
				continue
			}
			w.onChange(cfg)
		}
	}
}
