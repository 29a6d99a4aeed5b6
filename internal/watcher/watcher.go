// Package watcher triggers callbacks when a single file is created, written, renamed or removed.
package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce coalesces bursts of events (editors often write a file in several steps).
const DefaultDebounce = 250 * time.Millisecond

// Watcher watches one file through its parent directory, so the file may be
// created, replaced or deleted while the watch stays valid.
type Watcher struct {
	fsw      *fsnotify.Watcher
	onChange func()
	stopCh   chan struct{}
	doneCh   chan struct{}
	path     string
	name     string
	debounce time.Duration
	mu       sync.Mutex
	running  bool
}

// New creates a watcher for path. onChange runs on the watcher goroutine after each debounced change.
func New(path string, onChange func()) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("watcher: onChange is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsw:      fsw,
		onChange: onChange,
		path:     abs,
		name:     filepath.Base(abs),
		debounce: DefaultDebounce,
	}, nil
}

// SetDebounce changes the debounce window. It must be called before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Path returns the watched file.
func (w *Watcher) Path() string { return w.path }

// Start begins watching. The parent directory is created if missing.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	if err := w.fsw.Add(dir); err != nil {
		return err
	}

	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true
	go w.loop(w.debounce)
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.fsw.Close()
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()

	err := w.fsw.Close()
	<-done
	return err
}

func (w *Watcher) loop(debounce time.Duration) {
	defer close(w.doneCh)

	var (
		timer  *time.Timer
		fireCh <-chan time.Time
	)

	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != w.name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fireCh = timer.C

		case <-fireCh:
			fireCh = nil
			log.Debug().Str("path", w.path).Msg("Watched file changed")
			w.onChange()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", w.path).Msg("File watcher error")
		}
	}
}
