// Package watcher reacts to filesystem write events on transcript
// files, replacing polling for interrupt and sub-agent detection.
package watcher

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher observes one transcript file and invokes a callback after
// write events, debounced so a burst of appends triggers one parse.
type Watcher struct {
	path     string
	debounce time.Duration
	onWrite  func()
	log      zerolog.Logger

	fw        *fsnotify.Watcher
	started   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates a watcher for path. The parent directory is watched
// rather than the file itself so truncate-and-recreate is still seen.
func New(path string, debounce time.Duration, logger zerolog.Logger, onWrite func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	return &Watcher{
		path:     path,
		debounce: debounce,
		onWrite:  onWrite,
		log:      logger.With().Str("component", "watcher").Str("path", path).Logger(),
		fw:       fw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins delivering callbacks in a background goroutine. Calling
// it more than once is a no-op.
func (w *Watcher) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-fire:
			timer = nil
			fire = nil
			w.onWrite()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

// Close cancels the watch and joins the goroutine, if one was started.
// The underlying descriptor is closed exactly once; repeated calls are
// no-ops that return the first result.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.stopCh)
		w.closeErr = w.fw.Close()
		if w.started.Load() {
			<-w.doneCh
		}
	})
	return w.closeErr
}
