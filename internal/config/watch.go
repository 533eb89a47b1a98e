package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/trickstertwo/xlog"
)

// Watcher calls onChange after the config file is written, created or
// replaced. Bursts of events within the debounce window collapse into one call.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func()
	logger   *xlog.Logger

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	wg        sync.WaitGroup

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewWatcher watches the directory of path, so editors that save by rename
// are still observed.
func NewWatcher(path string, debounce time.Duration, logger *xlog.Logger, onChange func()) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	if logger == nil {
		logger = xlog.Default()
	}
	w := &Watcher{
		path:      abs,
		debounce:  debounce,
		onChange:  onChange,
		logger:    logger,
		fsWatcher: fsw,
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Str("path", w.path).Msg("config watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
		default:
			w.onChange()
		}
	})
}

// Stop ends watching. Pending debounced calls are dropped.
func (w *Watcher) Stop() {
	close(w.done)
	_ = w.fsWatcher.Close()
	w.wg.Wait()
	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()
}
