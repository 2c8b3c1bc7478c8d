package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives a freshly loaded config after the file changed.
type ReloadFunc func(next *Config)

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	config   *Config
	path     string
	watcher  *fsnotify.Watcher
	onReload ReloadFunc

	// Debouncing
	timer         *time.Timer
	debounceMu    sync.Mutex
	debounceDelay time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for cfg.Path.
func NewWatcher(cfg *Config, onReload ReloadFunc) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		config:        cfg,
		path:          cfg.Path,
		watcher:       watcher,
		onReload:      onReload,
		debounceDelay: 100 * time.Millisecond,
		done:          make(chan struct{}),
	}, nil
}

// Start begins watching. The directory is watched rather than the file so
// editors that replace the file by rename are noticed.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.eventLoop()
	w.config.Log(1, "ConfigWatcher: watching %s for changes", w.path)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.debounceMu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.debounceMu.Unlock()
		err = w.watcher.Close()
	})
	return err
}

// eventLoop processes file system events.
func (w *Watcher) eventLoop() {
	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Log(0, "ConfigWatcher: watcher error: %v", err)
		}
	}
}

// schedule (re)starts the debounce timer.
func (w *Watcher) schedule() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}
	next, err := LoadFile(w.path)
	if err == nil {
		err = next.Validate()
	}
	if err != nil {
		w.config.Log(0, "ConfigWatcher: keeping previous config, reload of %s failed: %v", w.path, err)
		return
	}
	next.logger = w.config.logger
	next.Logging.Verbosity = w.config.Logging.Verbosity
	w.config.Log(0, "ConfigWatcher: reloaded %s", w.path)
	w.onReload(next)
}
