package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("isoheap.config")

// DefaultDebounce is how long the watcher waits after the last write to
// the file before reloading it.
const DefaultDebounce = 500 * time.Millisecond

// ChangeFunc is called after a reload that changed at least one setting.
type ChangeFunc func(oldConfig, newConfig *Config, changes []Change)

// Watcher reloads one configuration file when it changes on disk and hands
// the settings that differ to its change handlers, in registration order.
type Watcher struct {
	path     string
	format   ConfigFormat
	loader   *Loader
	debounce time.Duration

	mu       sync.RWMutex
	current  *Config
	handlers []ChangeFunc

	// reloadMu serializes reloads so handlers see changes in file order.
	reloadMu sync.Mutex

	fs       *fsnotify.Watcher
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher loads path once and prepares to watch it.
func NewWatcher(path string, loader *Loader) (*Watcher, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	if loader == nil {
		loader = NewLoader()
	}

	path = filepath.Clean(path)
	current, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create file system watcher")
	}

	return &Watcher{
		path:     path,
		format:   format,
		loader:   loader,
		debounce: DefaultDebounce,
		current:  current,
		fs:       fs,
		quit:     make(chan struct{}),
	}, nil
}

// SetDebounce changes the reload delay. It must be called before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d <= 0 {
		d = DefaultDebounce
	}
	w.debounce = d
}

// Path returns the watched file.
func (w *Watcher) Path() string {
	return w.path
}

// Format returns the format of the watched file.
func (w *Watcher) Format() ConfigFormat {
	return w.format
}

// Current returns the configuration most recently loaded.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers fn for later reloads.
func (w *Watcher) OnChange(fn ChangeFunc) {
	w.mu.Lock()
	w.handlers = append(w.handlers, fn)
	w.mu.Unlock()
}

// Start watches the file's directory, so editors that replace the file
// are still seen.
func (w *Watcher) Start() error {
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return errors.Wrapf(err, "watch %s", w.path)
	}
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop ends watching. It is safe to call more than once and without Start.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.quit)
		err = w.fs.Close()
		w.wg.Wait()
	})
	return err
}

// Reload reads the file again. When settings differ from the current
// configuration it swaps it in and runs the change handlers; an unchanged
// file is a no-op. A file that fails to load or validate leaves the
// current configuration in place.
func (w *Watcher) Reload() error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	next, err := w.loader.LoadFromFile(w.path)
	if err != nil {
		return errors.Wrapf(err, "reload %s", w.path)
	}

	w.mu.Lock()
	prev := w.current
	changes := Diff(prev, next)
	if len(changes) == 0 {
		w.mu.Unlock()
		log.Debugf("%s reloaded, nothing changed", w.path)
		return nil
	}
	w.current = next
	handlers := append([]ChangeFunc(nil), w.handlers...)
	w.mu.Unlock()

	for _, c := range changes {
		if c.Live {
			log.Infof("%s", c)
		} else {
			log.Warningf("%s (applies after restart)", c)
		}
	}
	for _, fn := range handlers {
		w.notify(fn, prev, next, changes)
	}
	return nil
}

func (w *Watcher) notify(fn ChangeFunc, prev, next *Config, changes []Change) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("config change handler panicked: %v", r)
		}
	}()
	fn(prev, next, changes)
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.quit:
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			switch {
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
				timer.Reset(w.debounce)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				log.Warningf("%s was removed or renamed", w.path)
			}

		case <-timer.C:
			if err := w.Reload(); err != nil {
				log.Errorf("%v", err)
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Errorf("watch %s: %v", w.path, err)
		}
	}
}
