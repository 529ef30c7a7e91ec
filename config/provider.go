package config

import (
	"sync"

	"github.com/pkg/errors"
)

// Provider supplies the configuration and reports later changes to it.
type Provider interface {
	// Load returns the current configuration
	Load() (*Config, error)

	// Watch starts reporting changes to fn until Close
	Watch(fn ChangeFunc) error

	// Close stops watching
	Close() error
}

// FileProvider loads the configuration from a file and watches that file.
// Without an explicit path it uses the first file found in the loader's
// search paths; when there is none it serves defaults plus environment
// overrides and cannot watch.
type FileProvider struct {
	loader *Loader
	path   string

	mu      sync.Mutex
	config  *Config
	watcher *Watcher
}

// NewFileProvider creates a provider for path. A nil loader selects
// NewLoader.
func NewFileProvider(path string, loader *Loader) (*FileProvider, error) {
	if loader == nil {
		loader = NewLoader()
	}
	if path == "" {
		found, err := loader.findConfigFile()
		if err != nil && err != ErrConfigFileNotFound {
			return nil, err
		}
		path = found
	} else if _, err := FormatOf(path); err != nil {
		return nil, err
	}
	return &FileProvider{loader: loader, path: path}, nil
}

// Path returns the file the provider reads, empty when there is none.
func (fp *FileProvider) Path() string {
	return fp.path
}

// Load returns the configuration, reading it on first use. While watching
// it returns the latest reload.
func (fp *FileProvider) Load() (*Config, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if fp.watcher != nil {
		return fp.watcher.Current(), nil
	}
	if fp.config != nil {
		return fp.config, nil
	}
	config, err := fp.loader.Load(fp.path)
	if err != nil {
		return nil, err
	}
	fp.config = config
	return config, nil
}

// Watch reloads the file on change and passes the differences to fn.
func (fp *FileProvider) Watch(fn ChangeFunc) error {
	if fp.path == "" {
		return errors.Wrap(ErrConfigFileNotFound, "nothing to watch")
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if fp.watcher != nil {
		return errors.Errorf("already watching %s", fp.path)
	}

	watcher, err := NewWatcher(fp.path, fp.loader)
	if err != nil {
		return err
	}
	watcher.OnChange(fn)
	if err := watcher.Start(); err != nil {
		watcher.Stop()
		return err
	}
	fp.watcher = watcher

	// The file may have changed since Load.
	if fp.config != nil {
		if changes := Diff(fp.config, watcher.Current()); len(changes) > 0 {
			watcher.notify(fn, fp.config, watcher.Current(), changes)
		}
	}
	log.Debugf("watching %s", fp.path)
	return nil
}

// Close stops watching. The provider keeps serving the last configuration.
func (fp *FileProvider) Close() error {
	fp.mu.Lock()
	watcher := fp.watcher
	if watcher != nil {
		fp.config = watcher.Current()
		fp.watcher = nil
	}
	fp.mu.Unlock()

	if watcher == nil {
		return nil
	}
	return watcher.Stop()
}
