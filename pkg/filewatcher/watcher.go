// Package filewatcher reports changes to individual files such as the
// gateway token file. Files are watched through their parent directory so
// that editors and secret mounts replacing the file by rename are seen.
package filewatcher

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lightforgemedia/go-dopclient/pkg/config"
)

const defaultDebounce = 300 * time.Millisecond

// ErrNoFiles is returned by New when no file is given.
var ErrNoFiles = errors.New("filewatcher: no files to watch")

// FileWatcher watches a set of files for changes
type FileWatcher struct {
	watcher     *fsnotify.Watcher
	files       map[string]bool
	logger      *slog.Logger
	callbacks   []func(string)
	callbacksMu sync.RWMutex
	debounce    time.Duration
	changes     map[string]time.Time
	changesMu   sync.Mutex
	done        chan struct{}
	stopOnce    sync.Once
}

// New creates a FileWatcher for files.
func New(files []string, opts ...Option) (*FileWatcher, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	fw := &FileWatcher{
		watcher:  watcher,
		files:    make(map[string]bool, len(files)),
		logger:   slog.Default(),
		debounce: defaultDebounce,
		changes:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			watcher.Close()
			return nil, fmt.Errorf("filewatcher: %s: %w", f, err)
		}
		fw.files[abs] = true
	}

	for _, opt := range opts {
		opt(fw)
	}
	return fw, nil
}

// AddCallback adds a callback called with the absolute path of a changed
// file.
func (fw *FileWatcher) AddCallback(callback func(string)) {
	fw.callbacksMu.Lock()
	defer fw.callbacksMu.Unlock()
	fw.callbacks = append(fw.callbacks, callback)
}

// Start watches the parent directories and begins delivering changes.
func (fw *FileWatcher) Start() error {
	dirs := make(map[string]bool)
	for f := range fw.files {
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		fw.logger.Info(fmt.Sprintf("FileWatcher: watching %s", dir))
		if err := fw.watcher.Add(dir); err != nil {
			return err
		}
	}

	go fw.watchLoop()
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		close(fw.done)
		err = fw.watcher.Close()
	})
	return err
}

func (fw *FileWatcher) watchLoop() {
	ticker := time.NewTicker(fw.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-fw.done:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || !fw.files[name] {
				continue
			}
			fw.changesMu.Lock()
			fw.changes[name] = time.Now()
			fw.changesMu.Unlock()
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error(fmt.Sprintf("FileWatcher: %v", err))
		case <-ticker.C:
			fw.processChanges()
		}
	}
}

// processChanges notifies files that have been quiet for the debounce
// period.
func (fw *FileWatcher) processChanges() {
	fw.changesMu.Lock()
	var ready []string
	now := time.Now()
	for file, changeTime := range fw.changes {
		if now.Sub(changeTime) >= fw.debounce {
			ready = append(ready, file)
			delete(fw.changes, file)
		}
	}
	fw.changesMu.Unlock()

	for _, file := range ready {
		fw.logger.Debug(fmt.Sprintf("FileWatcher: %s changed", file))
		fw.notifyCallbacks(file)
	}
}

func (fw *FileWatcher) notifyCallbacks(file string) {
	fw.callbacksMu.RLock()
	defer fw.callbacksMu.RUnlock()

	for _, callback := range fw.callbacks {
		callback(file)
	}
}

// WatchToken watches a token file and calls apply with the new token
// whenever its trimmed content changes. initial is the token already in
// use. Empty or unreadable files are logged and skipped.
func WatchToken(path, initial string, apply func(string), opts ...Option) (*FileWatcher, error) {
	fw, err := New([]string{path}, opts...)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	current := initial
	fw.AddCallback(func(file string) {
		token, err := config.ReadTokenFile(file)
		if err != nil {
			fw.logger.Warn(fmt.Sprintf("FileWatcher: %v", err))
			return
		}
		if token == "" {
			fw.logger.Warn(fmt.Sprintf("FileWatcher: %s is empty, keeping the current token", file))
			return
		}
		mu.Lock()
		changed := token != current
		current = token
		mu.Unlock()
		if changed {
			apply(token)
		}
	})

	if err := fw.Start(); err != nil {
		fw.Stop()
		return nil, err
	}
	return fw, nil
}
