package cache

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher provides opt-in advisory cache invalidation driven by filesystem
// events. It is advisory only: caches stay correct without it because keys
// embed mtimes and content hashes; the watcher just tightens freshness.
type Watcher struct {
	fs       *fsnotify.Watcher
	logger   *slog.Logger
	onChange func(path string)
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher watches roots recursively (one level of registration per
// directory; fsnotify is non-recursive) and calls onChange with changed
// paths after a short debounce window.
func NewWatcher(roots []string, onChange func(path string), logger *slog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, root := range roots {
		if err := fs.Add(root); err != nil {
			logger.Warn("failed to watch root", "path", root, "error", err.Error())
		}
	}

	return &Watcher{
		fs:       fs,
		logger:   logger,
		onChange: onChange,
		debounce: 500 * time.Millisecond,
		pending:  map[string]struct{}{},
		done:     make(chan struct{}),
	}, nil
}

// Start begins delivering change notifications.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Close stops the watcher and releases the underlying resources.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ignored(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.mu.Lock()
				w.pending[event.Name] = struct{}{}
				w.mu.Unlock()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err.Error())
		case <-ticker.C:
			w.flush()
		case <-w.done:
			w.flush()
			return
		}
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = map[string]struct{}{}
	w.mu.Unlock()

	for path := range batch {
		w.onChange(path)
	}
}

func ignored(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") && base != "." {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		switch part {
		case ".git", "node_modules", "target", "vendor":
			return true
		}
	}
	return false
}
