// Package hotreload reapplies files when they change on disk.
package hotreload

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader applies the new contents of path.
type Reloader func(path string) error

// Watcher watches individual files and calls their Reloader once writes
// settle. Parent directories are watched so editors that save by rename are
// picked up.
type Watcher struct {
	debounce time.Duration
	onReload func(path string, err error)

	mu      sync.Mutex
	files   map[string]Reloader
	watcher *fsnotify.Watcher
	running atomic.Bool
	done    chan struct{}

	statsMu sync.RWMutex
	stats   Stats
}

// Stats counts reload attempts.
type Stats struct {
	ReloadsTotal  int64     `json:"reloads_total"`
	ReloadsFailed int64     `json:"reloads_failed"`
	LastReload    time.Time `json:"last_reload,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

type Config struct {
	// Debounce is how long a file must stay quiet before it is reloaded.
	Debounce time.Duration
	// OnReload, if set, is called after every reload attempt.
	OnReload func(path string, err error)
}

func New(cfg Config) *Watcher {
	debounce := cfg.Debounce
	if debounce == 0 {
		debounce = 100 * time.Millisecond
	}
	return &Watcher{
		debounce: debounce,
		onReload: cfg.OnReload,
		files:    make(map[string]Reloader),
	}
}

// Add registers fn for path. Files must be added before Start.
func (w *Watcher) Add(path string, fn Reloader) error {
	if path == "" || fn == nil {
		return fmt.Errorf("path and reloader are required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running.Load() {
		return fmt.Errorf("watcher already running")
	}
	w.files[abs] = fn
	return nil
}

// Len reports how many files are registered.
func (w *Watcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.files)
}

// Start watches the registered files until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher already running")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.mu.Lock()
	dirs := make(map[string]bool)
	for path := range w.files {
		dirs[filepath.Dir(path)] = true
	}
	w.mu.Unlock()
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			w.running.Store(false)
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	w.watcher = fw
	w.done = make(chan struct{})
	go w.processEvents(ctx)
	return nil
}

// Stop closes the underlying watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(max(w.debounce/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name := filepath.Clean(event.Name)
			if w.reloaderFor(name) != nil {
				pending[name] = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.recordError(fmt.Sprintf("watcher error: %v", err))

		case <-ticker.C:
			now := time.Now()
			for path, last := range pending {
				if now.Sub(last) >= w.debounce {
					delete(pending, path)
					w.reload(path)
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) reloaderFor(path string) Reloader {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.files[path]
}

func (w *Watcher) reload(path string) {
	fn := w.reloaderFor(path)
	if fn == nil {
		return
	}
	w.statsMu.Lock()
	w.stats.ReloadsTotal++
	w.statsMu.Unlock()

	err := fn(path)
	if err != nil {
		w.recordError(fmt.Sprintf("reload %s: %v", path, err))
	} else {
		w.statsMu.Lock()
		w.stats.LastReload = time.Now()
		w.statsMu.Unlock()
	}
	if w.onReload != nil {
		w.onReload(path, err)
	}
}

func (w *Watcher) recordError(msg string) {
	w.statsMu.Lock()
	w.stats.ReloadsFailed++
	w.stats.LastError = msg
	w.statsMu.Unlock()
}

// Stats returns a snapshot of the reload counters.
func (w *Watcher) Stats() Stats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.stats
}
