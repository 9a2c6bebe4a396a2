package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback is invoked with the watched path when its mtime changes.
type ChangeCallback func(path string)

// Watcher detects changes to the configuration file by polling its
// last-modified time. Filesystem events, when available, only bring the next
// poll forward; the periodic check is the correctness backstop (editors that
// replace the file by rename, and watch descriptors that silently die, both
// defeat a purely event-driven watcher).
type Watcher struct {
	path     string
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	lastMtime time.Time
}

// Option tunes a Watcher.
type Option func(*Watcher)

// WithInterval sets the poll interval. The default is 1 second.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

func NewWatcher(path string, opts ...Option) *Watcher {
	w := &Watcher{
		path:     path,
		interval: time.Second,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	w.lastMtime = fileMtime(path)
	return w
}

// Start begins watching and invokes callback on each observed change.
// Idempotent: a second Start while running is a no-op.
func (w *Watcher) Start(callback ChangeCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		w.logger.Warn("config watcher already running", "path", w.path)
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})

	// Watch the directory, not the file: rename-replace keeps events coming.
	var events chan fsnotify.Event
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		if err := fsw.Add(filepath.Dir(w.path)); err != nil {
			w.logger.Warn("config watcher: fsnotify unavailable, polling only", "error", err)
			_ = fsw.Close()
			fsw = nil
		} else {
			events = fsw.Events
		}
	} else {
		w.logger.Warn("config watcher: fsnotify unavailable, polling only", "error", err)
		fsw = nil
	}

	w.wg.Add(1)
	go w.watch(callback, fsw, events)
	w.logger.Info("config watcher started", "path", w.path, "interval", w.interval)
}

// Stop signals the watcher and joins it. Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("config watcher stopped", "path", w.path)
}

func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) watch(callback ChangeCallback, fsw *fsnotify.Watcher, events chan fsnotify.Event) {
	defer w.wg.Done()
	if fsw != nil {
		defer func() { _ = fsw.Close() }()
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.check(callback)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name == w.path && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.check(callback)
			}
		}
	}
}

// check compares the current mtime against the remembered one. A zero mtime
// (stat failure, file briefly absent during rename-replace) is skipped
// without updating the remembered value.
func (w *Watcher) check(callback ChangeCallback) {
	mtime := fileMtime(w.path)
	if mtime.IsZero() || mtime.Equal(w.lastMtime) {
		return
	}
	w.lastMtime = mtime
	w.logger.Info("config file changed", "path", w.path)
	w.invoke(callback)
}

// invoke contains callback panics so the watcher keeps running.
func (w *Watcher) invoke(callback ChangeCallback) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("config change callback panicked", "path", w.path, "panic", r)
		}
	}()
	callback(w.path)
}

func fileMtime(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}
