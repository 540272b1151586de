package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 750 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands the
// freshly loaded config to onChange. Parse errors keep the previous config.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	lastHash string

	mu       sync.Mutex
	timer    *time.Timer
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher creates a watcher for path. current is the config already in
// use; reloads that hash the same are skipped.
func NewWatcher(path string, current *Config, onChange func(*Config)) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path required")
	}
	path = ExpandHome(path)
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: defaultWatchDebounce,
		onChange: onChange,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	if current != nil {
		w.lastHash = current.Hash()
	}
	return w, nil
}

// SetDebounce overrides the reload debounce window.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Start begins watching. The watcher stops when ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	// Editors replace files via rename, so watch the directory.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("config watch %s: %w", filepath.Dir(w.path), err)
	}

	w.mu.Lock()
	w.watcher = fsw
	w.mu.Unlock()

	go w.watchLoop(fsw)
	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.stopCh:
		}
	}()
	slog.Info("config watch started", "path", w.path)
	return nil
}

// Stop terminates the watcher and waits for its loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		fsw := w.watcher
		w.watcher = nil
		w.mu.Unlock()
		if fsw != nil {
			_ = fsw.Close()
			<-w.done
		}
	})
}

func (w *Watcher) watchLoop(fsw *fsnotify.Watcher) {
	defer close(w.done)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !w.matches(event) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) matches(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stopCh:
		return
	default:
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.stopCh:
		return
	default:
	}
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("config reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		slog.Warn("config reload rejected", "path", w.path, "error", err)
		return
	}

	hash := cfg.Hash()
	w.mu.Lock()
	same := hash == w.lastHash
	w.lastHash = hash
	w.mu.Unlock()
	if same {
		return
	}

	slog.Info("config reloaded", "path", w.path, "hash", hash)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
