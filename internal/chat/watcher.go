package chat

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"llamaterm/internal/logging"
)

// StoreWatcher follows the chat and prompt directories for documents that
// change behind the engine's back (another process, a sync tool, a manual
// edit). Events are debounced per path so a burst of writes to one file
// coalesces into a single refresh, then handed to the dispatcher; the
// watcher goroutine never touches entity state itself.
type StoreWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	manager     *Manager
	chatDir     string
	promptDir   string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewStoreWatcher creates a watcher over the manager's storage directories.
// A non-positive debounce falls back to 500ms.
func NewStoreWatcher(m *Manager, debounce time.Duration) (*StoreWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &StoreWatcher{
		watcher:     watcher,
		manager:     m,
		chatDir:     m.d.Chats.Dir(),
		promptDir:   m.d.Prompts.Dir(),
		debounceMap: make(map[string]time.Time),
		debounceDur: debounce,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching both directories. Non-blocking; idempotent.
func (w *StoreWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	for _, dir := range []string{w.chatDir, w.promptDir} {
		if err := w.watcher.Add(dir); err != nil {
			logging.Watch("failed to watch %s: %v", dir, err)
			continue
		}
		logging.Watch("watching %s", dir)
	}

	go w.run(ctx)
	return nil
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *StoreWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	w.watcher.Close()
	logging.Watch("store watcher stopped")
}

func (w *StoreWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	// The ticker sweeps the debounce map; actual settling time is
	// debounceDur from the last event on a path.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Watch("watcher error: %v", err)
		case <-ticker.C:
			w.processSettled()
		}
	}
}

func (w *StoreWatcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".json") {
		return
	}

	switch {
	case event.Op&fsnotify.Create != 0:
	case event.Op&fsnotify.Write != 0:
	case event.Op&fsnotify.Remove != 0:
	case event.Op&fsnotify.Rename != 0:
	default:
		// chmod and friends carry no content change
		return
	}

	logging.WatchDebug("%s on %s", event.Op, event.Name)
	w.mu.Lock()
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

// processSettled posts a reconcile request for every path whose last event
// is older than the debounce window.
func (w *StoreWatcher) processSettled() {
	now := time.Now()

	w.mu.Lock()
	var settled []string
	for path, last := range w.debounceMap {
		if now.Sub(last) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		w.refresh(path)
	}
}

// refresh reads the settled document on the watcher goroutine and ships the
// bytes to the dispatcher, so parsing and registry changes happen where all
// other entity mutation does.
func (w *StoreWatcher) refresh(path string) {
	id := strings.TrimSuffix(filepath.Base(path), ".json")
	var prompt bool
	switch filepath.Dir(path) {
	case w.chatDir:
	case w.promptDir:
		prompt = true
	default:
		return
	}

	data, err := os.ReadFile(path)
	missing := false
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logging.WatchDebug("failed to read %s: %v", path, err)
			return
		}
		missing = true
	}
	w.manager.d.Bus.Post(w.manager, &storeChanged{ID: id, Prompt: prompt, Data: data, Missing: missing})
}
