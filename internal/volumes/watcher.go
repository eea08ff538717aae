package volumes

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/shelfarr/Shelfarr/internal/logger"
)

// debounceDelay coalesces the burst of filesystem events a mount or unmount
// typically produces into a single callback.
const debounceDelay = 2 * time.Second

// MountWatcher watches the parent directories of registered mount roots and
// fires a callback when a root appears or disappears, so reachability sweeps
// can react faster than the periodic check interval.
type MountWatcher struct {
	watcher  *fsnotify.Watcher
	onChange func(mountRoot string)

	mu      sync.Mutex
	roots   map[string]struct{}          // watched mount roots
	parents map[string]int               // refcount per watched parent dir
	timers  map[string]*time.Timer       // pending debounced callbacks per root
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewMountWatcher creates a watcher that invokes onChange with the affected
// mount root. Call Start to begin delivering events and Stop to shut down.
func NewMountWatcher(onChange func(mountRoot string)) (*MountWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	return &MountWatcher{
		watcher:  fsw,
		onChange: onChange,
		roots:    make(map[string]struct{}),
		parents:  make(map[string]int),
		timers:   make(map[string]*time.Timer),
		stop:     make(chan struct{}),
	}, nil
}

// Watch adds a mount root. The parent directory is what gets watched: the
// root itself vanishes on unmount and would take its watch with it.
func (w *MountWatcher) Watch(mountRoot string) error {
	parent := filepath.Dir(mountRoot)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.roots[mountRoot]; ok {
		return nil
	}
	if w.parents[parent] == 0 {
		if err := w.watcher.Add(parent); err != nil {
			return fmt.Errorf("failed to watch %s: %w", parent, err)
		}
	}
	w.parents[parent]++
	w.roots[mountRoot] = struct{}{}
	logger.Debugf("Watching %s for mount changes at %s", parent, mountRoot)
	return nil
}

// Start begins delivering debounced change callbacks.
func (w *MountWatcher) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.stop:
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
				logger.Warnf("Mount watcher error: %v", err)
			}
		}
	}()
}

func (w *MountWatcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	name := filepath.Clean(event.Name)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.roots[name]; !ok {
		return
	}

	// Reset the pending timer so event bursts collapse to one callback.
	if t, ok := w.timers[name]; ok {
		t.Stop()
	}
	w.timers[name] = time.AfterFunc(debounceDelay, func() {
		logger.Debugf("Mount change detected at %s", name)
		w.onChange(name)
	})
}

// Stop shuts the watcher down and cancels any pending callbacks.
func (w *MountWatcher) Stop() {
	close(w.stop)
	w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.timers {
		t.Stop()
	}
}
