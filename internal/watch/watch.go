// Package watch observes the tasks and sessions directories and marks
// the sync engine dirty when their content changes from outside the
// run path.
package watch

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/runforge/runforge/pkg/logging"
	"github.com/runforge/runforge/pkg/models"
)

// Scheduler receives change notifications; the sync engine satisfies it
type Scheduler interface {
	Schedule(trigger models.SyncTrigger)
}

// Watcher feeds directory changes into the sync engine
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	scheduler Scheduler
	logger    *logging.Logger
	done      chan struct{}
	closeOnce sync.Once

	debounceMu sync.Mutex
	debounce   map[string]*time.Timer
}

// New creates a watcher over the given directories
func New(scheduler Scheduler, logger *logging.Logger, dirs ...string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fs watcher: %w", err)
	}
	w := &Watcher{
		fsWatcher: fsWatcher,
		scheduler: scheduler,
		logger:    logger.WithField("component", "watch"),
		done:      make(chan struct{}),
		debounce:  make(map[string]*time.Timer),
	}
	for _, dir := range dirs {
		if err := fsWatcher.Add(dir); err != nil {
			// A dir may not exist yet; the rest stay watched
			w.logger.Warn("failed to watch directory", map[string]interface{}{
				"dir": dir, "error": err.Error(),
			})
		}
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	// Rename matters: atomic writes (tmp then rename) surface as a
	// rename on the target
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
		return
	}
	// One trigger per path per burst; editors write in flurries
	w.debounceMu.Lock()
	if timer, ok := w.debounce[event.Name]; ok {
		timer.Stop()
	}
	w.debounce[event.Name] = time.AfterFunc(100*time.Millisecond, func() {
		w.debounceMu.Lock()
		delete(w.debounce, event.Name)
		w.debounceMu.Unlock()

		w.logger.Debug("config change detected", map[string]interface{}{"path": event.Name})
		w.scheduler.Schedule(models.TriggerConfigChange)
	})
	w.debounceMu.Unlock()
}
