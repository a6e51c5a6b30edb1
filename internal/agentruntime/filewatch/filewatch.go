// Package filewatch watches a directory of on-disk agent session log files
// and emits file-activity events for the External Session Tracker,
// debounced the way the teacher's workspace tracker coalesces rapid writes.
package filewatch

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kandev/sessionsup/internal/common/logger"
	"github.com/kandev/sessionsup/internal/core/eventbus"
)

const defaultDebounce = 300 * time.Millisecond

// SessionIDFromPath extracts a session id from a log file's base name
// (minus its extension). Session logs are named "<sessionID>.jsonl".
func SessionIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Watcher watches dir for writes to session log files and publishes
// eventbus.KindFileActivity events, debounced per session.
type Watcher struct {
	dir       string
	projectID string
	bus       eventbus.Bus
	log       *logger.Logger
	debounce  time.Duration

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	timers  map[string]*time.Timer
	closeCh chan struct{}
}

// New creates a Watcher over dir. It does not start watching until Start is called.
func New(bus eventbus.Bus, dir, projectID string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		dir:       dir,
		projectID: projectID,
		bus:       bus,
		log:       logger.Default(),
		debounce:  defaultDebounce,
		watcher:   fw,
		timers:    make(map[string]*time.Timer),
		closeCh:   make(chan struct{}),
	}, nil
}

// Start begins watching dir and runs the event loop until Close is called.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	go w.loop()
	return nil
}

// Close stops watching and releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	close(w.closeCh)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.closeCh:
			return
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleEmit(evt.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("filewatch: watcher error")
		}
	}
}

// scheduleEmit debounces rapid writes to the same session file: each write
// resets a per-session timer, and the event fires only once activity settles.
func (w *Watcher) scheduleEmit(path string) {
	sessionID := SessionIDFromPath(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[sessionID]; ok {
		t.Stop()
	}
	w.timers[sessionID] = time.AfterFunc(w.debounce, func() {
		w.bus.Publish(eventbus.KindFileActivity, eventbus.FileActivity{
			SessionID: sessionID,
			ProjectID: w.projectID,
			Timestamp: time.Now(),
		})
	})
}
