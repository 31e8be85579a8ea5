package drafts

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of draft file operation.
type EventOp int

const (
	// OpCreate indicates a new draft file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing draft file was modified.
	OpModify
	// OpDelete indicates a draft file was deleted.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event represents a file system event in the drafts directory.
type Event struct {
	// Path is the absolute path to the draft file that changed.
	Path string

	// RelPath is the path relative to the drafts directory; it matches
	// the repository path the content will be written to.
	RelPath string

	// Op is the operation that occurred.
	Op EventOp
}

// Watcher watches the local drafts directory for edits. It feeds the
// auto-persist scheduler: every create or modify under the directory
// becomes a scheduled save.
type Watcher struct {
	watcher *fsnotify.Watcher
	events  chan Event
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dir     string
}

// NewWatcher creates a new drafts Watcher. The watcher must be started
// with Start() before it will emit events.
func NewWatcher() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		watcher: fsw,
		events:  make(chan Event, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the drafts directory for *.json changes.
func (w *Watcher) Start(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve drafts directory: %w", err)
	}
	w.dir = abs

	if err := w.watcher.Add(abs); err != nil {
		return fmt.Errorf("failed to watch drafts directory %s: %w", abs, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops the watcher and cleans up. It blocks until the event
// processing goroutine has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the channel that emits draft change notifications.
// This channel is closed when the watcher is stopped.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if draftEvent, ok := w.convertEvent(event); ok {
				select {
				case w.events <- draftEvent:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent converts an fsnotify event to a draft Event. Returns
// false for events outside the watched set (non-JSON files, chmod).
func (w *Watcher) convertEvent(event fsnotify.Event) (Event, bool) {
	if !strings.HasSuffix(event.Name, ".json") {
		return Event{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove):
		op = OpDelete
	case event.Has(fsnotify.Rename):
		// A rename away is a delete; the new name triggers its own create.
		op = OpDelete
	default:
		return Event{}, false
	}

	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return Event{}, false
	}
	rel, err := filepath.Rel(w.dir, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return Event{}, false
	}

	return Event{
		Path:    abs,
		RelPath: filepath.ToSlash(rel),
		Op:      op,
	}, true
}
