package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// QuarantineFile is the device quarantine list inside the config directory.
const QuarantineFile = "quarantine.yaml"

// DebounceDelay is how long a path must stay quiet after its last write or
// create event before its callback fires. One save usually produces several
// events, and a batch file being copied in fires on every chunk.
const DebounceDelay = 250 * time.Millisecond

// WatchTargets holds callbacks that fire when watched files change.
type WatchTargets struct {
	// OnQuarantineChange fires when quarantine.yaml is written or created.
	// This is what makes `ledger device quarantine` take effect in a running
	// server: the CLI writes the file, the watcher fires, and the server
	// reloads its quarantine list.
	OnQuarantineChange func()

	// OnInboxFile fires with the full path of every file written or created
	// in the inbox directory.
	OnInboxFile func(path string)
}

// Watcher monitors the config directory and, optionally, the inbox
// directory using fsnotify. Events are debounced per path.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	inboxDir  string
	delay     time.Duration
	done      chan struct{}

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a file watcher on configDir and, if inboxDir is not
// empty, on inboxDir.
func NewWatcher(configDir, inboxDir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	dirs := []string{configDir}
	if inboxDir != "" {
		dirs = append(dirs, inboxDir)
	}
	for _, dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watching directory %s: %w", dir, err)
		}
	}

	w := &Watcher{
		fsWatcher: fw,
		inboxDir:  filepath.Clean(inboxDir),
		delay:     DebounceDelay,
		done:      make(chan struct{}),
		pending:   make(map[string]*time.Timer),
	}

	go w.processEvents(targets)

	slog.Info("file watcher started", "dirs", dirs)
	return w, nil
}

// processEvents reads fsnotify events and dispatches to the appropriate
// callback. Runs in a background goroutine until Close() is called.
func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Removes and renames away are not changes we act on.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			path := event.Name
			if w.inboxDir != "." && filepath.Dir(path) == w.inboxDir {
				if targets.OnInboxFile != nil {
					w.debounce(path, func() { targets.OnInboxFile(path) })
				}
				continue
			}
			if filepath.Base(path) == QuarantineFile && targets.OnQuarantineChange != nil {
				w.debounce(path, func() {
					slog.Info("quarantine.yaml changed, triggering reload")
					targets.OnQuarantineChange()
				})
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// debounce schedules fn for path, pushing back any call still pending for
// the same path.
func (w *Watcher) debounce(path string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		if w.pending[path] != t {
			w.mu.Unlock()
			return
		}
		delete(w.pending, path)
		w.mu.Unlock()

		select {
		case <-w.done:
		default:
			fn()
		}
	})
	w.pending[path] = t
}

// Close stops the file watcher goroutine, drops pending callbacks and
// releases the underlying fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}

	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	return w.fsWatcher.Close()
}
