// Package monitor watches the frozen corpora tree for out-of-band
// modification. The passport already makes tampering detectable after
// the fact; the watcher surfaces it the moment it happens.
package monitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verifyd/internal/faults"
)

// TamperEvent is a single observed mutation under a locked corpus.
type TamperEvent struct {
	// PassportID is the corpus the mutated path belongs to.
	PassportID string

	// Path is the absolute path that changed.
	Path string

	// Op describes the mutation (write, remove, rename, chmod).
	Op string

	// Timestamp is when the event was observed.
	Timestamp time.Time
}

// TamperWatcher emits an event for every mutation under the corpora
// tree. New corpus directories created while watching are picked up
// automatically.
type TamperWatcher struct {
	corporaDir string
	watcher    *fsnotify.Watcher
	events     chan TamperEvent
	stop       chan struct{}
	logger     *zap.Logger
}

// NewTamperWatcher creates a watcher over the given corpora directory.
func NewTamperWatcher(corporaDir string, logger *zap.Logger) (*TamperWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := os.Stat(corporaDir); err != nil {
		return nil, faults.Storagef("corpora directory unreadable: %v", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, faults.Storagef("failed to initialize filesystem watcher: %v", err)
	}

	return &TamperWatcher{
		corporaDir: corporaDir,
		watcher:    watcher,
		events:     make(chan TamperEvent, 64),
		stop:       make(chan struct{}),
		logger:     logger,
	}, nil
}

// Start registers watches on the corpora tree and begins processing in a
// background goroutine. Call Stop to clean up resources.
func (w *TamperWatcher) Start(ctx context.Context) error {
	if err := w.addTree(w.corporaDir); err != nil {
		return err
	}
	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and releases its resources.
func (w *TamperWatcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
}

// Events returns the channel of observed tamper events.
func (w *TamperWatcher) Events() <-chan TamperEvent {
	return w.events
}

// addTree registers the directory and every subdirectory beneath it.
func (w *TamperWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return faults.Storagef("failed to walk corpora tree: %v", err)
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return faults.Storagef("failed to watch %s: %v", path, err)
		}
		return nil
	})
}

func (w *TamperWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
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
			w.logger.Warn("filesystem watcher error", zap.Error(err))
		}
	}
}

func (w *TamperWatcher) handleEvent(event fsnotify.Event) {
	// New corpus directories start getting watched as they appear.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("failed to watch new corpus directory",
					zap.String("path", event.Name), zap.Error(err))
			}
			return
		}
	}

	// Creation inside a fresh corpus is the store doing its job; every
	// other mutation under the tree is suspect.
	if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) == 0 {
		return
	}

	te := TamperEvent{
		PassportID: w.passportIDFor(event.Name),
		Path:       event.Name,
		Op:         event.Op.String(),
		Timestamp:  time.Now().UTC(),
	}

	w.logger.Warn("corpus mutation observed",
		zap.String("passport_id", te.PassportID),
		zap.String("path", te.Path),
		zap.String("op", te.Op),
	)

	select {
	case w.events <- te:
	default:
		// Channel full, drop the event; the log line above still lands.
	}
}

// passportIDFor derives the corpus id from the first path element under
// the corpora root.
func (w *TamperWatcher) passportIDFor(path string) string {
	rel, err := filepath.Rel(w.corporaDir, path)
	if err != nil {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) == 0 || parts[0] == "." || parts[0] == ".." {
		return ""
	}
	return parts[0]
}
