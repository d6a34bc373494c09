/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

// Package tail follows a single log file the way `tail -F` does:
// filesystem notifications drive reads, and the follower re-attaches
// by name when the file is rotated, truncated or recreated.
package tail

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/riverlog-project/riverlog/pkg/logger"
	"go.uber.org/zap"
)

type (
	// PathWatcher watches at most one file and one parent directory.
	// WaitForEvent reports two flags: fileEvent means the watched file
	// changed and should be re-read; rewatch means the file or its
	// parent moved and watches must be re-established.
	//
	// When kernel notifications are unavailable the watcher degrades
	// to 1 Hz polling with the same contract (fileEvent always set).
	PathWatcher struct {
		mutex       sync.Mutex
		notifier    *fsnotify.Watcher
		watchedFile string
		watchedDir  string
		active      bool
		stop        chan struct{}
	}
)

const eventCoalesceWindow = 100 * time.Millisecond

func NewPathWatcher() *PathWatcher {
	w := &PathWatcher{
		active: true,
		stop:   make(chan struct{}),
	}
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnz("[tail] filesystem notifications unavailable, polling at 1Hz", zap.Error(err))
		return w
	}
	w.notifier = notifier
	return w
}

// ClearWatches drops the file and directory watches.
func (w *PathWatcher) ClearWatches() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.clearLocked()
}

func (w *PathWatcher) clearLocked() {
	if w.notifier == nil {
		return
	}
	if w.watchedFile != "" {
		w.notifier.Remove(w.watchedFile)
		w.watchedFile = ""
	}
	if w.watchedDir != "" {
		w.notifier.Remove(w.watchedDir)
		w.watchedDir = ""
	}
}

// TryWatchFile watches path and its parent directory. Any previous
// watches are dropped first.
func (w *PathWatcher) TryWatchFile(path string) bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.notifier == nil {
		return true
	}
	w.clearLocked()

	if err := w.notifier.Add(path); err != nil {
		return false
	}
	w.watchedFile = path

	parent := filepath.Dir(path)
	if err := w.notifier.Add(parent); err != nil {
		logger.Warnz("[tail] watch parent directory failed",
			zap.String("dir", parent), zap.Error(err))
	} else {
		w.watchedDir = parent
	}
	logger.Infoz("[tail] watching file",
		zap.String("file", path), zap.String("dir", parent))
	return true
}

// TryWatchDirectory watches just a directory, used while the tailed
// file does not exist.
func (w *PathWatcher) TryWatchDirectory(path string) bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.notifier == nil {
		return true
	}
	w.clearLocked()

	if err := w.notifier.Add(path); err != nil {
		return false
	}
	w.watchedDir = path
	logger.Infoz("[tail] watching directory", zap.String("dir", path))
	return true
}

// applyEvent folds one notification into the two flags.
func (w *PathWatcher) applyEvent(event fsnotify.Event, fileEvent, rewatch *bool) {
	w.mutex.Lock()
	watchedFile := w.watchedFile
	w.mutex.Unlock()

	if watchedFile != "" && event.Name == watchedFile {
		switch {
		case event.Op&fsnotify.Write != 0:
			*fileEvent = true
		case event.Op&fsnotify.Remove != 0:
			// the kernel dropped the watch with the file
			*rewatch = true
		case event.Op&fsnotify.Rename != 0:
			*fileEvent = true
			*rewatch = true
		}
		return
	}
	if watchedFile == "" {
		// directory event with no existing file
		*rewatch = true
	}
}

// WaitForEvent blocks until something happens to the watched path.
// Events arriving close together are folded into one report, the way
// a single kernel read returns a whole event buffer. Returns active =
// false once Shutdown was called.
func (w *PathWatcher) WaitForEvent() (fileEvent, rewatch, active bool) {
	if w.notifier == nil {
		// polling fallback
		select {
		case <-w.stop:
			return false, false, false
		case <-time.After(time.Second):
			return true, false, true
		}
	}

	for {
		select {
		case <-w.stop:
			return false, false, false
		case event, ok := <-w.notifier.Events:
			if !ok {
				return false, true, w.isActive()
			}
			w.applyEvent(event, &fileEvent, &rewatch)
		case err, ok := <-w.notifier.Errors:
			if ok && err != nil {
				logger.Warnz("[tail] notification error", zap.Error(err))
			}
			return false, true, w.isActive()
		}

		// coalesce the rest of the burst
		deadline := time.After(eventCoalesceWindow)
	coalesce:
		for {
			select {
			case <-w.stop:
				return fileEvent, rewatch, false
			case event, ok := <-w.notifier.Events:
				if !ok {
					return fileEvent, rewatch, w.isActive()
				}
				w.applyEvent(event, &fileEvent, &rewatch)
			case <-deadline:
				break coalesce
			}
		}
		// an ignored burst (attribute noise) is not an event
		if fileEvent || rewatch {
			return fileEvent, rewatch, true
		}
	}
}

func (w *PathWatcher) isActive() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.active
}

// Shutdown disarms the watcher so a blocked WaitForEvent returns
// promptly.
func (w *PathWatcher) Shutdown() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if !w.active {
		return
	}
	w.active = false
	close(w.stop)
	w.clearLocked()
	if w.notifier != nil {
		w.notifier.Close()
	}
}
