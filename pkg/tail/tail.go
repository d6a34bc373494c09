/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package tail

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/riverlog-project/riverlog/pkg/logger"
	"github.com/riverlog-project/riverlog/pkg/model"
	"github.com/riverlog-project/riverlog/pkg/stat"
	"github.com/riverlog-project/riverlog/pkg/util"
	"go.uber.org/zap"
)

type (
	// Handler receives the lines a source reads. The top-level store
	// tree and the agent handler both satisfy it.
	Handler interface {
		HandleMessages(batch *model.LogBatch) bool
	}

	// TailSource follows one file by name. Rotations are detected by
	// inode change, truncate-and-copy rotations by size regression;
	// either way reading continues on the path, not the descriptor.
	TailSource struct {
		path     string
		category string
		handler  Handler
		watcher  *PathWatcher

		mutex  sync.Mutex
		active bool

		file    *os.File
		inode   uint64
		offset  int64
		partial []byte
	}
)

const rewatchRetrySleep = 10 * time.Second

// NewTailSource follows path and delivers lines tagged with category.
// An empty category defaults to the file's base name with dots
// replaced by underscores.
func NewTailSource(path, category string, handler Handler) *TailSource {
	if category == "" {
		category = strings.ReplaceAll(filepath.Base(path), ".", "_")
	}
	return &TailSource{
		path:     path,
		category: category,
		handler:  handler,
		watcher:  NewPathWatcher(),
		active:   true,
	}
}

func (t *TailSource) Category() string {
	return t.category
}

func (t *TailSource) isActive() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.active
}

// Stop disarms the watcher so the blocking wait returns promptly.
func (t *TailSource) Stop() {
	t.mutex.Lock()
	t.active = false
	t.mutex.Unlock()
	t.watcher.Shutdown()
}

// Run is the long-lived follower loop. It returns when Stop is called.
func (t *TailSource) Run() {
	defer t.closeFile()

	// start at the end of the file; history is not replayed
	if t.openFile(true) {
		t.watcher.TryWatchFile(t.path)
	} else {
		t.rewatch()
	}

	for t.isActive() {
		fileEvent, rewatch, active := t.watcher.WaitForEvent()
		if !active {
			return
		}
		if rewatch {
			t.rewatch()
		}
		if fileEvent {
			t.checkFile()
			t.readLines()
		}
	}
}

// rewatch re-establishes watches after the file moved or vanished:
// first the file itself, then parent directories walking up to the
// root, then a flat retry sleep.
func (t *TailSource) rewatch() {
	for t.isActive() {
		if t.watcher.TryWatchFile(t.path) {
			// the file is back; it may be a different inode
			t.checkFile()
			t.readLines()
			return
		}
		dir := filepath.Dir(t.path)
		for {
			if t.watcher.TryWatchDirectory(dir) {
				return
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
		logger.Warnz("[tail] nothing watchable, sleeping",
			zap.String("path", t.path),
			zap.Duration("sleep", rewatchRetrySleep))
		time.Sleep(rewatchRetrySleep)
	}
}

func (t *TailSource) openFile(seekEnd bool) bool {
	t.closeFile()
	file, err := os.Open(t.path)
	if err != nil {
		return false
	}
	fileStat, err := file.Stat()
	if err != nil {
		file.Close()
		return false
	}
	offset := int64(0)
	if seekEnd {
		if offset, err = file.Seek(0, io.SeekEnd); err != nil {
			file.Close()
			return false
		}
	}
	t.file = file
	t.inode = util.GetInode(fileStat)
	t.offset = offset
	t.partial = t.partial[:0]
	logger.Infoz("[tail] opened file",
		zap.String("path", t.path),
		zap.Uint64("inode", t.inode),
		zap.Int64("offset", offset))
	return true
}

func (t *TailSource) closeFile() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}

// checkFile follows the name: an inode change means the file was
// rotated and the new file is read from the start; a shrink means the
// file was truncated in place and reading resumes at byte 0.
func (t *TailSource) checkFile() {
	fileStat, err := os.Stat(t.path)
	if err != nil {
		return
	}
	if t.file == nil {
		t.openFile(false)
		return
	}
	if inode := util.GetInode(fileStat); inode != t.inode {
		logger.Infoz("[tail] file rotated, following new inode",
			zap.String("path", t.path),
			zap.Uint64("oldInode", t.inode),
			zap.Uint64("newInode", inode))
		t.openFile(false)
		return
	}
	if fileStat.Size() < t.offset {
		logger.Infoz("[tail] file truncated, seeking to start",
			zap.String("path", t.path),
			zap.Int64("oldOffset", t.offset))
		if _, err := t.file.Seek(0, io.SeekStart); err == nil {
			t.offset = 0
			t.partial = t.partial[:0]
		}
	}
}

// readLines drains everything readable, delivering each complete line
// to the handler. A trailing fragment without a newline stays buffered
// until the writer finishes it.
func (t *TailSource) readLines() {
	if t.file == nil {
		return
	}
	good := stat.Default().Counter("tail good")
	bad := stat.Default().Counter("tail bad")

	buf := make([]byte, 64*1024)
	for t.isActive() {
		n, err := t.file.Read(buf)
		if n > 0 {
			t.offset += int64(n)
			t.consume(buf[:n], good, bad)
		}
		if err != nil {
			if err != io.EOF {
				logger.Warnz("[tail] read failed",
					zap.String("path", t.path), zap.Error(err))
			}
			return
		}
		if n == 0 {
			return
		}
	}
}

func (t *TailSource) consume(data []byte, good, bad *stat.Counter) {
	t.partial = append(t.partial, data...)
	for {
		idx := bytes.IndexByte(t.partial, '\n')
		if idx < 0 {
			return
		}
		line := t.partial[:idx]
		t.partial = t.partial[idx+1:]
		if len(line) == 0 {
			continue
		}
		message := make([]byte, 0, len(line)+1)
		message = append(message, line...)
		message = append(message, '\n')

		batch := model.LogBatch{model.NewLogEntry(t.category, message)}
		if t.handler.HandleMessages(&batch) {
			good.Inc(t.category)
		} else {
			bad.Inc(t.category)
		}
	}
}
