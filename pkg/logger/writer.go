/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type (
	// RotateWriter is an io.Writer that rotates its file by size.
	// Backups use the format '${filename}.${index}', index 1 being the
	// most recent. Rotation is not atomic; a crash mid-rotate may leave
	// an intermediate state.
	RotateWriter struct {
		filename   string
		maxSize    int64
		maxBackups int

		mu   sync.Mutex
		file *os.File
		size int64
	}
)

func NewRotateWriter(filename string, maxSize int64, maxBackups int) (*RotateWriter, error) {
	if maxSize <= 0 {
		maxSize = 256 * 1024 * 1024
	}
	if maxBackups <= 0 {
		maxBackups = 5
	}
	w := &RotateWriter{
		filename:   filename,
		maxSize:    maxSize,
		maxBackups: maxBackups,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotateWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.filename), 0755); err != nil {
		return fmt.Errorf("can't make directories for logfile: %s", err)
	}
	file, err := os.OpenFile(w.filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	w.file = file
	w.size = stat.Size()
	return nil
}

func (w *RotateWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	if w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// rotate shifts a.log.n to a.log.n+1, moves a.log to a.log.1 and opens
// a fresh file. Backups beyond maxBackups are deleted.
func (w *RotateWriter) rotate() error {
	if w.file != nil {
		w.file.Close()
		w.file = nil
		w.size = 0
	}

	indexes := w.scanBackups()
	sort.Sort(sort.Reverse(sort.IntSlice(indexes)))
	for _, idx := range indexes {
		path := fmt.Sprintf("%s.%d", w.filename, idx)
		if idx+1 > w.maxBackups {
			os.Remove(path)
			continue
		}
		os.Rename(path, fmt.Sprintf("%s.%d", w.filename, idx+1))
	}
	if err := os.Rename(w.filename, w.filename+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return w.open()
}

// scanBackups lists existing backup indexes, unordered.
func (w *RotateWriter) scanBackups() []int {
	paths, err := filepath.Glob(w.filename + ".*")
	if err != nil {
		return nil
	}
	var indexes []int
	for _, path := range paths {
		suffix := strings.TrimPrefix(filepath.Base(path), filepath.Base(w.filename)+".")
		idx, err := strconv.Atoi(suffix)
		if err != nil || idx <= 0 {
			continue
		}
		indexes = append(indexes, idx)
	}
	return indexes
}

func (w *RotateWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}
