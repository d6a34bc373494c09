/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotateWriterRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "app.log")

	w, err := NewRotateWriter(file, 100, 3)
	require.NoError(t, err)
	defer w.Close()

	line := bytes.Repeat([]byte{'x'}, 40)
	for i := 0; i < 6; i++ {
		_, err := w.Write(line)
		require.NoError(t, err)
	}

	// 240 bytes at 100 per file: the current file plus backups
	assert.FileExists(t, file)
	assert.FileExists(t, file+".1")

	stat, err := os.Stat(file)
	require.NoError(t, err)
	assert.LessOrEqual(t, stat.Size(), int64(100))
}

func TestRotateWriterPrunesBackups(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "app.log")

	w, err := NewRotateWriter(file, 50, 2)
	require.NoError(t, err)
	defer w.Close()

	line := bytes.Repeat([]byte{'y'}, 40)
	for i := 0; i < 10; i++ {
		_, err := w.Write(line)
		require.NoError(t, err)
	}

	assert.FileExists(t, file+".1")
	assert.FileExists(t, file+".2")
	assert.NoFileExists(t, file+".3")
}

func TestRotateWriterAppendsOnReopen(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "app.log")

	w, err := NewRotateWriter(file, 1000, 2)
	require.NoError(t, err)
	_, err = w.Write([]byte("first\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = NewRotateWriter(file, 1000, 2)
	require.NoError(t, err)
	_, err = w.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))
}
