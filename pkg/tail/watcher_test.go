/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package tail

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func appendFile(t *testing.T, path, content string) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func TestWatcherFileModified(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "test.txt")
	writeFile(t, file, "line1\n")

	w := NewPathWatcher()
	defer w.Shutdown()
	require.True(t, w.TryWatchFile(file))

	appendFile(t, file, "line2\n")

	fileEvent, rewatch, active := w.WaitForEvent()
	require.True(t, active)
	assert.True(t, fileEvent)
	assert.False(t, rewatch)
}

func TestWatcherFileDeleted(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "test.txt")
	writeFile(t, file, "line1\n")

	w := NewPathWatcher()
	defer w.Shutdown()
	require.True(t, w.TryWatchFile(file))

	require.NoError(t, os.Remove(file))

	fileEvent, rewatch, active := w.WaitForEvent()
	require.True(t, active)
	assert.False(t, fileEvent)
	assert.True(t, rewatch)
}

func TestWatcherFileMovedAndRestored(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "test.txt")
	moved := filepath.Join(dir, "moved.txt")
	writeFile(t, file, "line1\n")

	w := NewPathWatcher()
	defer w.Shutdown()
	require.True(t, w.TryWatchFile(file))

	require.NoError(t, os.Rename(file, moved))
	fileEvent, rewatch, active := w.WaitForEvent()
	require.True(t, active)
	assert.True(t, fileEvent)
	assert.True(t, rewatch)

	// the file is gone, so watching it fails and we fall back to the
	// directory
	assert.False(t, w.TryWatchFile(file))
	require.True(t, w.TryWatchDirectory(dir))

	require.NoError(t, os.Rename(moved, file))
	fileEvent, rewatch, active = w.WaitForEvent()
	require.True(t, active)
	assert.False(t, fileEvent)
	assert.True(t, rewatch)

	// watches re-establish and writes are seen again
	require.True(t, w.TryWatchFile(file))
	appendFile(t, file, "line2\n")
	fileEvent, rewatch, active = w.WaitForEvent()
	require.True(t, active)
	assert.True(t, fileEvent)
	assert.False(t, rewatch)
}

func TestWatcherWatchMissingFileFails(t *testing.T) {
	dir := t.TempDir()
	w := NewPathWatcher()
	defer w.Shutdown()
	assert.False(t, w.TryWatchFile(filepath.Join(dir, "nope.txt")))
	assert.True(t, w.TryWatchDirectory(dir))
}

func TestWatcherShutdownUnblocksWait(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "test.txt")
	writeFile(t, file, "x\n")

	w := NewPathWatcher()
	require.True(t, w.TryWatchFile(file))

	done := make(chan struct{})
	go func() {
		_, _, active := w.WaitForEvent()
		assert.False(t, active)
		close(done)
	}()
	w.Shutdown()
	<-done
}
