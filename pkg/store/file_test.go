/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/riverlog-project/riverlog/pkg/conf"
	"github.com/riverlog-project/riverlog/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileStoreForTest(t *testing.T, dir string, extra map[string]string) *FileStore {
	cfg := conf.New().
		Set("file_path", dir).
		Set("base_filename", "test").
		Set("create_symlink", "yes")
	for k, v := range extra {
		cfg.Set(k, v)
	}
	s, err := newTestFactory().BuildStore("file", "testcat", false, cfg)
	require.NoError(t, err)
	return s.(*FileStore)
}

func TestParseSuffix(t *testing.T) {
	assert.Equal(t, 3, parseSuffix("test_00003", "test"))
	assert.Equal(t, 3, parseSuffix("test_00003.lzo", "test"))
	assert.Equal(t, 12, parseSuffix("test-2023-01-05_00012", "test-2023-01-05"))
	assert.Equal(t, -1, parseSuffix("other_00001", "test"))
	assert.Equal(t, -1, parseSuffix("test_abc", "test"))
	assert.Equal(t, -1, parseSuffix("test", "test"))
}

func TestRotationBySize(t *testing.T) {
	dir := t.TempDir()
	s := newFileStoreForTest(t, dir, map[string]string{
		"max_size":       "1024",
		"max_write_size": "256",
		"rotate_period":  "never",
		"add_newlines":   "no",
	})
	require.True(t, s.Open())
	defer s.Close()

	message := string(bytes.Repeat([]byte{'x'}, 200))
	for i := 0; i < 10; i++ {
		batch := stringBatch("testcat", message)
		require.True(t, s.HandleMessages(&batch))
		assert.Len(t, batch, 0)
	}
	s.Close()

	suffixes := scanSuffixes(dir, "test")
	require.True(t, len(suffixes) >= 2, "expected a rotation, got suffixes %v", suffixes)

	// strictly increasing, and no file grew past maxSize+maxWriteSize
	for i := 1; i < len(suffixes); i++ {
		assert.Greater(t, suffixes[i], suffixes[i-1])
	}
	total := int64(0)
	for _, suffix := range suffixes {
		stat, err := os.Stat(filepath.Join(dir, s.makeFilename("test", suffix)))
		require.NoError(t, err)
		assert.LessOrEqual(t, stat.Size(), int64(1024+256))
		total += stat.Size()
	}
	assert.EqualValues(t, 10*200, total)

	// the symlink follows the newest file
	link, err := os.Readlink(filepath.Join(dir, "test_current"))
	require.NoError(t, err)
	newest := suffixes[len(suffixes)-1]
	assert.Equal(t, filepath.Join(dir, s.makeFilename("test", newest)), link)
}

func TestChunkAlignment(t *testing.T) {
	dir := t.TempDir()
	s := newFileStoreForTest(t, dir, map[string]string{
		"chunk_size":     "512",
		"rotate_period":  "never",
		"add_newlines":   "yes",
		"max_write_size": "100000",
	})
	require.True(t, s.Open())

	marker := bytes.Repeat([]byte{'m'}, 100)
	batch := model.LogBatch{}
	for i := 0; i < 40; i++ {
		batch = append(batch, model.NewLogEntry("testcat", marker))
	}
	require.True(t, s.HandleMessages(&batch))
	s.Close()

	data, err := os.ReadFile(filepath.Join(dir, s.makeFilename("test", 0)))
	require.NoError(t, err)

	// no message body may straddle a 512-byte boundary
	offset := 0
	for offset < len(data) {
		idx := bytes.Index(data[offset:], marker)
		if idx < 0 {
			break
		}
		start := offset + idx
		end := start + len(marker)
		assert.Equal(t, start/512, (end-1)/512, "message at %d crosses a chunk boundary", start)
		offset = end
	}
}

// padding restarts with every call's write buffer; bytes already in
// the file do not shift it.
func TestChunkPaddingIsBufferScoped(t *testing.T) {
	dir := t.TempDir()
	s := newFileStoreForTest(t, dir, map[string]string{
		"chunk_size":     "512",
		"rotate_period":  "never",
		"max_write_size": "100000",
	})
	require.True(t, s.Open())

	first := stringBatch("testcat", string(bytes.Repeat([]byte{'a'}, 300)))
	require.True(t, s.HandleMessages(&first))

	second := stringBatch("testcat",
		string(bytes.Repeat([]byte{'b'}, 300)),
		string(bytes.Repeat([]byte{'b'}, 300)))
	require.True(t, s.HandleMessages(&second))
	s.Close()

	data, err := os.ReadFile(filepath.Join(dir, s.makeFilename("test", 0)))
	require.NoError(t, err)

	// call two starts at buffer offset 0: its first record follows the
	// 300 file bytes with no padding, its second pads to the 512 mark
	// of the call's own buffer (file offset 300+512)
	require.Len(t, data, 300+512+300)
	assert.Equal(t, byte('a'), data[299])
	assert.Equal(t, byte('b'), data[300])
	assert.Equal(t, byte('b'), data[599])
	assert.Equal(t, byte(0), data[600])
	assert.Equal(t, byte(0), data[811])
	assert.Equal(t, byte('b'), data[812])
	assert.Equal(t, byte('b'), data[1111])
}

func TestHourlyNaming(t *testing.T) {
	dir := t.TempDir()
	s := newFileStoreForTest(t, dir, map[string]string{"rotate_period": "hourly"})
	require.True(t, s.Open())
	defer s.Close()

	now := time.Now()
	base := s.datedBase(now)
	assert.Contains(t, base, "test-")
	assert.Contains(t, s.currentFilename, base)
	assert.Contains(t, s.currentFilename, "_00000")
}

func TestTreeLayout(t *testing.T) {
	dir := t.TempDir()
	s := newFileStoreForTest(t, dir, map[string]string{"use_tree": "yes"})
	require.True(t, s.Open())
	defer s.Close()

	now := time.Now()
	wantDir := filepath.Join(dir,
		now.Format("2006"), now.Format("01"), now.Format("02"), now.Format("15"))
	assert.Equal(t, wantDir, filepath.Dir(s.currentFilename))
}

func TestBufferFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := conf.New().
		Set("file_path", dir).
		Set("base_filename", "spool")
	s, err := newTestFactory().BuildStore("file", "default", true, cfg)
	require.NoError(t, err)
	fs := s.(*FileStore)
	fs.setAsBufferFile()
	require.True(t, fs.Open())

	batch := model.LogBatch{
		model.NewLogEntry("web", []byte("line one\n")),
		model.NewLogEntry("app", []byte("embedded\nnewline")),
		model.NewLogEntry("web", []byte{0x00, 0x01, 0xfe}),
	}
	want := batch.Copy()
	require.True(t, fs.HandleMessages(&batch))

	now := time.Now()
	got, ok := fs.ReadOldest(now)
	require.True(t, ok)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Category, got[i].Category)
		assert.Equal(t, want[i].Message, got[i].Message)
	}

	assert.False(t, fs.Empty(now))
	require.True(t, fs.DeleteOldest(now))
	assert.True(t, fs.Empty(now))
	fs.Close()
}

func TestReplaceOldestKeepsResidual(t *testing.T) {
	dir := t.TempDir()
	cfg := conf.New().Set("file_path", dir).Set("base_filename", "spool")
	s, err := newTestFactory().BuildStore("file", "cat", false, cfg)
	require.NoError(t, err)
	fs := s.(*FileStore)
	fs.setAsBufferFile()
	require.True(t, fs.Open())

	batch := stringBatch("cat", "m0", "m1", "m2", "m3", "m4")
	require.True(t, fs.HandleMessages(&batch))

	now := time.Now()
	read, ok := fs.ReadOldest(now)
	require.True(t, ok)
	require.Len(t, read, 5)

	require.True(t, fs.ReplaceOldest(read[3:], now))
	again, ok := fs.ReadOldest(now)
	require.True(t, ok)
	assert.Equal(t, []string{"m3", "m4"}, messageStrings(again))
	fs.Close()
}

func TestWriteMetaRecord(t *testing.T) {
	dir := t.TempDir()
	s := newFileStoreForTest(t, dir, map[string]string{
		"write_meta":     "yes",
		"max_size":       "100",
		"max_write_size": "100",
		"add_newlines":   "yes",
	})
	require.True(t, s.Open())
	first := s.currentFilename

	// overflow max_size to force a rotation
	batch := stringBatch("testcat", string(bytes.Repeat([]byte{'z'}, 150)))
	require.True(t, s.HandleMessages(&batch))
	second := s.currentFilename
	require.NotEqual(t, first, second)
	s.Close()

	data, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte(metaPrefix+first)),
		"new file must start with the meta record, got %q", data[:min(len(data), 80)])
}

func TestStatsFileOnRotation(t *testing.T) {
	dir := t.TempDir()
	s := newFileStoreForTest(t, dir, map[string]string{
		"write_stats":    "yes",
		"max_size":       "100",
		"max_write_size": "100",
	})
	require.True(t, s.Open())

	batch := stringBatch("testcat", string(bytes.Repeat([]byte{'z'}, 150)))
	require.True(t, s.HandleMessages(&batch))
	s.Close()

	data, err := os.ReadFile(filepath.Join(dir, statsFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "wrote")
	assert.Contains(t, string(data), "events to file")
}

func TestHandleReopensAfterClose(t *testing.T) {
	dir := t.TempDir()
	s := newFileStoreForTest(t, dir, nil)
	require.True(t, s.Open())
	s.Close()
	assert.False(t, s.IsOpen())

	batch := stringBatch("testcat", "hello")
	require.True(t, s.HandleMessages(&batch))
	assert.True(t, s.IsOpen())
	s.Close()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
