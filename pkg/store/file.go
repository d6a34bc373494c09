/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/riverlog-project/riverlog/pkg/conf"
	"github.com/riverlog-project/riverlog/pkg/logger"
	"github.com/riverlog-project/riverlog/pkg/model"
	"github.com/riverlog-project/riverlog/pkg/util"
	"go.uber.org/zap"
)

type rollPeriod uint8

const (
	rollNever rollPeriod = iota
	rollHourly
	rollDaily
	rollOther
)

const (
	defaultMaxFileSize  = 1000 * 1000 * 1000
	defaultMaxWriteSize = 1000 * 1000
	defaultRollHour     = 1
	defaultRollMinute   = 15

	statsFileName = "scribe_stats"
	metaPrefix    = "scribe_meta<new_logfile>: "
)

type (
	// FileStore serializes messages into a FileBackend and rotates the
	// file by time or size. When serving as a buffer-store secondary
	// (buffer-file mode) rotation and chunking are disabled and the
	// framed backend is forced so records survive readback.
	FileStore struct {
		baseStore
		cfg *conf.Config

		filePath          string
		subDirectory      string
		useHostnameSubDir bool
		baseFileName      string
		baseSymlinkName   string
		rollPeriod        rollPeriod
		rollPeriodLength  time.Duration
		rollHour          int
		rollMinute        int
		maxSize           int64
		maxWriteSize      int64
		chunkSize         int64
		useTree           bool
		createSymlink     bool
		writeStats        bool
		writeMeta         bool
		writeCategory     bool
		addNewlines       bool
		framed            bool

		// framed variant only
		flushInterval time.Duration
		msgBufferSize int64

		isBufferFile bool

		backend         FileBackend
		opened          bool
		currentFilename string
		currentSuffix   int
		eventsWritten   int64
		lastRollTime    time.Time
		lastFlushTime   time.Time
	}
)

func init() {
	register("file", func(f *Factory, category string, multiCategory bool) Store {
		return newFileStore(f, "file", category, multiCategory, false)
	})
}

func newFileStore(f *Factory, storeType, category string, multiCategory bool, framed bool) *FileStore {
	return &FileStore{
		baseStore: newBaseStore(f, storeType, category, multiCategory),
		framed:    framed,
	}
}

func (s *FileStore) Configure(cfg *conf.Config) {
	s.cfg = cfg

	s.filePath = cfg.GetStringOr("file_path", "/tmp")
	s.subDirectory = cfg.GetStringOr("sub_directory", "")
	s.useHostnameSubDir = cfg.GetBoolOr("use_hostname_sub_directory", false)
	s.baseFileName = cfg.GetStringOr("base_filename", s.category)
	s.baseSymlinkName = cfg.GetStringOr("base_symlink_name", "")
	s.rollHour = int(cfg.GetIntOr("rotate_hour", defaultRollHour))
	s.rollMinute = int(cfg.GetIntOr("rotate_minute", defaultRollMinute))
	s.maxSize = int64(cfg.GetUnsignedOr("max_size", defaultMaxFileSize))
	s.maxWriteSize = int64(cfg.GetUnsignedOr("max_write_size", defaultMaxWriteSize))
	s.chunkSize = int64(cfg.GetUnsignedOr("chunk_size", 0))
	s.useTree = cfg.GetBoolOr("use_tree", false)
	s.createSymlink = cfg.GetBoolOr("create_symlink", true)
	s.writeStats = cfg.GetBoolOr("write_stats", false)
	s.writeMeta = cfg.GetBoolOr("write_meta", false)
	s.writeCategory = cfg.GetBoolOr("write_category", false)
	s.addNewlines = cfg.GetBoolOr("add_newlines", false)

	switch fsType := cfg.GetStringOr("fs_type", "std"); fsType {
	case "std":
	case "framed":
		s.framed = true
	default:
		s.setStatus(fmt.Sprintf("unsupported fs_type %q", fsType))
		return
	}
	if cfg.GetBoolOr("lzo_compression", false) {
		logger.Warnz("[store] lzo compression is not supported, writing uncompressed",
			zap.String("category", s.category))
	}

	switch period := cfg.GetStringOr("rotate_period", "never"); period {
	case "never":
		s.rollPeriod = rollNever
	case "hourly":
		s.rollPeriod = rollHourly
	case "daily":
		s.rollPeriod = rollDaily
	default:
		length, err := conf.ParseRotatePeriod(period)
		if err != nil {
			s.setStatus(err.Error())
			return
		}
		s.rollPeriod = rollOther
		s.rollPeriodLength = length
	}
	// tree layout implies hourly naming
	if s.useTree {
		s.rollPeriod = rollHourly
	}

	if s.framed {
		s.flushInterval = time.Duration(cfg.GetIntOr("flush_frequency_ms", 0)) * time.Millisecond
		s.msgBufferSize = int64(cfg.GetUnsignedOr("msg_buffer_size", 0))
	}

	if s.multiCategory && s.isBufferFile {
		s.writeCategory = true
	}
}

// setAsBufferFile switches the store into buffer-file mode: no
// rotation, no chunking, framed records, category records when the
// owner handles multiple categories.
func (s *FileStore) setAsBufferFile() {
	s.isBufferFile = true
	s.framed = true
	s.addNewlines = false
	s.chunkSize = 0
	s.rollPeriod = rollNever
	s.useTree = false
	if s.multiCategory {
		s.writeCategory = true
	}
}

// directory the current files go to, without the time tree.
func (s *FileStore) baseDirectory() string {
	dir := s.filePath
	if s.subDirectory != "" {
		dir = filepath.Join(dir, s.subDirectory)
	}
	if s.useHostnameSubDir {
		dir = filepath.Join(dir, util.Hostname())
	}
	return dir
}

func (s *FileStore) directory(now time.Time) string {
	dir := s.baseDirectory()
	if s.useTree {
		dir = filepath.Join(dir, fmt.Sprintf("%04d/%02d/%02d/%02d", now.Year(), now.Month(), now.Day(), now.Hour()))
	}
	return dir
}

// datedBase is the file name without the _NNNNN suffix.
func (s *FileStore) datedBase(now time.Time) string {
	switch {
	case s.useTree:
		return fmt.Sprintf("%s-%04d-%02d-%02d-%02d", s.baseFileName, now.Year(), now.Month(), now.Day(), now.Hour())
	case s.rollPeriod == rollHourly || s.rollPeriod == rollDaily:
		return fmt.Sprintf("%s-%04d-%02d-%02d", s.baseFileName, now.Year(), now.Month(), now.Day())
	default:
		return s.baseFileName
	}
}

func (s *FileStore) makeFilename(base string, suffix int) string {
	return fmt.Sprintf("%s_%05d", base, suffix)
}

// parseSuffix extracts NNNNN from 'base_NNNNN[.lzo]', returning -1 for
// names that do not belong to this base.
func parseSuffix(name, base string) int {
	if !strings.HasPrefix(name, base+"_") {
		return -1
	}
	rest := strings.TrimPrefix(name, base+"_")
	rest = strings.TrimSuffix(rest, ".lzo")
	suffix, err := strconv.Atoi(rest)
	if err != nil || suffix < 0 {
		return -1
	}
	return suffix
}

// scanSuffixes lists suffixes of files in dir matching base, sorted
// ascending.
func scanSuffixes(dir, base string) []int {
	names, err := listDirectory(dir)
	if err != nil {
		return nil
	}
	var suffixes []int
	for _, name := range names {
		if suffix := parseSuffix(name, base); suffix >= 0 {
			suffixes = append(suffixes, suffix)
		}
	}
	sort.Ints(suffixes)
	return suffixes
}

// findNewestSuffix returns max over matching files, -1 when none.
func (s *FileStore) findNewestSuffix(dir, base string) int {
	suffixes := scanSuffixes(dir, base)
	if len(suffixes) == 0 {
		return -1
	}
	return suffixes[len(suffixes)-1]
}

// findOldestSuffix returns min over matching files, -1 when none.
func (s *FileStore) findOldestSuffix(dir, base string) int {
	suffixes := scanSuffixes(dir, base)
	if len(suffixes) == 0 {
		return -1
	}
	return suffixes[0]
}

func (s *FileStore) Open() bool {
	return s.openInternal(false, time.Now())
}

// openInternal opens the write file. incrementSuffix forces a new file
// with suffix max+1 (rotation); otherwise writes append to the newest
// existing file of the current period. Buffer files always start a new
// file so drain can delete the oldest without clobbering the writer.
func (s *FileStore) openInternal(incrementSuffix bool, now time.Time) bool {
	if s.opened {
		return true
	}

	dir := s.directory(now)
	base := s.datedBase(now)

	suffix := s.findNewestSuffix(dir, base)
	if suffix < 0 {
		suffix = 0
	} else if incrementSuffix || s.isBufferFile {
		suffix++
	}

	previous := s.currentFilename
	filename := filepath.Join(dir, s.makeFilename(base, suffix))

	if s.backend == nil {
		s.backend = newBackend(s.framed)
	}
	if err := s.backend.OpenWrite(filename); err != nil {
		s.setStatus(err.Error())
		logger.Errorz("[store] open file failed",
			zap.String("category", s.category),
			zap.String("file", filename),
			zap.Error(err))
		return false
	}

	s.opened = true
	s.currentFilename = filename
	s.currentSuffix = suffix
	s.eventsWritten = 0
	s.lastRollTime = now
	s.lastFlushTime = now
	s.clearStatus()

	if s.writeMeta && previous != "" && previous != filename {
		record := s.serializeRecord(s.backend, model.NewStringLogEntry(s.category, metaPrefix+previous))
		if err := s.backend.Write(record); err != nil {
			logger.Warnz("[store] write meta record failed",
				zap.String("file", filename), zap.Error(err))
		}
	}

	if s.createSymlink && !s.isBufferFile {
		linkName := s.baseSymlinkName
		if linkName == "" {
			linkName = s.baseFileName
		}
		link := filepath.Join(s.baseDirectory(), linkName+"_current")
		if err := replaceSymlink(filename, link); err != nil {
			logger.Warnz("[store] create symlink failed",
				zap.String("link", link), zap.Error(err))
		}
	}

	logger.Infoz("[store] opened file",
		zap.String("category", s.category),
		zap.String("file", filename))
	return true
}

func (s *FileStore) Close() {
	if !s.opened {
		return
	}
	if err := s.backend.Close(); err != nil {
		s.setStatus(err.Error())
	}
	s.opened = false
}

func (s *FileStore) IsOpen() bool {
	return s.opened
}

func (s *FileStore) Flush() {
	if !s.opened {
		return
	}
	if err := s.backend.Flush(); err != nil {
		s.setStatus(err.Error())
	}
	s.lastFlushTime = time.Now()
}

// serializeRecord lays out one message:
//
//	[category_frame category "\n"]? [frame] message ["\n"]?
func (s *FileStore) serializeRecord(backend FileBackend, entry *model.LogEntry) []byte {
	var record []byte
	if s.writeCategory {
		record = append(record, backend.Frame(len(entry.Category)+1)...)
		record = append(record, entry.Category...)
		record = append(record, '\n')
	}
	length := len(entry.Message)
	if s.addNewlines {
		length++
	}
	record = append(record, backend.Frame(length)...)
	record = append(record, entry.Message...)
	if s.addNewlines {
		record = append(record, '\n')
	}
	return record
}

// chunkPadding returns the zero padding needed so a record of the
// given size starting at the given in-buffer offset does not straddle
// a chunk boundary. The offset is scoped to the pending write buffer,
// which resets on every call and every flush, not to the file.
func (s *FileStore) chunkPadding(offset, recordSize int64) int64 {
	if s.chunkSize <= 0 || recordSize > s.chunkSize {
		return 0
	}
	inChunk := offset % s.chunkSize
	if inChunk+recordSize > s.chunkSize {
		return s.chunkSize - inChunk
	}
	return 0
}

func (s *FileStore) HandleMessages(batch *model.LogBatch) bool {
	if len(*batch) == 0 {
		return true
	}
	now := time.Now()
	if !s.opened && !s.openInternal(false, now) {
		return false
	}

	flushThreshold := s.maxWriteSize
	if s.maxSize > 0 && s.maxSize < flushThreshold {
		flushThreshold = s.maxSize
	}
	if s.msgBufferSize > 0 && s.msgBufferSize < flushThreshold {
		flushThreshold = s.msgBufferSize
	}

	var buffer []byte
	flushed := 0 // entries fully handed to the backend
	entries := *batch

	flush := func(upto int) bool {
		if len(buffer) > 0 {
			if err := s.backend.Write(buffer); err != nil {
				s.setStatus(err.Error())
				logger.Errorz("[store] file write failed",
					zap.String("category", s.category),
					zap.String("file", s.currentFilename),
					zap.Error(err))
				s.Close()
				return false
			}
			buffer = buffer[:0]
		}
		s.eventsWritten += int64(upto - flushed)
		flushed = upto
		// size rotation runs per flush so the file never grows past
		// maxSize+maxWriteSize before a roll
		if !s.isBufferFile && s.maxSize > 0 && s.backend.FileSize() > s.maxSize {
			s.rotateFile(now)
		}
		return true
	}

	for i, entry := range entries {
		offset := int64(len(buffer))
		record := s.serializeRecord(s.backend, entry)
		if padding := s.chunkPadding(offset, int64(len(record))); padding > 0 {
			buffer = append(buffer, make([]byte, padding)...)
		}
		buffer = append(buffer, record...)

		if int64(len(buffer)) >= flushThreshold {
			if !flush(i + 1) {
				*batch = entries[flushed:]
				return false
			}
		}
	}
	if !flush(len(entries)) {
		*batch = entries[flushed:]
		return false
	}
	if err := s.backend.Flush(); err != nil {
		// entries already reached the OS buffer layer; treat the
		// batch as handled but surface the flush problem.
		s.setStatus(err.Error())
	}
	s.lastFlushTime = now
	*batch = entries[:0]
	return true
}

func (s *FileStore) PeriodicCheck() {
	now := time.Now()
	if s.isBufferFile || !s.opened {
		// framed stores still flush on their own cadence
		s.maybeTimedFlush(now)
		return
	}

	rotate := false
	switch s.rollPeriod {
	case rollDaily:
		rotate = now.Day() != s.lastRollTime.Day() &&
			now.Hour() >= s.rollHour && now.Minute() >= s.rollMinute
	case rollHourly:
		rotate = now.Hour() != s.lastRollTime.Hour() &&
			now.Minute() >= s.rollMinute
	case rollOther:
		rotate = now.Sub(s.lastRollTime) >= s.rollPeriodLength
	}
	if !rotate && s.maxSize > 0 && s.backend != nil && s.backend.FileSize() > s.maxSize {
		rotate = true
	}
	if rotate {
		s.rotateFile(now)
	}
	s.maybeTimedFlush(now)
}

func (s *FileStore) maybeTimedFlush(now time.Time) {
	if s.flushInterval > 0 && s.opened && now.Sub(s.lastFlushTime) >= s.flushInterval {
		s.Flush()
	}
}

func (s *FileStore) rotateFile(now time.Time) {
	bytesWritten := int64(0)
	if s.backend != nil {
		bytesWritten = s.backend.FileSize()
	}
	closed := s.currentFilename
	events := s.eventsWritten

	s.Close()
	if !s.openInternal(true, now) {
		// keep writing to the previous file until the next check
		logger.Errorz("[store] rotation failed, reopening previous file",
			zap.String("category", s.category),
			zap.String("file", closed))
		s.openInternal(false, now)
		return
	}

	if s.writeStats && closed != "" {
		s.appendStatsLine(now, bytesWritten, events, closed)
	}
	logger.Infoz("[store] rotated file",
		zap.String("category", s.category),
		zap.String("from", closed),
		zap.String("to", s.currentFilename))
}

// appendStatsLine records one rotation in the stats file next to the
// data files.
func (s *FileStore) appendStatsLine(now time.Time, bytes, events int64, path string) {
	statsPath := filepath.Join(s.directory(now), statsFileName)
	f, err := os.OpenFile(statsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		logger.Warnz("[store] open stats file failed", zap.Error(err))
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s wrote %d bytes in %d events to file %s\n",
		now.Format("2006-01-02-15:04"), bytes, events, path)
}

func (s *FileStore) Copy(category string) Store {
	cpy := newFileStore(s.factory, s.storeType, category, s.multiCategory, s.framed)
	if s.cfg != nil {
		cpy.Configure(s.cfg)
	}
	if s.isBufferFile {
		cpy.setAsBufferFile()
	}
	return cpy
}

// ---- spool-drain protocol (buffer secondary duty) ----

func (s *FileStore) oldestPath(now time.Time) (string, bool) {
	dir := s.directory(now)
	base := s.datedBase(now)
	suffix := s.findOldestSuffix(dir, base)
	if suffix < 0 {
		return "", false
	}
	return filepath.Join(dir, s.makeFilename(base, suffix)), true
}

// ReadOldest reconstructs the entries spooled into the oldest matching
// file. Categories come from the stream when writeCategory, otherwise
// every record belongs to the handled category.
func (s *FileStore) ReadOldest(now time.Time) (model.LogBatch, bool) {
	path, ok := s.oldestPath(now)
	if !ok {
		return nil, true
	}
	if path == s.currentFilename && s.opened {
		s.Flush()
	}

	reader := newBackend(s.framed)
	if err := reader.OpenRead(path); err != nil {
		s.setStatus(err.Error())
		return nil, false
	}
	defer reader.Close()

	var batch model.LogBatch
	pendingCategory := ""
	haveCategory := false
	for {
		record, err := reader.ReadNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.setStatus(err.Error())
			logger.Errorz("[store] spool readback failed",
				zap.String("file", path), zap.Error(err))
			return nil, false
		}
		if s.writeCategory && !haveCategory {
			pendingCategory = strings.TrimSuffix(string(record), "\n")
			haveCategory = true
			continue
		}
		message := record
		if strings.HasPrefix(string(message), metaPrefix) {
			haveCategory = false
			continue
		}
		category := s.category
		if s.writeCategory {
			category = pendingCategory
			haveCategory = false
		}
		batch = append(batch, model.NewLogEntry(category, message))
	}
	return batch, true
}

// ReplaceOldest rewrites the oldest file with the residual batch.
func (s *FileStore) ReplaceOldest(batch model.LogBatch, now time.Time) bool {
	path, ok := s.oldestPath(now)
	if !ok {
		return false
	}
	wasCurrent := path == s.currentFilename && s.opened
	if wasCurrent {
		s.Close()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.setStatus(err.Error())
		return false
	}

	writer := newBackend(s.framed)
	if err := writer.OpenWrite(path); err != nil {
		s.setStatus(err.Error())
		return false
	}
	okAll := true
	for _, entry := range batch {
		if err := writer.Write(s.serializeRecord(writer, entry)); err != nil {
			s.setStatus(err.Error())
			okAll = false
			break
		}
	}
	if err := writer.Close(); err != nil && okAll {
		s.setStatus(err.Error())
		okAll = false
	}
	if wasCurrent {
		s.openInternal(false, now)
	}
	return okAll
}

// DeleteOldest removes the drained file. Deleting the file currently
// being written reopens a fresh one so the spool stays writable.
func (s *FileStore) DeleteOldest(now time.Time) bool {
	path, ok := s.oldestPath(now)
	if !ok {
		return false
	}
	wasCurrent := path == s.currentFilename && s.opened
	if wasCurrent {
		s.Close()
	}
	if err := os.Remove(path); err != nil {
		s.setStatus(err.Error())
		return false
	}
	if wasCurrent {
		return s.openInternal(false, now)
	}
	return true
}

// Empty reports whether no spooled bytes remain.
func (s *FileStore) Empty(now time.Time) bool {
	if s.opened {
		s.Flush()
	}
	dir := s.directory(now)
	base := s.datedBase(now)
	for _, suffix := range scanSuffixes(dir, base) {
		path := filepath.Join(dir, s.makeFilename(base, suffix))
		stat, err := os.Stat(path)
		if err != nil {
			continue
		}
		if stat.Size() > 0 {
			return false
		}
	}
	return true
}
