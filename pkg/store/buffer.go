/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package store

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/riverlog-project/riverlog/pkg/conf"
	"github.com/riverlog-project/riverlog/pkg/logger"
	"github.com/riverlog-project/riverlog/pkg/model"
	"github.com/riverlog-project/riverlog/pkg/stat"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

type bufferState uint8

const (
	bufferStreaming bufferState = iota
	bufferDisconnected
	bufferSendingBuffer
)

func (s bufferState) String() string {
	switch s {
	case bufferStreaming:
		return "STREAMING"
	case bufferDisconnected:
		return "DISCONNECTED"
	case bufferSendingBuffer:
		return "SENDING_BUFFER"
	}
	return "UNKNOWN"
}

const (
	defaultMaxQueueLength     = 2000000
	defaultBufferSendRate     = 1
	defaultAvgRetryInterval   = 300 * time.Second
	defaultRetryIntervalRange = 60 * time.Second
)

type (
	// BufferStore is the durability state machine over a primary and a
	// secondary store. While the primary is healthy messages stream
	// through it; when it fails they spool to the secondary (typically
	// a local buffer file) and drain back once the primary recovers.
	//
	//	STREAMING <-> DISCONNECTED <-> SENDING_BUFFER -> STREAMING
	BufferStore struct {
		baseStore
		cfg *conf.Config

		primary   Store
		secondary ReadableStore

		maxQueueLength     int64
		bufferSendRate     int
		avgRetryInterval   time.Duration
		retryIntervalRange time.Duration
		replayBuffer       bool

		state           bufferState
		lastWriteTime   time.Time
		lastOpenAttempt time.Time
		retryInterval   time.Duration

		// seeded per instance so retry jitter is reproducible
		rng     *rand.Rand
		limiter ratelimit.Limiter
	}

	bufferFileSetter interface {
		setAsBufferFile()
	}
)

func init() {
	register("buffer", func(f *Factory, category string, multiCategory bool) Store {
		return &BufferStore{baseStore: newBaseStore(f, "buffer", category, multiCategory)}
	})
}

func (s *BufferStore) Configure(cfg *conf.Config) {
	s.cfg = cfg

	s.maxQueueLength = int64(cfg.GetUnsignedOr("max_queue_length", defaultMaxQueueLength))
	s.bufferSendRate = int(cfg.GetUnsignedOr("buffer_send_rate", defaultBufferSendRate))
	if s.bufferSendRate < 1 {
		s.bufferSendRate = 1
	}
	s.avgRetryInterval = time.Duration(cfg.GetUnsignedOr("retry_interval", uint64(defaultAvgRetryInterval/time.Second))) * time.Second
	s.retryIntervalRange = time.Duration(cfg.GetUnsignedOr("retry_interval_range", uint64(defaultRetryIntervalRange/time.Second))) * time.Second
	s.replayBuffer = cfg.GetBoolOr("replay_buffer", true)

	s.rng = rand.New(rand.NewSource(int64(xxhash.Sum64String("buffer/" + s.category))))
	s.limiter = ratelimit.New(s.bufferSendRate)
	s.retryInterval = s.jitteredRetryInterval()
	s.state = bufferDisconnected

	primaryCfg, ok := cfg.GetStore("primary")
	if !ok {
		s.setStatus("buffer store requires a primary sub-store")
		return
	}
	// a replicating primary cannot be replayed safely: partial success
	// is indistinguishable from full success
	if primaryType, _ := primaryCfg.GetString("type"); primaryType == "multi" {
		s.setStatus("buffer store primary cannot be a multi store")
		return
	}
	primary, err := s.factory.buildChild(primaryCfg, s.category, s.multiCategory)
	if err != nil {
		s.setStatus(err.Error())
		return
	}
	s.primary = primary

	secondaryCfg, ok := cfg.GetStore("secondary")
	if !ok {
		// fall back to a file spool under /tmp
		secondaryCfg = conf.New().
			Set("type", "file").
			Set("file_path", "/tmp").
			Set("base_filename", s.category+"_buffer")
		logger.Warnz("[store] buffer store has no secondary, spooling to /tmp",
			zap.String("category", s.category))
	}
	secondary, err := s.factory.buildChild(secondaryCfg, s.category, s.multiCategory)
	if err != nil {
		s.setStatus(err.Error())
		return
	}
	readable, ok := secondary.(ReadableStore)
	if !ok {
		s.setStatus(fmt.Sprintf("buffer store secondary %q is not readable", secondary.Type()))
		return
	}
	if setter, ok := secondary.(bufferFileSetter); ok {
		setter.setAsBufferFile()
	}
	s.secondary = readable
}

func (s *BufferStore) jitteredRetryInterval() time.Duration {
	if s.retryIntervalRange <= 0 {
		return s.avgRetryInterval
	}
	return s.avgRetryInterval - s.retryIntervalRange/2 +
		time.Duration(s.rng.Int63n(int64(s.retryIntervalRange)))
}

func (s *BufferStore) changeState(next bufferState) {
	if s.state == next {
		return
	}
	logger.Infoz("[store] buffer state change",
		zap.String("category", s.category),
		zap.String("from", s.state.String()),
		zap.String("to", next.String()))

	switch next {
	case bufferStreaming:
		// streaming holds an open primary and a closed secondary
		if s.secondary.IsOpen() {
			s.secondary.Close()
		}
	case bufferDisconnected:
		s.lastOpenAttempt = time.Now()
		s.retryInterval = s.jitteredRetryInterval()
		if !s.secondary.IsOpen() {
			s.secondary.Open()
		}
	case bufferSendingBuffer:
		if !s.secondary.IsOpen() {
			s.secondary.Open()
		}
	}
	s.state = next
}

func (s *BufferStore) Open() bool {
	if s.primary == nil || s.secondary == nil {
		return false
	}
	s.lastOpenAttempt = time.Now()
	if s.primary.Open() {
		if s.replayBuffer {
			s.changeState(bufferSendingBuffer)
		} else {
			s.changeState(bufferStreaming)
		}
		return true
	}
	s.changeState(bufferDisconnected)
	// the state may already have been DISCONNECTED, so make sure the
	// spool is open either way
	if !s.secondary.IsOpen() {
		s.secondary.Open()
	}
	return s.secondary.IsOpen()
}

func (s *BufferStore) Close() {
	if s.primary != nil && s.primary.IsOpen() {
		s.primary.Close()
	}
	if s.secondary != nil && s.secondary.IsOpen() {
		s.secondary.Close()
	}
}

func (s *BufferStore) IsOpen() bool {
	if s.primary == nil || s.secondary == nil {
		return false
	}
	return s.primary.IsOpen() || s.secondary.IsOpen()
}

func (s *BufferStore) Flush() {
	if s.state == bufferStreaming {
		s.primary.Flush()
	}
	if s.secondary.IsOpen() {
		s.secondary.Flush()
	}
}

func (s *BufferStore) HandleMessages(batch *model.LogBatch) bool {
	if s.primary == nil || s.secondary == nil {
		return false
	}

	// shed oversized queues straight to local disk
	if s.state == bufferStreaming && int64(len(*batch)) > s.maxQueueLength {
		logger.Warnz("[store] batch over max_queue_length, shedding to buffer",
			zap.String("category", s.category),
			zap.Int("batch", len(*batch)))
		stat.Default().Counter("denied for queue size").Add(s.category, int64(len(*batch)))
		s.changeState(bufferDisconnected)
	}

	if s.state == bufferStreaming {
		if s.primary.HandleMessages(batch) {
			s.lastWriteTime = time.Now()
			return true
		}
		// primary failed mid-call; the residual falls through to the
		// secondary so the caller never retries a batch we accepted
		s.changeState(bufferDisconnected)
	}

	if !s.secondary.IsOpen() && !s.secondary.Open() {
		s.countLost(int64(len(*batch)))
		s.setStatus("buffer secondary failed to open, messages lost")
		return false
	}
	if !s.secondary.HandleMessages(batch) {
		s.countLost(int64(len(*batch)))
		s.setStatus("buffer secondary failed, messages lost")
		return false
	}
	return true
}

func (s *BufferStore) countLost(n int64) {
	if n > 0 {
		stat.Default().Counter("lost").Add(s.category, n)
	}
}

// PeriodicCheck retries the primary while disconnected and drains the
// spool while sending. Drains are paced by the send-rate limiter and
// bounded to bufferSendRate batches per tick.
func (s *BufferStore) PeriodicCheck() {
	now := time.Now()
	switch s.state {
	case bufferDisconnected:
		if now.Sub(s.lastOpenAttempt) > s.retryInterval {
			s.lastOpenAttempt = now
			if s.primary.Open() {
				s.clearStatus()
				if s.replayBuffer {
					s.changeState(bufferSendingBuffer)
				} else {
					s.changeState(bufferStreaming)
				}
			} else {
				s.retryInterval = s.jitteredRetryInterval()
				logger.Infoz("[store] buffer primary retry failed",
					zap.String("category", s.category),
					zap.Duration("nextRetryIn", s.retryInterval))
			}
		}
	case bufferSendingBuffer:
		s.drain(now)
	}

	if s.primary != nil {
		s.primary.PeriodicCheck()
	}
	if s.secondary != nil {
		s.secondary.PeriodicCheck()
	}
}

func (s *BufferStore) drain(now time.Time) {
	retries := stat.Default().Counter("retries")
	for i := 0; i < s.bufferSendRate; i++ {
		if s.secondary.Empty(now) {
			s.changeState(bufferStreaming)
			return
		}
		if i > 0 {
			s.limiter.Take()
		}

		batch, ok := s.secondary.ReadOldest(now)
		if !ok {
			// unreadable spool file: drop it rather than wedge
			s.countLost(int64(len(batch)))
			logger.Errorz("[store] dropping unreadable buffer file",
				zap.String("category", s.category))
			s.secondary.DeleteOldest(now)
			continue
		}
		if len(batch) > 0 {
			read := len(batch)
			if !s.primary.HandleMessages(&batch) {
				if len(batch) < read {
					// partial success: keep only the residual spooled
					s.secondary.ReplaceOldest(batch, now)
				}
				s.changeState(bufferDisconnected)
				return
			}
			retries.Add(s.category, int64(read))
		}
		if !s.secondary.DeleteOldest(now) {
			return
		}
	}
}

func (s *BufferStore) Copy(category string) Store {
	return s.factory.copyStore("buffer", category, s.multiCategory, s.cfg)
}

// State is exposed for monitoring and tests.
func (s *BufferStore) State() string {
	return s.state.String()
}
