/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

// Package store implements the composable store tree that every batch
// descends: file and framed-file sinks with rotation, the buffer
// durability state machine, network forwarding, hash bucketing,
// replication, per-category instantiation and counted discard.
package store

import (
	"sync"
	"time"

	"github.com/riverlog-project/riverlog/pkg/conf"
	"github.com/riverlog-project/riverlog/pkg/model"
)

type (
	// Store is one node of the store tree.
	//
	// HandleMessages consumes the batch and reports success. On
	// failure the batch is mutated in place to hold exactly the
	// unhandled suffix; the parent decides whether to spool or retry.
	// A store that returns true has taken durable responsibility for
	// every entry, either by writing it or by spooling it.
	//
	// PeriodicCheck runs on the owner's wall-clock cadence and must be
	// bounded; timed rotation, reconnection and buffer draining happen
	// here. FileStore also rolls a file by size inside HandleMessages.
	Store interface {
		// Configure parses the store's own keys and instantiates
		// children. It performs no I/O; fatal misconfiguration is
		// reported through Status.
		Configure(cfg *conf.Config)
		Open() bool
		Close()
		IsOpen() bool
		Flush()
		HandleMessages(batch *model.LogBatch) bool
		PeriodicCheck()
		// Copy builds a sibling configured identically for another
		// category. Runtime state is not copied.
		Copy(category string) Store
		// Status is the last error, empty when healthy.
		Status() string
		Category() string
		Type() string
	}

	// ReadableStore is the spool-drain protocol a buffer store needs
	// from its secondary. Operations take the caller's wall-clock
	// reference time so rotation decisions stay consistent within one
	// drain pass.
	ReadableStore interface {
		Store
		ReadOldest(now time.Time) (model.LogBatch, bool)
		ReplaceOldest(batch model.LogBatch, now time.Time) bool
		DeleteOldest(now time.Time) bool
		Empty(now time.Time) bool
	}

	// baseStore carries the identity and status shared by every store.
	// The status string is written from handler goroutines and read
	// from monitoring, so it sits behind its own mutex; a Copy gets a
	// fresh mutex.
	baseStore struct {
		factory       *Factory
		storeType     string
		category      string
		multiCategory bool

		statusMutex sync.RWMutex
		status      string
	}
)

func newBaseStore(f *Factory, storeType, category string, multiCategory bool) baseStore {
	return baseStore{
		factory:       f,
		storeType:     storeType,
		category:      category,
		multiCategory: multiCategory,
	}
}

func (b *baseStore) Category() string {
	return b.category
}

func (b *baseStore) Type() string {
	return b.storeType
}

func (b *baseStore) Status() string {
	b.statusMutex.RLock()
	defer b.statusMutex.RUnlock()
	return b.status
}

func (b *baseStore) setStatus(status string) {
	b.statusMutex.Lock()
	b.status = status
	b.statusMutex.Unlock()
}

func (b *baseStore) clearStatus() {
	b.setStatus("")
}
