/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package store

import (
	"sync"

	"github.com/riverlog-project/riverlog/pkg/conf"
	"github.com/riverlog-project/riverlog/pkg/model"
)

// memStore is a test double registered as store type "mem". Instances
// announce themselves in memStores under their "name" config key so a
// test can inspect what reached them.
type memStore struct {
	baseStore
	name string

	mutex          sync.Mutex
	open           bool
	openShouldFail bool
	failing        bool
	received       []model.LogBatch
}

var (
	memStoresMutex sync.Mutex
	memStores      = map[string]*memStore{}
)

func init() {
	register("mem", func(f *Factory, category string, multiCategory bool) Store {
		return &memStore{baseStore: newBaseStore(f, "mem", category, multiCategory)}
	})
}

func getMemStore(name string) *memStore {
	memStoresMutex.Lock()
	defer memStoresMutex.Unlock()
	return memStores[name]
}

func resetMemStores() {
	memStoresMutex.Lock()
	defer memStoresMutex.Unlock()
	memStores = map[string]*memStore{}
}

func (s *memStore) Configure(cfg *conf.Config) {
	s.name = cfg.GetStringOr("name", "")
	if s.name != "" {
		memStoresMutex.Lock()
		memStores[s.name] = s
		memStoresMutex.Unlock()
	}
}

func (s *memStore) Open() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.openShouldFail {
		return false
	}
	s.open = true
	return true
}

func (s *memStore) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.open = false
}

func (s *memStore) IsOpen() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.open
}

func (s *memStore) Flush() {}

func (s *memStore) HandleMessages(batch *model.LogBatch) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.failing {
		return false
	}
	s.received = append(s.received, batch.Copy())
	*batch = (*batch)[:0]
	return true
}

func (s *memStore) PeriodicCheck() {}

func (s *memStore) Copy(category string) Store {
	cpy := &memStore{baseStore: newBaseStore(s.factory, "mem", category, s.multiCategory)}
	cpy.name = s.name
	return cpy
}

func (s *memStore) setFailing(failing bool) {
	s.mutex.Lock()
	s.failing = failing
	s.mutex.Unlock()
}

func (s *memStore) setOpenShouldFail(fail bool) {
	s.mutex.Lock()
	s.openShouldFail = fail
	s.mutex.Unlock()
}

func (s *memStore) entries() model.LogBatch {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var all model.LogBatch
	for _, b := range s.received {
		all = append(all, b...)
	}
	return all
}

func (s *memStore) batchCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.received)
}

func newTestFactory() *Factory {
	return NewFactory(nil, nil)
}

func stringBatch(category string, messages ...string) model.LogBatch {
	batch := make(model.LogBatch, 0, len(messages))
	for _, m := range messages {
		batch = append(batch, model.NewStringLogEntry(category, m))
	}
	return batch
}

func messageStrings(batch model.LogBatch) []string {
	out := make([]string, 0, len(batch))
	for _, e := range batch {
		out = append(out, string(e.Message))
	}
	return out
}
