/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package store

import (
	"time"

	"github.com/riverlog-project/riverlog/pkg/conf"
	"github.com/riverlog-project/riverlog/pkg/model"
	"github.com/riverlog-project/riverlog/pkg/stat"
)

// NullStore discards everything it is given and counts the discards.
// It is readable so it can stand in as a buffer secondary that sheds
// instead of spooling.
type NullStore struct {
	baseStore
	open bool
}

func init() {
	register("null", func(f *Factory, category string, multiCategory bool) Store {
		return &NullStore{baseStore: newBaseStore(f, "null", category, multiCategory)}
	})
}

func (s *NullStore) Configure(cfg *conf.Config) {}

func (s *NullStore) Open() bool {
	s.open = true
	s.clearStatus()
	return true
}

func (s *NullStore) Close() {
	s.open = false
}

func (s *NullStore) IsOpen() bool {
	return s.open
}

func (s *NullStore) Flush() {}

func (s *NullStore) HandleMessages(batch *model.LogBatch) bool {
	ignored := stat.Default().Counter("ignored")
	for _, entry := range *batch {
		ignored.Inc(entry.Category)
	}
	*batch = (*batch)[:0]
	return true
}

func (s *NullStore) PeriodicCheck() {}

func (s *NullStore) Copy(category string) Store {
	return s.factory.copyStore("null", category, s.multiCategory, nil)
}

func (s *NullStore) ReadOldest(now time.Time) (model.LogBatch, bool) {
	return nil, true
}

func (s *NullStore) ReplaceOldest(batch model.LogBatch, now time.Time) bool {
	return true
}

func (s *NullStore) DeleteOldest(now time.Time) bool {
	return true
}

func (s *NullStore) Empty(now time.Time) bool {
	return true
}
