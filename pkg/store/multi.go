/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package store

import (
	"fmt"

	"github.com/riverlog-project/riverlog/pkg/conf"
	"github.com/riverlog-project/riverlog/pkg/logger"
	"github.com/riverlog-project/riverlog/pkg/model"
	"go.uber.org/zap"
)

type (
	// MultiStore replicates every batch to every child. report_success
	// decides whether the AND or the OR of the child results is
	// reported. Children always see the full batch regardless of what
	// earlier children did with it.
	MultiStore struct {
		baseStore
		cfg        *conf.Config
		children   []Store
		successAll bool
	}
)

func init() {
	register("multi", func(f *Factory, category string, multiCategory bool) Store {
		return &MultiStore{baseStore: newBaseStore(f, "multi", category, multiCategory)}
	})
}

func (s *MultiStore) Configure(cfg *conf.Config) {
	s.cfg = cfg

	switch cfg.GetStringOr("report_success", "all") {
	case "all":
		s.successAll = true
	case "any":
		s.successAll = false
	default:
		s.setStatus("invalid report_success value")
		return
	}

	// children are store0, store1, ... in order
	for i := 0; ; i++ {
		sub, ok := cfg.GetStore(fmt.Sprintf("store%d", i))
		if !ok {
			break
		}
		child, err := s.factory.buildChild(sub, s.category, s.multiCategory)
		if err != nil {
			s.setStatus(err.Error())
			return
		}
		s.children = append(s.children, child)
	}
	if len(s.children) == 0 {
		s.setStatus("multi store has no children")
	}
}

func (s *MultiStore) combine(results []bool) bool {
	out := s.successAll
	for _, r := range results {
		if s.successAll {
			out = out && r
		} else {
			out = out || r
		}
	}
	return out
}

func (s *MultiStore) Open() bool {
	results := make([]bool, len(s.children))
	for i, child := range s.children {
		results[i] = child.Open()
	}
	return s.combine(results)
}

func (s *MultiStore) Close() {
	for _, child := range s.children {
		child.Close()
	}
}

func (s *MultiStore) IsOpen() bool {
	results := make([]bool, len(s.children))
	for i, child := range s.children {
		results[i] = child.IsOpen()
	}
	return s.combine(results)
}

func (s *MultiStore) Flush() {
	for _, child := range s.children {
		child.Flush()
	}
}

// HandleMessages hands each child its own copy so that a consuming
// child cannot hide entries from the next one. A failed call leaves
// the input batch whole: with replication there is no residual that is
// meaningful across children.
func (s *MultiStore) HandleMessages(batch *model.LogBatch) bool {
	results := make([]bool, len(s.children))
	for i, child := range s.children {
		cpy := batch.Copy()
		results[i] = child.HandleMessages(&cpy)
		if !results[i] {
			logger.Warnz("[store] multi child failed",
				zap.String("category", s.category),
				zap.String("child", child.Type()),
				zap.Int("residual", len(cpy)))
		}
	}
	if !s.combine(results) {
		return false
	}
	*batch = (*batch)[:0]
	return true
}

func (s *MultiStore) PeriodicCheck() {
	for _, child := range s.children {
		child.PeriodicCheck()
	}
}

func (s *MultiStore) Copy(category string) Store {
	return s.factory.copyStore("multi", category, s.multiCategory, s.cfg)
}
