/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package store

import (
	"sort"

	"github.com/riverlog-project/riverlog/pkg/conf"
	"github.com/riverlog-project/riverlog/pkg/logger"
	"github.com/riverlog-project/riverlog/pkg/model"
	"go.uber.org/zap"
)

type (
	// CategoryStore lazily clones a template store per observed
	// category. A child is created on the first message for its
	// category and never shared with another category.
	CategoryStore struct {
		baseStore
		cfg       *conf.Config
		modelCfg  *conf.Config
		modelType string
		opened    bool
		children  map[string]Store
	}
)

func init() {
	register("category", func(f *Factory, category string, multiCategory bool) Store {
		return newCategoryStore(f, "category", category, "")
	})
	register("multifile", func(f *Factory, category string, multiCategory bool) Store {
		return newCategoryStore(f, "multifile", category, "file")
	})
	register("framedmultifile", func(f *Factory, category string, multiCategory bool) Store {
		return newCategoryStore(f, "framedmultifile", category, "framedfile")
	})
}

func newCategoryStore(f *Factory, storeType, category, modelType string) *CategoryStore {
	return &CategoryStore{
		// children each handle a single category
		baseStore: newBaseStore(f, storeType, category, true),
		modelType: modelType,
		children:  make(map[string]Store),
	}
}

func (s *CategoryStore) Configure(cfg *conf.Config) {
	s.cfg = cfg

	modelCfg, ok := cfg.GetStore("model")
	if !ok {
		if s.modelType == "" {
			s.setStatus("category store requires a model sub-store")
			return
		}
		// the convenience forms use their own config as the model
		modelCfg = cfg.Copy()
		modelCfg.Set("type", s.modelType)
	}
	if _, ok := modelCfg.GetString("type"); !ok && s.modelType != "" {
		modelCfg = modelCfg.Copy()
		modelCfg.Set("type", s.modelType)
	}
	s.modelCfg = modelCfg
}

// childFor returns the store for a category, instantiating the model
// on first sight.
func (s *CategoryStore) childFor(category string) Store {
	if child, ok := s.children[category]; ok {
		return child
	}
	child, err := s.factory.buildChild(s.modelCfg, category, false)
	if err != nil {
		s.setStatus(err.Error())
		return nil
	}
	if !child.Open() {
		s.setStatus(child.Status())
	}
	logger.Infoz("[store] category store created child",
		zap.String("store", s.storeType),
		zap.String("category", category))
	s.children[category] = child
	return child
}

func (s *CategoryStore) Open() bool {
	s.opened = true
	s.clearStatus()
	return true
}

func (s *CategoryStore) Close() {
	for _, child := range s.children {
		child.Close()
	}
	s.opened = false
}

func (s *CategoryStore) IsOpen() bool {
	return s.opened
}

func (s *CategoryStore) Flush() {
	for _, child := range s.children {
		child.Flush()
	}
}

func (s *CategoryStore) HandleMessages(batch *model.LogBatch) bool {
	// partition preserving order within each category
	partitions := make(map[string]model.LogBatch)
	var order []string
	for _, entry := range *batch {
		if _, ok := partitions[entry.Category]; !ok {
			order = append(order, entry.Category)
		}
		partitions[entry.Category] = append(partitions[entry.Category], entry)
	}

	var residual model.LogBatch
	ok := true
	for _, category := range order {
		part := partitions[category]
		child := s.childFor(category)
		if child == nil {
			ok = false
			residual = append(residual, part...)
			continue
		}
		if !child.HandleMessages(&part) {
			ok = false
			residual = append(residual, part...)
		}
	}
	*batch = residual
	return ok
}

func (s *CategoryStore) PeriodicCheck() {
	// stable iteration keeps rotation logs readable
	categories := make([]string, 0, len(s.children))
	for category := range s.children {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, category := range categories {
		s.children[category].PeriodicCheck()
	}
}

func (s *CategoryStore) Copy(category string) Store {
	cpy := newCategoryStore(s.factory, s.storeType, category, s.modelType)
	if s.cfg != nil {
		cpy.Configure(s.cfg)
	}
	return cpy
}
