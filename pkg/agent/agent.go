/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

// Package agent owns the top level of the daemon: it maps categories
// to configured store trees, drives every store's periodic check on a
// wall-clock cadence and coordinates shutdown.
package agent

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/riverlog-project/riverlog/pkg/conf"
	"github.com/riverlog-project/riverlog/pkg/logger"
	"github.com/riverlog-project/riverlog/pkg/model"
	"github.com/riverlog-project/riverlog/pkg/stat"
	"github.com/riverlog-project/riverlog/pkg/store"
	"go.uber.org/zap"
)

type (
	// template is one named store definition from the config. The
	// category key decides what it matches: an exact name, a prefix
	// like "web*", or "default" for everything unmatched.
	template struct {
		name    string
		pattern string
		store   store.Store
	}

	// categoryEntry is the live store tree for one observed category.
	// Its mutex keeps the tree driven serially: one handler or the
	// periodic checker at a time, never both.
	categoryEntry struct {
		mutex sync.Mutex
		store store.Store
	}

	Agent struct {
		factory       *store.Factory
		checkInterval time.Duration

		templates []*template

		mutex      sync.RWMutex
		categories map[string]*categoryEntry

		stop    chan struct{}
		stopped sync.Once
	}
)

// New builds the agent from the store config tree: every top-level
// sub-tree is one store template with a category pattern.
func New(factory *store.Factory, cfg *conf.Config, checkInterval time.Duration) (*Agent, error) {
	if checkInterval <= 0 {
		checkInterval = store.DefaultCheckInterval
	}
	a := &Agent{
		factory:       factory,
		checkInterval: checkInterval,
		categories:    make(map[string]*categoryEntry),
		stop:          make(chan struct{}),
	}

	for _, name := range cfg.ChildNames() {
		sub, _ := cfg.GetStore(name)
		pattern := sub.GetStringOr("category", "default")
		storeType, ok := sub.GetString("type")
		if !ok {
			return nil, errors.Errorf("store %q has no type", name)
		}
		multiCategory := pattern == "default" || strings.HasSuffix(pattern, "*")
		s, err := factory.BuildStore(storeType, pattern, multiCategory, sub)
		if err != nil {
			return nil, errors.Wrapf(err, "build store %q", name)
		}
		a.templates = append(a.templates, &template{name: name, pattern: pattern, store: s})
		logger.Infoz("[agent] configured store",
			zap.String("name", name),
			zap.String("type", storeType),
			zap.String("category", pattern))
	}
	if len(a.templates) == 0 {
		return nil, errors.New("no stores configured")
	}
	return a, nil
}

// findTemplate picks the template for a category: exact match first,
// then the longest matching prefix pattern, then default.
func (a *Agent) findTemplate(category string) *template {
	var def *template
	var best *template
	for _, t := range a.templates {
		switch {
		case t.pattern == category:
			return t
		case t.pattern == "default":
			if def == nil {
				def = t
			}
		case strings.HasSuffix(t.pattern, "*"):
			prefix := strings.TrimSuffix(t.pattern, "*")
			if strings.HasPrefix(category, prefix) {
				if best == nil || len(prefix) > len(strings.TrimSuffix(best.pattern, "*")) {
					best = t
				}
			}
		}
	}
	if best != nil {
		return best
	}
	return def
}

// entryFor returns the live store for a category, instantiating it
// from its template on first sight.
func (a *Agent) entryFor(category string) *categoryEntry {
	a.mutex.RLock()
	entry, ok := a.categories[category]
	a.mutex.RUnlock()
	if ok {
		return entry
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()
	if entry, ok := a.categories[category]; ok {
		return entry
	}

	t := a.findTemplate(category)
	if t == nil {
		return nil
	}
	var s store.Store
	if t.pattern == category {
		// an exact-match template is its own live store
		s = t.store
	} else {
		s = t.store.Copy(category)
		if s == nil {
			return nil
		}
	}
	if !s.IsOpen() && !s.Open() {
		logger.Warnz("[agent] store open failed, will retry on periodic check",
			zap.String("category", category),
			zap.String("status", s.Status()))
	}
	entry = &categoryEntry{store: s}
	a.categories[category] = entry
	return entry
}

// HandleMessages routes a batch through the store trees by category.
// Residuals of failing categories are collected back into the batch so
// the caller can answer TRY_LATER.
func (a *Agent) HandleMessages(batch *model.LogBatch) bool {
	received := stat.Default().Counter("received good")
	ignored := stat.Default().Counter("ignored")

	partitions := make(map[string]model.LogBatch)
	var order []string
	for _, entry := range *batch {
		if entry.Category == "" || strings.ContainsAny(entry.Category, "/\\") {
			ignored.Inc(entry.Category)
			continue
		}
		if _, ok := partitions[entry.Category]; !ok {
			order = append(order, entry.Category)
		}
		partitions[entry.Category] = append(partitions[entry.Category], entry)
	}

	var residual model.LogBatch
	ok := true
	for _, category := range order {
		part := partitions[category]
		entry := a.entryFor(category)
		if entry == nil {
			ignored.Add(category, int64(len(part)))
			continue
		}
		count := int64(len(part))
		entry.mutex.Lock()
		handled := entry.store.HandleMessages(&part)
		entry.mutex.Unlock()
		if handled {
			received.Add(category, count)
		} else {
			ok = false
			residual = append(residual, part...)
			stat.Default().Counter("received bad").Add(category, int64(len(part)))
		}
	}
	*batch = residual
	return ok
}

// RunPeriodicChecker drives every live store's PeriodicCheck until
// Stop. Rotation, reconnects and buffer draining all hang off this
// cadence.
func (a *Agent) RunPeriodicChecker() {
	ticker := time.NewTicker(a.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.checkAll()
		}
	}
}

func (a *Agent) checkAll() {
	a.mutex.RLock()
	entries := make([]*categoryEntry, 0, len(a.categories))
	for _, entry := range a.categories {
		entries = append(entries, entry)
	}
	a.mutex.RUnlock()

	for _, entry := range entries {
		entry.mutex.Lock()
		entry.store.PeriodicCheck()
		entry.mutex.Unlock()
	}
}

// Stop flushes and closes every store.
func (a *Agent) Stop() {
	a.stopped.Do(func() {
		close(a.stop)
	})

	a.mutex.Lock()
	defer a.mutex.Unlock()
	for category, entry := range a.categories {
		entry.mutex.Lock()
		entry.store.Flush()
		entry.store.Close()
		entry.mutex.Unlock()
		logger.Infoz("[agent] closed store", zap.String("category", category))
	}
}
