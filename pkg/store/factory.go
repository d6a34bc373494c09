/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package store

import (
	"time"

	"github.com/pkg/errors"
	"github.com/riverlog-project/riverlog/pkg/conf"
	"github.com/riverlog-project/riverlog/pkg/discovery"
	"github.com/riverlog-project/riverlog/pkg/logger"
	"github.com/riverlog-project/riverlog/pkg/wire"
)

type (
	// Factory turns a config tree into a store tree. It also carries
	// the process-wide collaborators a store may need: the service
	// resolver and the shared connection pool. Stores hold the factory
	// that built them so they can build children and copies.
	Factory struct {
		Resolver discovery.Resolver
		Pool     *wire.ConnPool
	}

	constructor func(f *Factory, category string, multiCategory bool) Store
)

var constructors = map[string]constructor{}

func register(storeType string, c constructor) {
	if _, exists := constructors[storeType]; exists {
		logger.Warnf("[store] constructor for %s registered twice, covering", storeType)
	}
	constructors[storeType] = c
}

func NewFactory(resolver discovery.Resolver, pool *wire.ConnPool) *Factory {
	if resolver == nil {
		resolver = discovery.NewStaticResolver()
	}
	if pool == nil {
		pool = wire.NewConnPool()
	}
	return &Factory{Resolver: resolver, Pool: pool}
}

// NewStore constructs an unconfigured store of the given type.
func (f *Factory) NewStore(storeType, category string, multiCategory bool) (Store, error) {
	c, ok := constructors[storeType]
	if !ok {
		return nil, errors.Errorf("unknown store type %q", storeType)
	}
	return c(f, category, multiCategory), nil
}

// BuildStore is the structural pass: construct and configure. The
// semantic pass lives in each store's Configure, which rejects
// disallowed compositions through its status.
func (f *Factory) BuildStore(storeType, category string, multiCategory bool, cfg *conf.Config) (Store, error) {
	s, err := f.NewStore(storeType, category, multiCategory)
	if err != nil {
		return nil, err
	}
	s.Configure(cfg)
	if status := s.Status(); status != "" {
		return nil, errors.Errorf("configure %s store for %s: %s", storeType, category, status)
	}
	return s, nil
}

// buildChild builds a nested store from a sub-tree whose "type" key
// names the store type.
func (f *Factory) buildChild(cfg *conf.Config, category string, multiCategory bool) (Store, error) {
	storeType, ok := cfg.GetString("type")
	if !ok {
		return nil, errors.New("child store config has no type")
	}
	return f.BuildStore(storeType, category, multiCategory, cfg)
}

// copyStore rebuilds a configured store for another category. Used by
// Copy implementations so a sibling shares parameters, never state.
func (f *Factory) copyStore(storeType, category string, multiCategory bool, cfg *conf.Config) Store {
	s, err := f.NewStore(storeType, category, multiCategory)
	if err != nil {
		return nil
	}
	if cfg != nil {
		s.Configure(cfg)
	}
	return s
}

// DefaultCheckInterval is the cadence the owner drives PeriodicCheck
// at when not configured otherwise.
const DefaultCheckInterval = 5 * time.Second
