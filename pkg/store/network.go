/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package store

import (
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/riverlog-project/riverlog/pkg/conf"
	"github.com/riverlog-project/riverlog/pkg/discovery"
	"github.com/riverlog-project/riverlog/pkg/logger"
	"github.com/riverlog-project/riverlog/pkg/model"
	"github.com/riverlog-project/riverlog/pkg/stat"
	"github.com/riverlog-project/riverlog/pkg/wire"
	"go.uber.org/zap"
)

const defaultNetworkTimeout = 5000 * time.Millisecond

type (
	// NetworkStore forwards batches to an upstream peer. The target is
	// a static host:port, a zk:// coordination path, or a discovered
	// service name. Connections come from the process-wide pool or a
	// private long-lived client.
	NetworkStore struct {
		baseStore
		cfg *conf.Config

		remoteHost     string
		remotePort     int
		serviceName    string
		serviceOptions string
		timeout        time.Duration
		useConnPool    bool

		resolver discovery.Resolver

		opened bool
		client *wire.Client
		pooled *wire.PoolConn

		retry     *backoff.Backoff
		nextRetry time.Time
	}
)

func init() {
	register("network", func(f *Factory, category string, multiCategory bool) Store {
		return &NetworkStore{baseStore: newBaseStore(f, "network", category, multiCategory)}
	})
}

func (s *NetworkStore) Configure(cfg *conf.Config) {
	s.cfg = cfg

	s.remoteHost = cfg.GetStringOr("remote_host", "")
	s.remotePort = int(cfg.GetIntOr("remote_port", 0))
	s.serviceName = cfg.GetStringOr("smc_service", "")
	s.serviceOptions = cfg.GetStringOr("service_options", "")
	s.timeout = time.Duration(cfg.GetIntOr("timeout", int64(defaultNetworkTimeout/time.Millisecond))) * time.Millisecond
	s.useConnPool = cfg.GetBoolOr("use_conn_pool", false)

	if s.serviceName == "" && s.remoteHost == "" {
		s.setStatus("network store requires remote_host or smc_service")
		return
	}
	if s.serviceName == "" && !discovery.IsCoordinationPath(s.remoteHost) && s.remotePort <= 0 {
		s.setStatus("network store requires remote_port with a static remote_host")
		return
	}

	s.resolver = s.factory.Resolver
	if cacheTimeout := cfg.GetIntOr("service_cache_timeout", 0); cacheTimeout > 0 {
		s.resolver = discovery.NewCachedResolver(s.resolver, time.Duration(cacheTimeout)*time.Second)
	}

	s.retry = &backoff.Backoff{
		Min:    time.Second,
		Max:    time.Minute,
		Factor: 2,
		Jitter: true,
	}
}

// resolveAddr turns the configured target into a dialable host:port.
func (s *NetworkStore) resolveAddr() (string, error) {
	if s.serviceName != "" {
		endpoints, err := s.resolver.Resolve(s.serviceName, s.serviceOptions)
		if err != nil {
			return "", err
		}
		e := endpoints[0]
		return fmt.Sprintf("%s:%d", e.Host, e.Port), nil
	}
	if discovery.IsCoordinationPath(s.remoteHost) {
		_, path, err := discovery.ParseCoordinationPath(s.remoteHost)
		if err != nil {
			return "", err
		}
		endpoints, err := s.resolver.Resolve(path, s.serviceOptions)
		if err != nil {
			return "", err
		}
		e := endpoints[0]
		return fmt.Sprintf("%s:%d", e.Host, e.Port), nil
	}
	return fmt.Sprintf("%s:%d", s.remoteHost, s.remotePort), nil
}

func (s *NetworkStore) Open() bool {
	if s.opened {
		return true
	}
	addr, err := s.resolveAddr()
	if err != nil {
		s.setStatus(err.Error())
		return false
	}

	if s.useConnPool {
		pooled, err := s.factory.Pool.Acquire(addr, s.timeout)
		if err != nil {
			s.setStatus(err.Error())
			return false
		}
		s.pooled = pooled
	} else {
		client, err := wire.Dial(addr, s.timeout)
		if err != nil {
			s.setStatus(err.Error())
			return false
		}
		s.client = client
	}

	s.opened = true
	s.retry.Reset()
	s.clearStatus()
	logger.Infoz("[store] network store connected",
		zap.String("category", s.category),
		zap.String("addr", addr))
	return true
}

// Close is idempotent; a pooled connection is released exactly once no
// matter how many copies call it.
func (s *NetworkStore) Close() {
	if s.pooled != nil {
		s.pooled.Release()
		s.pooled = nil
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	s.opened = false
}

func (s *NetworkStore) IsOpen() bool {
	return s.opened
}

func (s *NetworkStore) Flush() {}

func (s *NetworkStore) sendClient() *wire.Client {
	if s.pooled != nil {
		return s.pooled.Client()
	}
	return s.client
}

func (s *NetworkStore) HandleMessages(batch *model.LogBatch) bool {
	if !s.opened {
		// callers must open before sending
		logger.Errorz("[store] handleMessages on closed network store",
			zap.String("category", s.category))
		return false
	}
	if len(*batch) == 0 {
		return true
	}

	err := s.sendClient().Send(*batch)
	if err == nil {
		stat.Default().Counter("sent").Add(s.category, int64(len(*batch)))
		*batch = (*batch)[:0]
		return true
	}

	s.setStatus(err.Error())
	if err != wire.ErrTryLater {
		// protocol or I/O failure: drop the connection and reconnect
		// on the next open
		logger.Warnz("[store] network send failed",
			zap.String("category", s.category),
			zap.Error(err))
		s.Close()
		s.nextRetry = time.Now().Add(s.retry.Duration())
	}
	return false
}

// PeriodicCheck reconnects a closed network store with jittered
// exponential backoff. It does so under a buffer store as well, since
// the buffer store passes every periodic check on to its primary.
func (s *NetworkStore) PeriodicCheck() {
	if s.opened {
		return
	}
	now := time.Now()
	if now.Before(s.nextRetry) {
		return
	}
	if !s.Open() {
		s.nextRetry = now.Add(s.retry.Duration())
	}
}

func (s *NetworkStore) Copy(category string) Store {
	return s.factory.copyStore("network", category, s.multiCategory, s.cfg)
}
