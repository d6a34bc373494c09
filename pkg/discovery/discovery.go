/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

// Package discovery is the narrow surface the network store uses to
// turn a service name or a zk:// path into host:port endpoints. The
// daemon ships a static table implementation; a real coordination
// client plugs in behind the same interface.
package discovery

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type (
	Endpoint struct {
		Host string
		Port int
	}

	// Resolver expands a service name (plus an options string the
	// implementation may interpret) into a server list.
	Resolver interface {
		Resolve(service string, options string) ([]Endpoint, error)
	}

	// StaticResolver serves a fixed table. Mutations are safe at
	// runtime so tests can repoint services.
	StaticResolver struct {
		mutex    sync.RWMutex
		services map[string][]Endpoint
	}

	// CachedResolver memoizes another resolver's answers for a TTL.
	CachedResolver struct {
		next Resolver
		ttl  time.Duration

		mutex sync.Mutex
		cache map[string]cacheEntry
	}

	cacheEntry struct {
		endpoints []Endpoint
		expires   time.Time
	}
)

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{services: make(map[string][]Endpoint)}
}

func (r *StaticResolver) Put(service string, endpoints ...Endpoint) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.services[service] = endpoints
}

func (r *StaticResolver) Resolve(service string, options string) ([]Endpoint, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	endpoints, ok := r.services[service]
	if !ok || len(endpoints) == 0 {
		return nil, errors.Errorf("no endpoints for service %q", service)
	}
	return endpoints, nil
}

func NewCachedResolver(next Resolver, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		next:  next,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

func (r *CachedResolver) Resolve(service string, options string) ([]Endpoint, error) {
	key := service + "\x00" + options

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if e, ok := r.cache[key]; ok && time.Now().Before(e.expires) {
		return e.endpoints, nil
	}
	endpoints, err := r.next.Resolve(service, options)
	if err != nil {
		return nil, err
	}
	r.cache[key] = cacheEntry{endpoints: endpoints, expires: time.Now().Add(r.ttl)}
	return endpoints, nil
}

// IsCoordinationPath reports whether host carries a coordination
// prefix like zk://ensemble/path that must be resolved before dialing.
func IsCoordinationPath(host string) bool {
	return strings.HasPrefix(host, "zk://")
}

// ParseCoordinationPath splits zk://ensemble/path into the ensemble
// address and the registration path. The network store looks up the
// whole path, leading slash included, as the service name.
func ParseCoordinationPath(host string) (ensemble, path string, err error) {
	rest := strings.TrimPrefix(host, "zk://")
	slash := strings.IndexByte(rest, '/')
	if slash <= 0 || slash == len(rest)-1 {
		return "", "", errors.Errorf("malformed coordination path %q", host)
	}
	return rest[:slash], rest[slash:], nil
}
