/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

// Package stat counts per-category events (received, sent, retries,
// lost ...). Counters are mirrored into a prometheus registry for the
// /metrics endpoint and printed periodically to the stat log.
package stat

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/riverlog-project/riverlog/pkg/logger"
)

type (
	Manager struct {
		interval time.Duration
		registry *prometheus.Registry

		mutex    sync.Mutex
		counters map[string]*Counter
		stopped  int32
		stop     chan struct{}
	}

	Counter struct {
		name string
		vec  *prometheus.CounterVec

		mutex sync.Mutex
		data  map[string]int64
	}
)

var std = NewManager(time.Minute)

func NewManager(interval time.Duration) *Manager {
	return &Manager{
		interval: interval,
		registry: prometheus.NewRegistry(),
		counters: make(map[string]*Counter),
		stop:     make(chan struct{}),
	}
}

// Default returns the process-wide manager.
func Default() *Manager {
	return std
}

func (m *Manager) PrometheusRegistry() *prometheus.Registry {
	return m.registry
}

func (m *Manager) Counter(name string) *Counter {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if c, ok := m.counters[name]; ok {
		return c
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riverlog",
		Name:      sanitize(name),
		Help:      name + " per category",
	}, []string{"category"})
	m.registry.MustRegister(vec)
	c := &Counter{
		name: name,
		vec:  vec,
		data: make(map[string]int64),
	}
	m.counters[name] = c
	return c
}

func (m *Manager) Start() {
	go m.loop()
}

func (m *Manager) Stop() {
	if atomic.CompareAndSwapInt32(&m.stopped, 0, 1) {
		close(m.stop)
	}
}

func (m *Manager) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.print()
		}
	}
}

// print emits one stat line per counter with per-category values in
// stable order.
func (m *Manager) print() {
	m.mutex.Lock()
	counters := make([]*Counter, 0, len(m.counters))
	for _, c := range m.counters {
		counters = append(counters, c)
	}
	m.mutex.Unlock()

	sort.Slice(counters, func(i, j int) bool { return counters[i].name < counters[j].name })
	for _, c := range counters {
		if line := c.statLine(); line != "" {
			logger.Stat(line)
		}
	}
}

func (c *Counter) Add(category string, delta int64) {
	if delta == 0 {
		return
	}
	c.vec.WithLabelValues(category).Add(float64(delta))

	c.mutex.Lock()
	c.data[category] += delta
	c.mutex.Unlock()
}

func (c *Counter) Inc(category string) {
	c.Add(category, 1)
}

// Get returns the accumulated value for a category.
func (c *Counter) Get(category string) int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.data[category]
}

func (c *Counter) statLine() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.data) == 0 {
		return ""
	}
	categories := make([]string, 0, len(c.data))
	for category := range c.data {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	var sb strings.Builder
	sb.WriteString(c.name)
	for _, category := range categories {
		fmt.Fprintf(&sb, " %s=%d", category, c.data[category])
	}
	return sb.String()
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, name)
}
