/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package wire

import (
	"sync"
	"time"

	"github.com/riverlog-project/riverlog/pkg/logger"
	"go.uber.org/zap"
)

type (
	// ConnPool shares one Client per endpoint across every network
	// store in the process. Entries are reference counted; the
	// connection closes when the last holder releases it. Store copies
	// may call Release more than once by mistake, so a released entry
	// pins its count at zero.
	ConnPool struct {
		mutex   sync.Mutex
		entries map[string]*PoolConn
	}

	PoolConn struct {
		pool   *ConnPool
		addr   string
		client *Client
		refs   int
	}
)

func NewConnPool() *ConnPool {
	return &ConnPool{entries: make(map[string]*PoolConn)}
}

// Acquire returns the shared client for addr, dialing on first use.
func (p *ConnPool) Acquire(addr string, timeout time.Duration) (*PoolConn, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if e, ok := p.entries[addr]; ok {
		e.refs++
		return e, nil
	}
	client, err := Dial(addr, timeout)
	if err != nil {
		return nil, err
	}
	e := &PoolConn{pool: p, addr: addr, client: client, refs: 1}
	p.entries[addr] = e
	return e, nil
}

func (e *PoolConn) Client() *Client {
	return e.client
}

// Release decrements the refcount, closing the connection when it
// reaches zero. Extra releases are logged and ignored.
func (e *PoolConn) Release() {
	p := e.pool
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if e.refs <= 0 {
		logger.Warnz("connection pool release after close", zap.String("addr", e.addr))
		return
	}
	e.refs--
	if e.refs == 0 {
		e.client.Close()
		delete(p.entries, e.addr)
	}
}

// OpenConns reports the live endpoint count.
func (p *ConnPool) OpenConns() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.entries)
}
