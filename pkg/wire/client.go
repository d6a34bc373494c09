/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package wire

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/riverlog-project/riverlog/pkg/model"
)

type (
	// Client is one long-lived connection to an upstream peer. Send is
	// safe for concurrent callers; batches are serialized on the
	// connection.
	Client struct {
		addr    string
		timeout time.Duration

		mutex sync.Mutex
		conn  net.Conn
	}
)

func Dial(addr string, timeout time.Duration) (*Client, error) {
	c := &Client{addr: addr, timeout: timeout}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return errors.Wrapf(err, "dial %s", c.addr)
	}
	c.conn = conn
	return nil
}

func (c *Client) Addr() string {
	return c.addr
}

// Send writes the batch as one window and waits for the ack. The whole
// exchange runs under one deadline. Any protocol or I/O error closes
// the connection; the next Send reconnects.
func (c *Client) Send(batch model.LogBatch) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn == nil {
		if err := c.connect(); err != nil {
			return err
		}
	}

	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		c.closeLocked()
		return err
	}
	if err := WriteBatch(c.conn, batch); err != nil {
		c.closeLocked()
		return err
	}
	seq, code, err := ReadAck(c.conn)
	if err != nil {
		c.closeLocked()
		return err
	}
	if seq != uint32(len(batch)) {
		c.closeLocked()
		return errors.Errorf("short ack %d, sent %d entries", seq, len(batch))
	}
	if code == AckTryLater {
		return ErrTryLater
	}
	if code != AckOK {
		c.closeLocked()
		return errors.Errorf("unknown ack code %d", code)
	}
	return nil
}

func (c *Client) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
