/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package server

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/riverlog-project/riverlog/pkg/model"
	"github.com/riverlog-project/riverlog/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	mutex   sync.Mutex
	refuse  bool
	batches []model.LogBatch
}

func (h *fakeHandler) HandleMessages(batch *model.LogBatch) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.refuse {
		return false
	}
	h.batches = append(h.batches, batch.Copy())
	*batch = (*batch)[:0]
	return true
}

func startServer(t *testing.T, h Handler) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	srv := New(addr, h)
	go srv.Serve()
	t.Cleanup(srv.Stop)

	// wait for the listener to come up
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("tcp", addr); err == nil {
			conn.Close()
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server did not start")
	return ""
}

func TestServerAcceptsBatches(t *testing.T) {
	h := &fakeHandler{}
	addr := startServer(t, h)

	client, err := wire.Dial(addr, 2*time.Second)
	require.NoError(t, err)
	defer client.Close()

	batch := model.LogBatch{
		model.NewStringLogEntry("web", "hello\n"),
		model.NewStringLogEntry("app", "world\n"),
	}
	require.NoError(t, client.Send(batch))

	h.mutex.Lock()
	defer h.mutex.Unlock()
	require.Len(t, h.batches, 1)
	assert.Equal(t, "web", h.batches[0][0].Category)
	assert.Equal(t, []byte("hello\n"), h.batches[0][0].Message)
}

func TestServerAnswersTryLater(t *testing.T) {
	h := &fakeHandler{refuse: true}
	addr := startServer(t, h)

	client, err := wire.Dial(addr, 2*time.Second)
	require.NoError(t, err)
	defer client.Close()

	err = client.Send(model.LogBatch{model.NewStringLogEntry("web", "x")})
	assert.Equal(t, wire.ErrTryLater, err)
}

func TestServerStopIsIdempotent(t *testing.T) {
	h := &fakeHandler{}
	srv := New("127.0.0.1:0", h)
	srv.Stop()
	srv.Stop()
	assert.NoError(t, srv.Serve())
}
