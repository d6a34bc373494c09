/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

// Package server is the edge listener: it accepts framed batches from
// downstream clients and hands them to the agent handler. A handler
// refusal is answered with TRY_LATER so the client keeps the batch.
package server

import (
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/riverlog-project/riverlog/pkg/logger"
	"github.com/riverlog-project/riverlog/pkg/model"
	"github.com/riverlog-project/riverlog/pkg/wire"
	"go.uber.org/zap"
)

type (
	Handler interface {
		HandleMessages(batch *model.LogBatch) bool
	}

	Server struct {
		addr    string
		handler Handler

		mutex    sync.Mutex
		listener net.Listener
		stopped  bool
	}
)

func New(addr string, handler Handler) *Server {
	return &Server{addr: addr, handler: handler}
}

// Serve accepts connections until Stop. It returns the first fatal
// accept error.
func (s *Server) Serve() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mutex.Unlock()

	logger.Infoz("[server] listening", zap.String("addr", s.addr))
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mutex.Lock()
			stopped := s.stopped
			s.mutex.Unlock()
			if stopped {
				return nil
			}
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *Server) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.stopped = true
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	session := uuid.NewString()
	logger.Infoz("[server] client connected",
		zap.String("session", session),
		zap.String("remote", conn.RemoteAddr().String()))
	defer conn.Close()

	for {
		batch, err := wire.ReadBatch(conn)
		if err != nil {
			if err != io.EOF {
				logger.Warnz("[server] read batch failed",
					zap.String("session", session), zap.Error(err))
			}
			return
		}
		seq := uint32(len(batch))
		code := wire.AckOK
		if !s.handler.HandleMessages(&batch) {
			code = wire.AckTryLater
		}
		if err := wire.WriteAck(conn, seq, code); err != nil {
			logger.Warnz("[server] write ack failed",
				zap.String("session", session), zap.Error(err))
			return
		}
	}
}
