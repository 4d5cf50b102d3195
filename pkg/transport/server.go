// Copyright 2024 The meshbroker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport is the accept side of the broker: a TCP server that hands
// every accepted connection to an Acceptor.
package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Acceptor takes ownership of an accepted connection. Attach must not block
// for the lifetime of the connection.
type Acceptor interface {
	Attach(nc net.Conn)
}

// Server manages the accepting of raw TCP connections.
type Server struct {
	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once
	acceptor Acceptor
	log      logrus.FieldLogger
}

// NewServer creates a server handing connections to acceptor.
func NewServer(acceptor Acceptor, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		quit:     make(chan struct{}),
		acceptor: acceptor,
		log:      log.WithField("component", "transport"),
	}
}

// Start begins listening on addr and runs the accept loop in a new
// goroutine. A bind failure is returned to the caller.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.WithField("addr", ln.Addr().String()).Info("TCP server started")
	return nil
}

// Stop closes the listener and waits for the accept loop to exit. Connections
// already handed to the acceptor are not touched.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.wg.Wait()
		s.log.Info("TCP server stopped")
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	var delay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Back off on temporary failures such as running out of file
			// descriptors.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			s.log.WithError(err).Warnf("Error accepting connection, retrying in %v", delay)
			select {
			case <-s.quit:
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		s.log.WithField("remote", conn.RemoteAddr().String()).Debug("Accepted connection")
		s.acceptor.Attach(conn)
	}
}

// Addr returns the network address that the server is listening on.
// It returns nil if the server is not listening.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
