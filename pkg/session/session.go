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

// Package session holds the per-connection state of a broker: its identity,
// its role and the outbound surface used for replies and pushes.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/turtacn/meshbroker/pkg/topic"
	"golang.org/x/time/rate"
)

// Outbox is the write side of a connection. Send must not block.
type Outbox interface {
	Send(line string) bool
	Close()
}

// Session is the state of one connection. A connection may act as publisher
// and subscriber at once; it becomes a peer once it is dialed as a mesh link
// or sends a broker-to-broker command.
type Session struct {
	id     topic.SessionID
	remote string
	out    Outbox

	limiter *rate.Limiter
	dialed  bool

	peer     atomic.Bool
	mu       sync.RWMutex
	peerAddr string
	node     string

	log logrus.FieldLogger
}

// Option configures a Session.
type Option func(*Session)

// WithRateLimit limits the commands accepted from a client connection to
// perSecond, allowing bursts of burst. Peer links are never limited.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Session) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithLogger sets the parent logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Session) { s.log = l }
}

// Dialed marks the session as an outbound mesh link to the broker at addr.
func Dialed(addr string) Option {
	return func(s *Session) {
		s.dialed = true
		s.peer.Store(true)
		s.peerAddr = addr
	}
}

// New creates the session for the connection to remote.
func New(id topic.SessionID, remote string, out Outbox, opts ...Option) *Session {
	s := &Session{
		id:     id,
		remote: remote,
		out:    out,
		log:    logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.WithFields(logrus.Fields{"session": uint64(id), "remote": remote})
	return s
}

// ID implements topic.Subscriber.
func (s *Session) ID() topic.SessionID { return s.id }

// Deliver implements topic.Subscriber. It queues msg without blocking.
func (s *Session) Deliver(msg string) bool {
	return s.out.Send(msg)
}

// RemoteAddr returns the address the connection came from.
func (s *Session) RemoteAddr() string { return s.remote }

// Remote implements topic.Subscriber: peer links record interest but are not
// pushed to.
func (s *Session) Remote() bool { return s.peer.Load() }

// Send queues a single line and reports whether it was accepted.
func (s *Session) Send(line string) bool {
	return s.out.Send(line)
}

// Reply queues the lines of a response in order. It stops at the first line
// that cannot be queued.
func (s *Session) Reply(lines ...string) bool {
	for _, l := range lines {
		if !s.out.Send(l) {
			s.Log().Warn("Outbound queue rejected reply")
			return false
		}
	}
	return true
}

// MarkPeer records that the connection belongs to another broker. addr is its
// advertised host:port when known; the first non-empty addr sticks. It
// reports whether the session was not a peer before.
func (s *Session) MarkPeer(addr string) bool {
	if addr != "" {
		s.mu.Lock()
		if s.peerAddr == "" {
			s.peerAddr = addr
			s.log = s.log.WithField("peer", addr)
		}
		s.mu.Unlock()
	}
	return s.peer.CompareAndSwap(false, true)
}

// PeerAddr returns the advertised address of the peer broker, if known.
func (s *Session) PeerAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerAddr
}

// SetNode records the node id the peer announced over this connection. Only
// the first id is kept; it reports whether node was recorded.
func (s *Session) SetNode(node string) bool {
	if node == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.node != "" {
		return false
	}
	s.node = node
	s.log = s.log.WithField("peer_node", node)
	return true
}

// Node returns the announced node id of the peer broker, if any.
func (s *Session) Node() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.node
}

// IsDialed reports whether this broker opened the connection as a mesh link.
func (s *Session) IsDialed() bool { return s.dialed }

// Allow reports whether one more command may be processed now.
func (s *Session) Allow() bool {
	if s.limiter == nil || s.peer.Load() {
		return true
	}
	return s.limiter.Allow()
}

// Close closes the underlying connection.
func (s *Session) Close() {
	s.out.Close()
}

// Log returns the session-scoped logger.
func (s *Session) Log() logrus.FieldLogger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log
}

func (s *Session) String() string {
	if addr := s.PeerAddr(); addr != "" {
		return fmt.Sprintf("session %d (peer %s)", s.id, addr)
	}
	return fmt.Sprintf("session %d (%s)", s.id, s.remote)
}
