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

// Package cluster federates brokers into a mesh. Each broker keeps one
// outbound link per peer, identified by the resolved host:port of the peer, and
// replicates every locally applied mutation over all of them.
//
// Replicated commands carry an event id made of the originating node id and
// a per-node sequence number. A broker remembers recently seen ids and relays
// an event it has not seen before to every link except the one it came from,
// so events reach the whole mesh over any topology without looping. Commands
// from peers that send no id are applied but never relayed.
package cluster

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"github.com/turtacn/meshbroker/pkg/metrics"
	"github.com/turtacn/meshbroker/pkg/protocol/line"
)

// ErrPeerUnreachable reports that a replicated command could not be queued on
// a peer link.
var ErrPeerUnreachable = errors.New("peer unreachable")

// Link is the write side of a connection to a peer broker.
type Link interface {
	Send(line string) bool
	Close()
}

// Options tune a Manager.
type Options struct {
	// SeenSize bounds the number of remembered event ids.
	SeenSize int
	// SeenTTL is how long an event id is remembered.
	SeenTTL time.Duration
	Log     logrus.FieldLogger
}

// Manager tracks the peer links of one broker and replicates events over
// them.
type Manager struct {
	NodeID string

	mu    sync.RWMutex
	links map[string]Link

	seq    atomic.Uint64
	seenMu sync.Mutex
	seen   *expirable.LRU[line.EventID, struct{}]

	log logrus.FieldLogger
}

// NewManager creates the mesh state of the broker nodeID.
func NewManager(nodeID string, opts Options) *Manager {
	if opts.SeenSize <= 0 {
		opts.SeenSize = 8192
	}
	if opts.SeenTTL <= 0 {
		opts.SeenTTL = 10 * time.Minute
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Manager{
		NodeID: nodeID,
		links:  make(map[string]Link),
		seen:   expirable.NewLRU[line.EventID, struct{}](opts.SeenSize, nil, opts.SeenTTL),
		log:    opts.Log.WithFields(logrus.Fields{"component": "cluster", "node": nodeID}),
	}
}

// AddLink registers l as the link to the broker advertised at addr. It
// returns false, leaving the mesh unchanged, if a link to addr exists.
func (m *Manager) AddLink(addr string, l Link) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[addr]; ok {
		return false
	}
	m.links[addr] = l
	metrics.PeerLinks.Set(float64(len(m.links)))
	m.log.WithField("peer", addr).Info("Peer broker joined the mesh")
	return true
}

// RemoveLink drops the link to addr if it is still l.
func (m *Manager) RemoveLink(addr string, l Link) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.links[addr]; !ok || cur != l {
		return false
	}
	delete(m.links, addr)
	metrics.PeerLinks.Set(float64(len(m.links)))
	m.log.WithField("peer", addr).Warn("Peer broker left the mesh")
	return true
}

// HasLink reports whether a link to addr exists.
func (m *Manager) HasLink(addr string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.links[addr]
	return ok
}

// Peers returns the advertised addresses of the linked brokers, sorted.
func (m *Manager) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.links))
	for addr := range m.links {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// NextEvent allocates the id of a new locally originated event.
func (m *Manager) NextEvent() line.EventID {
	return line.EventID{Origin: m.NodeID, Seq: m.seq.Add(1)}
}

// Originate replicates a locally applied client mutation to every peer. The
// new event id is remembered so the event is not applied again if a peer
// relays it back. It returns the number of links the event was queued on.
func (m *Manager) Originate(cmd line.Command) int {
	id := m.NextEvent()
	fwd, ok := cmd.Forward(id)
	if !ok {
		return 0
	}
	m.markSeen(id)
	return m.broadcast(fwd, "")
}

// Accept decides whether a forwarded event should be applied. Events without
// an id are always applied. Otherwise the id is recorded and false is
// returned if it was seen before.
func (m *Manager) Accept(id line.EventID) bool {
	if id.IsZero() {
		return true
	}
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	if m.seen.Contains(id) {
		metrics.EventsDuplicate.Inc()
		return false
	}
	m.seen.Add(id, struct{}{})
	return true
}

// Relay passes an accepted forwarded event on to every link except the one
// to from. Events without an id are not relayed.
func (m *Manager) Relay(cmd line.Command, from string) int {
	if cmd.Event.IsZero() {
		return 0
	}
	return m.broadcast(cmd, from)
}

func (m *Manager) markSeen(id line.EventID) {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	m.seen.Add(id, struct{}{})
}

// broadcast queues cmd on every link but exclude. A link that cannot take the
// command is skipped for this event only.
func (m *Manager) broadcast(cmd line.Command, exclude string) int {
	encoded := cmd.Encode()

	m.mu.RLock()
	defer m.mu.RUnlock()
	sent := 0
	for addr, l := range m.links {
		if addr == exclude {
			continue
		}
		if !l.Send(encoded) {
			m.log.WithError(ErrPeerUnreachable).WithFields(logrus.Fields{
				"peer":    addr,
				"command": cmd.Kind.String(),
			}).Warn("Failed to forward event to peer broker")
			continue
		}
		sent++
		metrics.EventsForwarded.WithLabelValues(cmd.Kind.String()).Inc()
	}
	return sent
}

// Close closes every link.
func (m *Manager) Close() {
	m.mu.RLock()
	links := make([]Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.RUnlock()
	for _, l := range links {
		l.Close()
	}
}
