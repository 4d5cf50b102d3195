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
package broker

import (
	"sort"

	"github.com/turtacn/meshbroker/pkg/session"
	"github.com/turtacn/meshbroker/pkg/topic"
)

// SessionInfo describes one open connection.
type SessionInfo struct {
	ID            uint64 `json:"id"`
	Remote        string `json:"remote"`
	Peer          bool   `json:"peer"`
	PeerAddr      string `json:"peer_addr,omitempty"`
	PeerNode      string `json:"peer_node,omitempty"`
	Dialed        bool   `json:"dialed"`
	Subscriptions int    `json:"subscriptions"`
}

// NodeID returns the id this broker stamps on the events it originates.
func (b *Broker) NodeID() string { return b.opts.NodeID }

// Sessions lists the open connections, sorted by id.
func (b *Broker) Sessions() []SessionInfo {
	var out []SessionInfo
	b.sessions.Range(func(id topic.SessionID, s *session.Session) bool {
		out = append(out, SessionInfo{
			ID:            uint64(id),
			Remote:        s.RemoteAddr(),
			Peer:          s.Remote(),
			PeerAddr:      s.PeerAddr(),
			PeerNode:      s.Node(),
			Dialed:        s.IsDialed(),
			Subscriptions: len(b.topics.ListSubscriptions(id)),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Disconnect closes session id; its cleanup runs as for any lost
// connection. It reports false if no such session is open.
func (b *Broker) Disconnect(id uint64) bool {
	s, err := b.sessions.Get(topic.SessionID(id))
	if err != nil {
		return false
	}
	s.Log().Info("Disconnecting session on request")
	s.Close()
	return true
}
