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
	"github.com/turtacn/meshbroker/pkg/session"
	"github.com/turtacn/meshbroker/pkg/topic"
)

// remoteNode is another broker of the mesh as seen by the registry. Topics
// replicated from it are owned by it and subscriptions it relays are counted
// against it, whichever link delivered the event. Its state is released when
// the last connection over which it announced itself closes.
type remoteNode struct {
	id    topic.SessionID
	name  string
	links int
}

// ID implements topic.Subscriber.
func (n *remoteNode) ID() topic.SessionID { return n.id }

// Deliver implements topic.Subscriber. The node receives forwarded publishes
// over the mesh instead.
func (n *remoteNode) Deliver(string) bool { return false }

// Remote implements topic.Subscriber.
func (n *remoteNode) Remote() bool { return true }

// nodeFor returns the registry identity of the broker origin. The caller
// holds b.order.
func (b *Broker) nodeFor(origin string) *remoteNode {
	n, ok := b.nodes[origin]
	if !ok {
		n = &remoteNode{id: topic.SessionID(b.nextID.Add(1)), name: origin}
		b.nodes[origin] = n
	}
	return n
}

// bindNode records that s carries the events of the broker node. The caller
// holds b.order.
func (b *Broker) bindNode(s *session.Session, node string) {
	if node == "" || node == b.opts.NodeID || !s.SetNode(node) {
		return
	}
	b.nodeFor(node).links++
}

// unbindNode drops the binding of the closed session s. Once the announced
// node has no connection left, the topics and subscriptions replicated from
// it are released. The caller holds b.order.
func (b *Broker) unbindNode(s *session.Session) topic.Cleanup {
	name := s.Node()
	n, ok := b.nodes[name]
	if name == "" || !ok {
		return topic.Cleanup{}
	}
	if n.links--; n.links > 0 {
		return topic.Cleanup{}
	}
	delete(b.nodes, name)
	return b.topics.Release(n.id)
}
