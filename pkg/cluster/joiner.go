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

package cluster

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/turtacn/meshbroker/pkg/actor"
)

// DialRequest asks the joiner to link to the broker advertised at Addr.
type DialRequest struct {
	Addr string
	// Source names who asked, for logs: "seed", "newbroker", "discovery".
	Source string
}

// DialFunc opens a link to addr and registers it with the mesh.
type DialFunc func(ctx context.Context, addr string) error

// Joiner is the actor that forms the mesh. Dials are performed one at a time
// in mailbox order, so concurrent announcements of the same broker produce a
// single link. A failed dial is logged and not retried.
type Joiner struct {
	mesh    *Manager
	dial    DialFunc
	isSelf  func(addr string) bool
	resolve ResolveFunc
	log     logrus.FieldLogger
}

// JoinerOption configures a Joiner.
type JoinerOption func(*Joiner)

// WithResolver replaces Canonical as the mapping from requested addresses to
// link keys.
func WithResolver(r ResolveFunc) JoinerOption {
	return func(j *Joiner) { j.resolve = r }
}

// NewJoiner creates a joiner for mesh. isSelf filters out the broker's own
// addresses. Requested addresses are resolved before they are compared with
// the existing links and dialed.
func NewJoiner(mesh *Manager, dial DialFunc, isSelf func(addr string) bool, log logrus.FieldLogger, opts ...JoinerOption) *Joiner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if isSelf == nil {
		isSelf = func(string) bool { return false }
	}
	j := &Joiner{
		mesh:    mesh,
		dial:    dial,
		isSelf:  isSelf,
		resolve: Canonical,
		log:     log.WithField("component", "joiner"),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Start implements actor.Actor.
func (j *Joiner) Start(ctx context.Context, mb *actor.Mailbox) error {
	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case DialRequest:
			j.join(ctx, m)
		default:
			j.log.Warnf("Joiner received unknown message type: %T", m)
		}
	}
}

func (j *Joiner) join(ctx context.Context, req DialRequest) {
	log := j.log.WithFields(logrus.Fields{"peer": req.Addr, "source": req.Source})
	addr, err := j.resolve(ctx, req.Addr)
	if err != nil {
		log.WithError(err).Warn("Failed to resolve peer broker address")
		return
	}
	if addr != req.Addr {
		log = log.WithField("resolved", addr)
	}
	switch {
	case j.isSelf(addr):
		log.Debug("Skipping own address")
		return
	case j.mesh.HasLink(addr):
		log.Debug("Peer already linked")
		return
	}
	if err := j.dial(ctx, addr); err != nil {
		log.WithError(err).Warn("Failed to connect to peer broker")
		return
	}
	log.Info("Connected to peer broker")
}

// Request queues a dial of addr on the joiner's mailbox without blocking. It
// reports false if the mailbox is full.
func Request(mb *actor.Mailbox, addr, source string) bool {
	return mb.TrySend(DialRequest{Addr: addr, Source: source})
}
