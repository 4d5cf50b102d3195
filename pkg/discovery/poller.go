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

package discovery

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/turtacn/meshbroker/pkg/actor"
)

// Poller is the actor that queries a Discovery backend on an interval and
// passes every result to join. Already linked peers are filtered by the
// receiver of join.
type Poller struct {
	source   Discovery
	interval time.Duration
	join     func(addr, source string)
	log      logrus.FieldLogger
}

// NewPoller creates a poller. The first query runs immediately.
func NewPoller(source Discovery, interval time.Duration, join func(addr, source string), log logrus.FieldLogger) *Poller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Poller{
		source:   source,
		interval: interval,
		join:     join,
		log:      log.WithField("component", "discovery"),
	}
}

// Start implements actor.Actor. A message on the mailbox forces an immediate
// query.
func (p *Poller) Start(ctx context.Context, mb *actor.Mailbox) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-mb.Chan():
		}
		p.poll(ctx)
	}
}

func (p *Poller) poll(ctx context.Context) {
	peers, err := p.source.DiscoverPeers(ctx)
	if err != nil {
		p.log.WithError(err).Warn("Peer discovery failed")
		return
	}
	p.log.Debugf("Discovered %d peers", len(peers))
	for _, peer := range peers {
		p.join(peer.Address, "discovery")
	}
}
