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
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/turtacn/meshbroker/pkg/cluster"
	"github.com/turtacn/meshbroker/pkg/protocol/line"
)

// ErrAlreadyLinked is returned by Dial when the mesh already has a link to
// the address.
var ErrAlreadyLinked = errors.New("peer already linked")

const defaultResolveTimeout = 5 * time.Second

// Dial opens the mesh link to the broker advertised at addr and announces
// this broker over it with newbroker, so the peer links back. The link is
// keyed by the resolved address.
func (b *Broker) Dial(ctx context.Context, addr string) error {
	if b.closing.Load() {
		return net.ErrClosed
	}
	addr, err := cluster.Canonical(ctx, addr)
	if err != nil {
		return fmt.Errorf("resolve peer address: %w", err)
	}
	d := net.Dialer{Timeout: b.opts.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	self := b.advertiseFor(nc)
	b.rememberSelf(self)

	s, linked := b.attach(nc, addr)
	if !linked {
		return ErrAlreadyLinked
	}
	announce := line.Command{Kind: line.KindNewBroker, Addr: self, Node: b.opts.NodeID}
	if !s.Send(announce.Encode()) {
		s.Close()
		return fmt.Errorf("announce to %s: outbound queue rejected newbroker", addr)
	}
	return nil
}

// canonical resolves an announced peer address the way links are keyed,
// falling back to addr when it cannot be resolved.
func (b *Broker) canonical(addr string) string {
	timeout := b.opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	resolved, err := cluster.Canonical(ctx, addr)
	if err != nil {
		b.log.WithError(err).WithField("peer", addr).Debug("Cannot resolve announced address")
		return addr
	}
	return resolved
}

// advertiseFor returns the address announced over nc: the configured
// advertise address, or the local IP of nc with the listen port.
func (b *Broker) advertiseFor(nc net.Conn) string {
	if b.opts.Advertise != "" {
		return b.opts.Advertise
	}
	b.selfMu.RLock()
	port := b.listenPort
	b.selfMu.RUnlock()

	host := ""
	if tcp, ok := nc.LocalAddr().(*net.TCPAddr); ok {
		host = tcp.IP.String()
	} else if h, _, err := net.SplitHostPort(nc.LocalAddr().String()); err == nil {
		host = h
	}
	return net.JoinHostPort(host, port)
}

func (b *Broker) rememberSelf(addr string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return
	}
	b.selfMu.Lock()
	defer b.selfMu.Unlock()
	if port == b.listenPort {
		b.selfHosts[host] = struct{}{}
	}
}

// isSelf reports whether addr names this broker's own listener.
func (b *Broker) isSelf(addr string) bool {
	if addr == b.opts.Advertise {
		return true
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}

	b.selfMu.RLock()
	defer b.selfMu.RUnlock()
	if port != b.listenPort {
		return false
	}
	if _, ok := b.selfHosts[host]; ok {
		return true
	}
	ip := net.ParseIP(host)
	if host == "localhost" || (ip != nil && (ip.IsLoopback() || ip.IsUnspecified())) {
		return true
	}
	return false
}

// collectSelfHosts records the addresses of the local interfaces.
func (b *Broker) collectSelfHosts() {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		b.log.WithError(err).Debug("Cannot list interface addresses")
		return
	}
	b.selfMu.Lock()
	defer b.selfMu.Unlock()
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			b.selfHosts[ipnet.IP.String()] = struct{}{}
		}
	}
}
