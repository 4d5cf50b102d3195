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

// Package broker ties the topic registry, the connection sessions and the
// mesh together into one broker instance.
package broker

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	protoactor "github.com/asynkron/protoactor-go/actor"
	"github.com/sirupsen/logrus"
	"github.com/turtacn/meshbroker/pkg/actor"
	"github.com/turtacn/meshbroker/pkg/cluster"
	"github.com/turtacn/meshbroker/pkg/config"
	"github.com/turtacn/meshbroker/pkg/connection"
	"github.com/turtacn/meshbroker/pkg/metrics"
	"github.com/turtacn/meshbroker/pkg/session"
	"github.com/turtacn/meshbroker/pkg/storage"
	"github.com/turtacn/meshbroker/pkg/supervisor"
	"github.com/turtacn/meshbroker/pkg/topic"
)

// Options configure a Broker.
type Options struct {
	NodeID string
	// Advertise is announced in newbroker; empty derives it per dialed link.
	Advertise string

	OutboundQueue int
	WriteTimeout  time.Duration
	DialTimeout   time.Duration
	MaxLineBytes  int

	SeenSize int
	SeenTTL  time.Duration

	CommandRate  float64
	CommandBurst int

	// Observer, if set, receives registry events.
	Observer topic.Observer
	Log      logrus.FieldLogger
}

// OptionsFromConfig maps the configuration file onto broker options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		NodeID:        cfg.NodeID,
		Advertise:     cfg.Advertise,
		OutboundQueue: cfg.OutboundQueue,
		WriteTimeout:  cfg.WriteTimeout.Std(),
		DialTimeout:   cfg.DialTimeout.Std(),
		MaxLineBytes:  cfg.MaxLineBytes,
		SeenSize:      cfg.Dedup.Size,
		SeenTTL:       cfg.Dedup.TTL.Std(),
		CommandRate:   cfg.CommandRate,
		CommandBurst:  cfg.CommandBurst,
	}
}

// Stats is a point-in-time summary of the broker.
type Stats struct {
	Sessions int
	Topics   int
	Peers    []string
}

// Broker is one broker process: it owns the registry, the open sessions and
// the mesh state, and is handed to every connection it serves.
type Broker struct {
	opts Options

	system   *protoactor.ActorSystem
	topics   *topic.Store
	mesh     *cluster.Manager
	sessions *storage.MemStore[topic.SessionID, *session.Session]
	conns    sync.WaitGroup
	nextID   atomic.Uint64

	// order serializes applying a mutation with queuing its replication, so
	// every peer receives replicated commands in the order they were applied
	// here.
	order sync.Mutex
	// nodes maps the node ids of other brokers to their registry identity.
	// Guarded by order.
	nodes map[string]*remoteNode

	sup     *supervisor.OneForOneSupervisor
	joinBox *actor.Mailbox
	ctx     context.Context
	cancel  context.CancelFunc

	selfMu     sync.RWMutex
	listenPort string
	selfHosts  map[string]struct{}

	ready   atomic.Bool
	closing atomic.Bool

	log logrus.FieldLogger
}

// New creates a broker. Call Start to begin forming the mesh and Attach to
// serve connections.
func New(opts Options) *Broker {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	log := opts.Log.WithFields(logrus.Fields{"component": "broker", "node": opts.NodeID})

	b := &Broker{
		opts:   opts,
		system: protoactor.NewActorSystem(),
		topics: topic.NewStore(opts.Log),
		mesh: cluster.NewManager(opts.NodeID, cluster.Options{
			SeenSize: opts.SeenSize,
			SeenTTL:  opts.SeenTTL,
			Log:      opts.Log,
		}),
		sessions:  storage.NewMemStore[topic.SessionID, *session.Session](),
		nodes:     make(map[string]*remoteNode),
		sup:       supervisor.NewOneForOneSupervisor(supervisor.WithLogger(opts.Log)),
		joinBox:   actor.NewMailbox(256),
		selfHosts: make(map[string]struct{}),
		log:       log,
	}
	if opts.Observer != nil {
		b.topics.SetObserver(opts.Observer)
	}
	return b
}

// Topics exposes the registry, mainly for inspection.
func (b *Broker) Topics() *topic.Store { return b.topics }

// Mesh exposes the mesh state.
func (b *Broker) Mesh() *cluster.Manager { return b.mesh }

// Start launches the mesh joiner and asks it to link to seeds.
func (b *Broker) Start(ctx context.Context, seeds []string) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	joiner := cluster.NewJoiner(b.mesh, b.Dial, b.isSelf, b.opts.Log)
	b.sup.StartChild(b.ctx, supervisor.Spec{
		ID:      "joiner",
		Actor:   joiner,
		Restart: supervisor.RestartPermanent,
		Mailbox: b.joinBox,
	})
	for _, addr := range seeds {
		b.Join(addr, "seed")
	}
}

// Supervise runs a background service for the lifetime of the broker. Start
// must have been called.
func (b *Broker) Supervise(spec supervisor.Spec) {
	b.sup.StartChild(b.ctx, spec)
}

// Join asks the joiner to link to the broker advertised at addr.
func (b *Broker) Join(addr, source string) {
	if !cluster.Request(b.joinBox, addr, source) {
		b.log.WithField("peer", addr).Warn("Joiner mailbox full, dropping dial request")
	}
}

// SetListenAddr records the bound listener address. The broker reports ready
// from then on.
func (b *Broker) SetListenAddr(addr net.Addr) {
	port := ""
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = strconv.Itoa(tcp.Port)
	} else if _, p, err := net.SplitHostPort(addr.String()); err == nil {
		port = p
	}
	b.selfMu.Lock()
	b.listenPort = port
	b.selfMu.Unlock()
	b.collectSelfHosts()
	b.ready.Store(true)
}

// Ready reports whether the broker is accepting connections.
func (b *Broker) Ready() bool {
	return b.ready.Load() && !b.closing.Load()
}

// Stats returns a summary of the broker state.
func (b *Broker) Stats() Stats {
	return Stats{
		Sessions: b.sessions.Len(),
		Topics:   b.topics.Len(),
		Peers:    b.mesh.Peers(),
	}
}

// Attach serves an accepted connection.
func (b *Broker) Attach(nc net.Conn) {
	if b.closing.Load() {
		_ = nc.Close()
		return
	}
	b.attach(nc, "")
}

// attach spawns the connection actor and session for nc. With a non-empty
// dialed address the session is registered as the mesh link to that broker
// before any line is read; it reports false if such a link already exists.
func (b *Broker) attach(nc net.Conn, dialed string) (*session.Session, bool) {
	id := topic.SessionID(b.nextID.Add(1))
	log := b.opts.Log.WithFields(logrus.Fields{"component": "session", "node": b.opts.NodeID})

	opts := []session.Option{
		session.WithLogger(log),
		session.WithRateLimit(b.opts.CommandRate, b.opts.CommandBurst),
	}
	if dialed != "" {
		opts = append(opts, session.Dialed(dialed))
	}

	var sess *session.Session
	linked := true
	b.conns.Add(1)
	connection.Spawn(b.system, nc, connection.Options{
		Queue:        b.opts.OutboundQueue,
		WriteTimeout: b.opts.WriteTimeout,
		MaxLineBytes: b.opts.MaxLineBytes,
		Log:          log.WithField("session", uint64(id)),
	}, func(c *connection.Conn) connection.Handler {
		sess = session.New(id, c.RemoteAddr().String(), c, opts...)
		_ = b.sessions.Set(id, sess)
		metrics.ActiveSessions.Inc()
		if dialed != "" {
			linked = b.mesh.AddLink(dialed, sess)
		}
		return &handler{b: b, s: sess}
	})

	metrics.ConnectionsTotal.Inc()
	sess.Log().Debug("Session opened")
	if !linked {
		sess.Close()
	}
	return sess, linked
}

// handler connects a connection's read side to the broker.
type handler struct {
	b *Broker
	s *session.Session
}

func (h *handler) HandleLine(raw string) { h.b.dispatch(h.s, raw) }

func (h *handler) Closed(err error) { h.b.closeSession(h.s, err) }

// closeSession runs crash cleanup for a terminated session exactly once.
func (b *Broker) closeSession(s *session.Session, err error) {
	defer b.conns.Done()
	log := s.Log()
	if err != nil {
		log.WithError(err).Info("Connection terminated")
	} else {
		log.Debug("Connection closed")
	}

	_ = b.sessions.Delete(s.ID())
	metrics.ActiveSessions.Dec()
	if s.IsDialed() {
		b.mesh.RemoveLink(s.PeerAddr(), s)
	}

	b.order.Lock()
	defer b.order.Unlock()
	rel := b.topics.Release(s.ID())
	left := b.unbindNode(s)
	if b.closing.Load() {
		return
	}
	// Other brokers linked to a departed node release its subscriptions
	// themselves, so only its topics are replicated.
	deleted := append(rel.Deleted, left.Deleted...)
	for _, id := range deleted {
		b.replicate(deleteCommand(id))
	}
	for _, id := range rel.Unsubscribed {
		b.replicate(unsubscribeCommand(id))
	}
	if len(deleted)+len(rel.Unsubscribed)+len(left.Unsubscribed) > 0 {
		log.WithFields(logrus.Fields{
			"deleted":      len(deleted),
			"unsubscribed": len(rel.Unsubscribed) + len(left.Unsubscribed),
		}).Info("Cleaned up after closed connection")
	}
}

// Shutdown stops the joiner, closes the mesh links and every other
// connection, and waits for their
// cleanup, bounded by ctx. Replication is suppressed: peers run their own
// cleanup when they lose their links to this broker.
func (b *Broker) Shutdown(ctx context.Context) error {
	if !b.closing.CompareAndSwap(false, true) {
		return nil
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.mesh.Close()
	b.sessions.Range(func(_ topic.SessionID, s *session.Session) bool {
		s.Close()
		return true
	})

	done := make(chan struct{})
	go func() {
		b.conns.Wait()
		b.sup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.system.Shutdown()
	b.log.Info("Broker stopped")
	return nil
}
