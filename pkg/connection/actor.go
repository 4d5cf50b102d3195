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

// Package connection runs one protoactor actor per TCP connection. The actor
// owns the write side of the socket: every outbound line, whether a reply, a
// push or a forwarded command, travels through its bounded mailbox and is
// written with a deadline, so a slow reader never blocks the goroutine that
// produced the line. The read side runs in its own goroutine and hands each
// received line to a Handler.
package connection

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/sirupsen/logrus"
)

// Handler consumes the inbound side of a connection.
type Handler interface {
	// HandleLine is called from the reader goroutine for every received
	// line, in arrival order.
	HandleLine(line string)
	// Closed is called exactly once after the connection terminated. err is
	// nil on a clean end of stream or a local close.
	Closed(err error)
}

// Options tune a connection.
type Options struct {
	// Queue bounds the lines waiting to be written.
	Queue        int
	WriteTimeout time.Duration
	MaxLineBytes int
	Log          logrus.FieldLogger
}

func (o *Options) setDefaults() {
	if o.Queue <= 0 {
		o.Queue = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = 64 * 1024
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
}

// outbound is the mailbox message carrying one line to write.
type outbound struct {
	line string
}

// Conn is the handle of a running connection actor.
type Conn struct {
	system *actor.ActorSystem
	pid    *actor.PID
	nc     net.Conn

	limit    int64
	pending  atomic.Int64
	stopping atomic.Bool

	log logrus.FieldLogger
}

// Spawn starts the actor for nc. bind receives the new handle and returns the
// Handler fed by the reader goroutine; it runs before any line is read.
func Spawn(system *actor.ActorSystem, nc net.Conn, opts Options, bind func(*Conn) Handler) *Conn {
	opts.setDefaults()
	c := &Conn{
		system: system,
		nc:     nc,
		limit:  int64(opts.Queue),
		log:    opts.Log,
	}
	h := bind(c)

	props := actor.PropsFromProducer(func() actor.Actor {
		return &writer{conn: c, timeout: opts.WriteTimeout}
	}, actor.WithMailbox(actor.BoundedDropping(opts.Queue)))
	c.pid = system.Root.Spawn(props)

	go c.readLoop(h, opts.MaxLineBytes)
	return c
}

// Send queues line for writing without blocking. It reports false when the
// connection is closing or its queue is full; the line is then dropped.
func (c *Conn) Send(line string) bool {
	if c.stopping.Load() {
		return false
	}
	if c.pending.Add(1) > c.limit {
		c.pending.Add(-1)
		return false
	}
	c.system.Root.Send(c.pid, outbound{line: line})
	return true
}

// Close stops the actor, discarding queued lines, and closes the socket.
func (c *Conn) Close() {
	if c.stopping.CompareAndSwap(false, true) {
		c.system.Root.Stop(c.pid)
	}
}

// RemoteAddr returns the address of the other end.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

func (c *Conn) readLoop(h Handler, maxLine int) {
	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 0, 4096), maxLine)
	for scanner.Scan() {
		h.HandleLine(scanner.Text())
	}
	err := scanner.Err()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	// The peer stopped sending: flush what is queued, then stop.
	if c.stopping.CompareAndSwap(false, true) {
		c.system.Root.Poison(c.pid)
	}
	h.Closed(err)
}

// writer is the actor owning the socket's write side.
type writer struct {
	conn    *Conn
	timeout time.Duration
}

// Receive is the message handler for the connection actor.
func (w *writer) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case outbound:
		w.conn.pending.Add(-1)
		if err := w.write(msg.line); err != nil {
			w.conn.log.WithError(err).Warn("Write failed, closing connection")
			w.conn.stopping.Store(true)
			ctx.Stop(ctx.Self())
		}
	case *actor.Stopping:
		w.conn.stopping.Store(true)
		_ = w.conn.nc.Close()
	}
}

func (w *writer) write(line string) error {
	if err := w.conn.nc.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return err
	}
	_, err := io.WriteString(w.conn.nc, line+"\n")
	return err
}
