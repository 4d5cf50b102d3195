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

// Package connector exports registry events to external systems. The
// registry hands events to a Dispatcher without blocking; the dispatcher
// batches them and writes each batch to every configured Sink.
package connector

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/turtacn/meshbroker/pkg/actor"
	"github.com/turtacn/meshbroker/pkg/metrics"
	"github.com/turtacn/meshbroker/pkg/topic"
)

// ErrNoSinks is returned by NewDispatcher without sinks.
var ErrNoSinks = errors.New("no export sinks configured")

// Sink is an export destination.
type Sink interface {
	Name() string
	// Export writes a batch of events in order.
	Export(ctx context.Context, events []topic.Event) error
	Close() error
}

const (
	maxBatch     = 64
	flushTimeout = 5 * time.Second
)

// Dispatcher is the export actor. It implements topic.Observer.
type Dispatcher struct {
	mb    *actor.Mailbox
	sinks []Sink
	log   logrus.FieldLogger
}

// NewDispatcher creates a dispatcher queuing up to queue events.
func NewDispatcher(queue int, log logrus.FieldLogger, sinks ...Sink) (*Dispatcher, error) {
	if len(sinks) == 0 {
		return nil, ErrNoSinks
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		mb:    actor.NewMailbox(queue),
		sinks: sinks,
		log:   log.WithField("component", "connector"),
	}, nil
}

// Mailbox returns the queue feeding the actor, for supervision.
func (d *Dispatcher) Mailbox() *actor.Mailbox { return d.mb }

// Observe implements topic.Observer. A full queue drops the event.
func (d *Dispatcher) Observe(ev topic.Event) {
	if !d.mb.TrySend(ev) {
		metrics.ExportDropped.Inc()
	}
}

// Start implements actor.Actor. On cancellation the events still queued are
// flushed before it returns.
func (d *Dispatcher) Start(ctx context.Context, mb *actor.Mailbox) error {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			defer cancel()
			for mb.Len() > 0 {
				d.export(flushCtx, d.collect(mb, nil))
			}
			return ctx.Err()
		case msg := <-mb.Chan():
			d.export(ctx, d.collect(mb, msg))
		}
	}
}

// collect gathers first and whatever else is queued, up to maxBatch.
func (d *Dispatcher) collect(mb *actor.Mailbox, first any) []topic.Event {
	batch := make([]topic.Event, 0, maxBatch)
	add := func(msg any) {
		if ev, ok := msg.(topic.Event); ok {
			batch = append(batch, ev)
		} else {
			d.log.Warnf("Dispatcher received unknown message type: %T", msg)
		}
	}
	if first != nil {
		add(first)
	}
	for len(batch) < maxBatch {
		select {
		case msg := <-mb.Chan():
			add(msg)
		default:
			return batch
		}
	}
	return batch
}

func (d *Dispatcher) export(ctx context.Context, batch []topic.Event) {
	if len(batch) == 0 {
		return
	}
	for _, s := range d.sinks {
		if err := s.Export(ctx, batch); err != nil {
			metrics.ExportDropped.Add(float64(len(batch)))
			d.log.WithError(err).WithField("sink", s.Name()).Warnf("Failed to export %d events", len(batch))
		}
	}
}

// Close closes every sink.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, s := range d.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
