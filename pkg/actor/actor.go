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

// Package actor provides the mailbox-driven process model used by the
// broker's long-lived background services, such as the mesh joiner and peer
// discovery. Per-connection actors use protoactor instead; see package
// connection.
package actor

import "context"

// Actor is a long-lived process fed through a Mailbox.
type Actor interface {
	// Start runs the actor until ctx is canceled or it fails. It must
	// block for the lifetime of the actor.
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a bounded, channel-based message queue. It is created by the
// owner of the actor and outlives restarts, so messages queued while an
// actor is being restarted are not lost.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a mailbox buffering up to size messages.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
	}
}

// Send queues msg, blocking while the mailbox is full.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// TrySend queues msg without blocking and reports whether it was accepted.
func (mb *Mailbox) TrySend(msg any) bool {
	select {
	case mb.messages <- msg:
		return true
	default:
		return false
	}
}

// Receive blocks until a message arrives or ctx is canceled.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Chan exposes the receive side for use in select statements.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}

// Len returns the number of queued messages.
func (mb *Mailbox) Len() int {
	return len(mb.messages)
}
