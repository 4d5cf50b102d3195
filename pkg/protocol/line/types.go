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

// Package line implements the newline-delimited text protocol spoken between
// publishers, subscribers and brokers. Every message is a single UTF-8 line
// whose fields are separated by one space; the last field of create, publish
// and forwarded publish commands runs to the end of the line.
package line

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Wire names of the commands understood by a broker.
const (
	NameCreate      = "create"
	NamePublish     = "publish"
	NameDelete      = "delete"
	NameShow        = "show"
	NameShowAll     = "showAll"
	NameList        = "list"
	NameSubscribe   = "subscribe"
	NameUnsubscribe = "unsubscribe"
	NameCurrent     = "current"
	NameNewBroker   = "newbroker"

	NameForwardCreate    = "forwardCreateToBrokers"
	NameForwardPublish   = "forwardPublishToBrokers"
	NameForwardDelete    = "forwardDeleteToBrokers"
	NameForwardSubscribe = "forwardSubscribeToBrokers"
	// NameForwardUnsubscribe keeps the historical spelling used on the wire.
	NameForwardUnsubscribe = "forwardUnubscribeToBrokers"
	// nameForwardUnsubscribeAlias is accepted on input only.
	nameForwardUnsubscribeAlias = "forwardUnsubscribeToBrokers"
)

var (
	// ErrUnknownCommand is returned for a line whose first field is not a
	// known command name.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrMalformed is returned when a known command lacks required fields.
	ErrMalformed = errors.New("malformed command")
)

// Kind identifies a decoded command.
type Kind int

const (
	KindUnknown Kind = iota
	KindCreate
	KindPublish
	KindDelete
	KindShow
	KindShowAll
	KindList
	KindSubscribe
	KindUnsubscribe
	KindCurrent
	KindNewBroker
	KindForwardCreate
	KindForwardPublish
	KindForwardDelete
	KindForwardSubscribe
	KindForwardUnsubscribe
)

var kindNames = map[Kind]string{
	KindCreate:             NameCreate,
	KindPublish:            NamePublish,
	KindDelete:             NameDelete,
	KindShow:               NameShow,
	KindShowAll:            NameShowAll,
	KindList:               NameList,
	KindSubscribe:          NameSubscribe,
	KindUnsubscribe:        NameUnsubscribe,
	KindCurrent:            NameCurrent,
	KindNewBroker:          NameNewBroker,
	KindForwardCreate:      NameForwardCreate,
	KindForwardPublish:     NameForwardPublish,
	KindForwardDelete:      NameForwardDelete,
	KindForwardSubscribe:   NameForwardSubscribe,
	KindForwardUnsubscribe: NameForwardUnsubscribe,
}

var namesToKind = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames)+1)
	for k, n := range kindNames {
		m[n] = k
	}
	m[nameForwardUnsubscribeAlias] = KindForwardUnsubscribe
	return m
}()

// String returns the wire name of the kind.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Forwarded reports whether the kind is a broker-to-broker replication command.
func (k Kind) Forwarded() bool {
	return k >= KindForwardCreate && k <= KindForwardUnsubscribe
}

// Request reports whether the kind is a client request owed exactly one
// synchronous reply.
func (k Kind) Request() bool {
	return k >= KindCreate && k <= KindCurrent
}

// Mutating reports whether a locally applied command of this kind is
// replicated to peer brokers.
func (k Kind) Mutating() bool {
	switch k {
	case KindCreate, KindPublish, KindDelete, KindSubscribe, KindUnsubscribe:
		return true
	}
	return false
}

// forwardKinds maps a client mutation to its replication command.
var forwardKinds = map[Kind]Kind{
	KindCreate:      KindForwardCreate,
	KindPublish:     KindForwardPublish,
	KindDelete:      KindForwardDelete,
	KindSubscribe:   KindForwardSubscribe,
	KindUnsubscribe: KindForwardUnsubscribe,
}

// EventID identifies a replicated mutation across the mesh. Origin is the node
// id of the broker that first applied the mutation and Seq is that broker's
// monotonic counter.
type EventID struct {
	Origin string
	Seq    uint64
}

// IsZero reports whether the id is absent, as on forwards from legacy peers.
func (e EventID) IsZero() bool {
	return e.Origin == "" && e.Seq == 0
}

// String renders the id as "origin/seq".
func (e EventID) String() string {
	return e.Origin + "/" + strconv.FormatUint(e.Seq, 10)
}

// ParseEventID parses the "origin/seq" form produced by String.
func ParseEventID(s string) (EventID, error) {
	i := strings.LastIndexByte(s, '/')
	if i <= 0 || i == len(s)-1 {
		return EventID{}, fmt.Errorf("%w: bad event id %q", ErrMalformed, s)
	}
	seq, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return EventID{}, fmt.Errorf("%w: bad event sequence %q", ErrMalformed, s)
	}
	return EventID{Origin: s[:i], Seq: seq}, nil
}

// Command is a single decoded protocol line. Only the fields meaningful for
// Kind are populated.
type Command struct {
	Kind      Kind
	TopicID   string
	TopicName string
	Creator   string
	Body      string
	// Addr is the host:port announced by newbroker.
	Addr string
	// Node is the node id announced by newbroker. Brokers that predate it
	// send none.
	Node string
	// Event is set on forwarded commands that carry an id.
	Event EventID
}

// Forward converts a locally applied mutation into the replication command
// sent to peers, tagged with id.
func (c Command) Forward(id EventID) (Command, bool) {
	fk, ok := forwardKinds[c.Kind]
	if !ok {
		return Command{}, false
	}
	f := Command{Kind: fk, TopicID: c.TopicID, Event: id}
	switch fk {
	case KindForwardCreate:
		f.TopicName = c.TopicName
		f.Creator = c.Creator
	case KindForwardPublish:
		f.Body = c.Body
	}
	return f, true
}

// usage lists the expected argument shape per command, used in error replies.
var usage = map[Kind]string{
	KindCreate:             "create <topicId> <name> <creator>",
	KindPublish:            "publish <topicId> <creator> <message>",
	KindDelete:             "delete <topicId> <creator>",
	KindShow:               "show <topicId> <creator>",
	KindShowAll:            "showAll <creator>",
	KindSubscribe:          "subscribe <topicId>",
	KindUnsubscribe:        "unsubscribe <topicId>",
	KindNewBroker:          "newbroker <host:port> [nodeId]",
	KindForwardCreate:      "forwardCreateToBrokers <topicId> <name> <creator>",
	KindForwardPublish:     "forwardPublishToBrokers <topicId> <message>",
	KindForwardDelete:      "forwardDeleteToBrokers <topicId>",
	KindForwardSubscribe:   "forwardSubscribeToBrokers <topicId>",
	KindForwardUnsubscribe: "forwardUnubscribeToBrokers <topicId>",
}

// Usage returns the argument synopsis of k.
func Usage(k Kind) string {
	return usage[k]
}
