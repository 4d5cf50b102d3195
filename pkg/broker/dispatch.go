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
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/turtacn/meshbroker/pkg/metrics"
	"github.com/turtacn/meshbroker/pkg/protocol/line"
	"github.com/turtacn/meshbroker/pkg/session"
	"github.com/turtacn/meshbroker/pkg/topic"
)

// Reply texts.
const (
	msgRateLimited     = "Rate limit exceeded"
	msgUnknownCommand  = "Unknown command"
	msgNotCreator      = "You are not the creator of this topic."
	msgShowNotFound    = "Topic not found or you are not the publisher of this topic."
	msgNoCreatedTopics = "Haven't created any topics."
	msgNoTopics        = "No topics available."
	msgTopicNotFound   = "Topic ID not found."
	msgNotSubscribed   = "Topic ID was not subscribed."
	msgNoSubscriptions = "No active subscriptions found"
)

func msgInUse(id string) string {
	return "Topic ID " + id + " is already in use."
}

// dispatch handles one line received on s. It runs on the connection's read
// goroutine, so the commands of one connection are applied in order.
func (b *Broker) dispatch(s *session.Session, raw string) {
	if !s.Allow() {
		metrics.CommandsTotal.WithLabelValues("any", "rate_limited").Inc()
		s.Reply(line.Error(msgRateLimited))
		return
	}

	cmd, err := line.Parse(raw)
	switch {
	case errors.Is(err, line.ErrUnknownCommand):
		metrics.CommandsTotal.WithLabelValues("unknown", "error").Inc()
		s.Log().WithError(err).Debug("Unknown command")
		// Peers get no reply so two brokers never trade error lines.
		if !s.Remote() {
			s.Reply(line.Error(msgUnknownCommand))
		}
		return
	case err != nil:
		metrics.CommandsTotal.WithLabelValues(cmd.Kind.String(), "malformed").Inc()
		s.Log().WithError(err).Debug("Malformed command")
		if cmd.Kind.Request() {
			s.Reply(line.Error("Malformed command: " + line.Usage(cmd.Kind)))
		}
		return
	}

	switch {
	case cmd.Kind.Request():
		b.handleRequest(s, cmd)
	case cmd.Kind == line.KindNewBroker:
		b.handleNewBroker(s, cmd)
	case cmd.Kind.Forwarded():
		b.handleForward(s, cmd)
	}
}

func (b *Broker) handleRequest(s *session.Session, cmd line.Command) {
	var (
		reply []string
		err   error
	)
	if cmd.Kind.Mutating() {
		b.order.Lock()
		reply, err = b.mutate(s, cmd)
		b.order.Unlock()
	} else {
		reply, err = b.query(s, cmd)
	}

	result := "ok"
	if err != nil {
		result = "error"
		s.Log().WithError(err).WithFields(logrus.Fields{
			"command": cmd.Kind.String(),
			"topic":   cmd.TopicID,
		}).Debug("Command rejected")
	}
	metrics.CommandsTotal.WithLabelValues(cmd.Kind.String(), result).Inc()
	s.Reply(reply...)
}

// mutate applies a client mutation and, on success, replicates it to the
// mesh. The caller holds b.order.
func (b *Broker) mutate(s *session.Session, cmd line.Command) ([]string, error) {
	replicate := true
	var err error
	switch cmd.Kind {
	case line.KindCreate:
		err = b.topics.CreateTopic(cmd.TopicID, cmd.TopicName, cmd.Creator, s.ID())
		if errors.Is(err, topic.ErrAlreadyExists) {
			return []string{line.Error(msgInUse(cmd.TopicID))}, err
		}
	case line.KindPublish:
		_, err = b.topics.PublishAs(cmd.TopicID, cmd.Creator, cmd.Body)
		if err != nil {
			return []string{line.Error(msgNotCreator)}, err
		}
	case line.KindDelete:
		_, err = b.topics.DeleteAs(cmd.TopicID, cmd.Creator)
		if err != nil {
			return []string{line.Error(msgNotCreator)}, err
		}
	case line.KindSubscribe:
		replicate, err = b.topics.Subscribe(cmd.TopicID, s)
		if err != nil {
			return []string{line.Error(msgTopicNotFound)}, err
		}
	case line.KindUnsubscribe:
		err = b.topics.Unsubscribe(cmd.TopicID, s.ID())
		switch {
		case errors.Is(err, topic.ErrNotFound):
			return []string{line.Exception(msgTopicNotFound)}, err
		case errors.Is(err, topic.ErrNotSubscribed):
			return []string{line.Exception(msgNotSubscribed)}, err
		}
	}
	if err != nil {
		return []string{line.Error(err.Error())}, err
	}
	if replicate {
		b.replicate(cmd)
	}
	return []string{line.Success}, nil
}

// query answers the read-only requests.
func (b *Broker) query(s *session.Session, cmd line.Command) ([]string, error) {
	switch cmd.Kind {
	case line.KindShow:
		info, err := b.topics.Show(cmd.TopicID, cmd.Creator)
		if err != nil {
			return []string{line.Exception(msgShowNotFound)}, err
		}
		return []string{line.TopicStats(info.ID, info.Name, info.Subscribers)}, nil

	case line.KindShowAll:
		infos := b.topics.ListCreatorTopics(cmd.Creator)
		if len(infos) == 0 {
			return []string{line.Exception(msgNoCreatedTopics), line.EndOfResponse}, nil
		}
		out := make([]string, 0, len(infos)+1)
		for _, info := range infos {
			out = append(out, line.TopicStats(info.ID, info.Name, info.Subscribers))
		}
		return append(out, line.EndOfResponse), nil

	case line.KindList:
		infos := b.topics.ListTopics()
		if len(infos) == 0 {
			return []string{line.Exception(msgNoTopics)}, nil
		}
		out := make([]string, 0, len(infos)+1)
		for _, info := range infos {
			out = append(out, line.TopicListing(info.ID, info.Name, info.Creators))
		}
		return append(out, ""), nil

	case line.KindCurrent:
		infos := b.topics.ListSubscriptions(s.ID())
		if len(infos) == 0 {
			return []string{line.Exception(msgNoSubscriptions)}, nil
		}
		out := make([]string, 0, len(infos)+1)
		for _, info := range infos {
			out = append(out, line.TopicListing(info.ID, info.Name, info.Creators[:1]))
		}
		return append(out, ""), nil
	}
	return []string{line.Error(msgUnknownCommand)}, line.ErrUnknownCommand
}

// handleForward applies a command replicated by a peer and passes it on to
// the rest of the mesh. No reply is sent.
func (b *Broker) handleForward(s *session.Session, cmd line.Command) {
	if s.MarkPeer("") {
		s.Log().Info("Connection identified as peer broker")
	}
	log := s.Log().WithFields(logrus.Fields{
		"command": cmd.Kind.String(),
		"topic":   cmd.TopicID,
	})
	if !cmd.Event.IsZero() {
		log = log.WithField("event", cmd.Event.String())
	}

	b.order.Lock()
	defer b.order.Unlock()
	if cmd.Event.Origin == b.opts.NodeID || !b.mesh.Accept(cmd.Event) {
		metrics.CommandsTotal.WithLabelValues(cmd.Kind.String(), "duplicate").Inc()
		log.Debug("Dropping already seen event")
		return
	}

	// State replicated from another broker belongs to its origin node.
	// Forwards without an id are attributed to the link they came over.
	var owner topic.Subscriber = s
	if origin := cmd.Event.Origin; origin != "" {
		owner = b.nodeFor(origin)
	}

	var err error
	switch cmd.Kind {
	case line.KindForwardCreate:
		if !b.topics.ReplicateTopic(cmd.TopicID, cmd.TopicName, cmd.Creator, owner.ID()) {
			log.Debug("Topic already exists, merged creator")
		}
	case line.KindForwardPublish:
		_, err = b.topics.Publish(cmd.TopicID, cmd.Body)
	case line.KindForwardDelete:
		if _, ok := b.topics.DeleteTopic(cmd.TopicID); !ok {
			err = topic.ErrNotFound
		}
	case line.KindForwardSubscribe:
		_, err = b.topics.Subscribe(cmd.TopicID, owner)
	case line.KindForwardUnsubscribe:
		err = b.topics.Unsubscribe(cmd.TopicID, owner.ID())
	}

	result := "ok"
	if err != nil {
		result = "error"
		log.WithError(err).Debug("Forwarded command had no local effect")
	}
	metrics.CommandsTotal.WithLabelValues(cmd.Kind.String(), result).Inc()
	b.mesh.Relay(cmd, s.PeerAddr())
}

// handleNewBroker records the announcing connection as a peer, binds it to
// the announced node and asks the joiner to link back.
func (b *Broker) handleNewBroker(s *session.Session, cmd line.Command) {
	metrics.CommandsTotal.WithLabelValues(cmd.Kind.String(), "ok").Inc()
	addr := b.canonical(cmd.Addr)
	s.MarkPeer(addr)
	b.order.Lock()
	b.bindNode(s, cmd.Node)
	b.order.Unlock()
	s.Log().WithFields(logrus.Fields{"peer": addr, "peer_node": cmd.Node}).Info("New broker announced")
	b.Join(addr, "newbroker")
}

// replicate sends a locally applied mutation to every peer. The caller holds
// b.order.
func (b *Broker) replicate(cmd line.Command) {
	b.mesh.Originate(cmd)
}

func deleteCommand(id string) line.Command {
	return line.Command{Kind: line.KindDelete, TopicID: id}
}

func unsubscribeCommand(id string) line.Command {
	return line.Command{Kind: line.KindUnsubscribe, TopicID: id}
}
