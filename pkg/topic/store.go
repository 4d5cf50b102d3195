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

// Package topic provides the thread-safe, in-memory topic registry of a
// broker. It owns topic identity, creator attribution, publisher ownership and
// the bidirectional subscription index, and fans published messages out to the
// subscribers of a topic.
//
// Every exported method runs as one critical section, so readers never observe
// a half-applied mutation: a subscription present in the topic-to-session
// index is always present in the session-to-topic index and vice versa.
package topic

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/turtacn/meshbroker/pkg/metrics"
	"github.com/turtacn/meshbroker/pkg/protocol/line"
)

var (
	// ErrAlreadyExists is returned when creating a topic id that is live.
	ErrAlreadyExists = errors.New("topic already exists")
	// ErrNotFound is returned for operations on an unknown topic id.
	ErrNotFound = errors.New("topic not found")
	// ErrNotCreator is returned when the named publisher is not a creator of
	// the topic.
	ErrNotCreator = errors.New("not a creator of the topic")
	// ErrNotSubscribed is returned when unsubscribing without a subscription.
	ErrNotSubscribed = errors.New("not subscribed")
)

// SessionID is the opaque identity of a connection, assigned at accept time.
type SessionID uint64

// Subscriber is the push surface of a connection as seen by the registry.
//
// Deliver is called while the registry lock is held and must not block: it
// enqueues the line on the connection's bounded outbound queue and reports
// whether the line was accepted.
type Subscriber interface {
	ID() SessionID
	Deliver(msg string) bool
	// Remote reports whether the subscriber is a peer-broker link. Remote
	// subscriptions record interest held by another broker and are never
	// pushed to; that broker receives the forwarded publish instead.
	Remote() bool
}

// Info is a read-only snapshot of one topic.
type Info struct {
	ID   string
	Name string
	// Creators is sorted.
	Creators []string
	// Subscribers counts local subscribers plus the interest recorded by
	// peer links.
	Subscribers int
}

type entry struct {
	name     string
	creators map[string]struct{}
	owners   map[SessionID]struct{}
}

// subscription is one (session, topic) pair. refs is 1 for a local
// subscriber; for a peer link it counts the remote subscribers it stands for.
type subscription struct {
	sub  Subscriber
	refs int
}

// Store is the topic registry.
type Store struct {
	mu sync.RWMutex

	topics map[string]*entry
	// subscribers is the forward index: topic id -> session -> subscription.
	subscribers map[string]map[SessionID]*subscription
	// subscriptions is the reverse index: session -> subscribed topic ids.
	subscriptions map[SessionID]map[string]struct{}
	// owned maps a session to the topic ids it created.
	owned map[SessionID]map[string]struct{}

	observer Observer
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewStore creates an empty registry.
func NewStore(log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{
		topics:        make(map[string]*entry),
		subscribers:   make(map[string]map[SessionID]*subscription),
		subscriptions: make(map[SessionID]map[string]struct{}),
		owned:         make(map[SessionID]map[string]struct{}),
		log:           log.WithField("component", "topic"),
		now:           time.Now,
	}
}

// SetObserver installs a hook receiving registry events. It must be called
// before the store is shared.
func (s *Store) SetObserver(o Observer) {
	s.observer = o
}

// CreateTopic records a new topic created by creator through owner.
func (s *Store) CreateTopic(id, name, creator string, owner SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.topics[id]; ok {
		return ErrAlreadyExists
	}
	s.createLocked(id, name, creator, owner)
	return nil
}

// ReplicateTopic applies a create received from a peer. If the id is already
// live the creator is merged into its creator set and false is returned.
func (s *Store) ReplicateTopic(id, name, creator string, owner SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.topics[id]; ok {
		e.creators[creator] = struct{}{}
		return false
	}
	s.createLocked(id, name, creator, owner)
	return true
}

func (s *Store) createLocked(id, name, creator string, owner SessionID) {
	s.topics[id] = &entry{
		name:     name,
		creators: map[string]struct{}{creator: {}},
		owners:   map[SessionID]struct{}{owner: {}},
	}
	addTo(s.owned, owner, id)
	metrics.Topics.Inc()
	s.log.WithFields(logrus.Fields{"topic": id, "creator": creator}).Infof("Topic created: %s", name)
	s.emit(Event{Type: EventTopicCreated, TopicID: id, Name: name, Creator: creator})
}

// authorizeLocked checks that creator may publish to or delete id.
func (s *Store) authorizeLocked(id, creator string) error {
	e, ok := s.topics[id]
	if !ok {
		return ErrNotFound
	}
	if _, ok := e.creators[creator]; !ok {
		return ErrNotCreator
	}
	return nil
}

// DeleteTopic removes id, sending a deletion notice to each local subscriber
// and purging every subscription and ownership entry of the topic. It returns
// the number of notices enqueued and whether the topic existed; deleting an
// unknown id is a no-op.
func (s *Store) DeleteTopic(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(id)
}

// DeleteAs deletes id after checking that creator is one of its creators.
func (s *Store) DeleteAs(id, creator string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.authorizeLocked(id, creator); err != nil {
		return 0, err
	}
	n, _ := s.deleteLocked(id)
	return n, nil
}

func (s *Store) deleteLocked(id string) (int, bool) {
	e, ok := s.topics[id]
	if !ok {
		return 0, false
	}

	notice := line.Push(s.now(), id, e.name, line.DeletedNotice)
	notified := 0
	for sid, sb := range s.subscribers[id] {
		if !sb.sub.Remote() {
			if sb.sub.Deliver(notice) {
				notified++
			} else {
				metrics.DeliveriesDropped.Inc()
				s.log.WithFields(logrus.Fields{"topic": id, "session": sid}).Warn("Failed to notify subscriber about topic deletion")
			}
		}
		removeFrom(s.subscriptions, sid, id)
		metrics.Subscriptions.Dec()
	}
	delete(s.subscribers, id)

	for owner := range e.owners {
		removeFrom(s.owned, owner, id)
	}
	delete(s.topics, id)
	metrics.Topics.Dec()

	s.log.WithField("topic", id).Infof("Topic deleted, %d subscribers notified", notified)
	s.emit(Event{Type: EventTopicDeleted, TopicID: id, Name: e.name})
	return notified, true
}

// Publish fans body out to every local subscriber of id. Each delivery is
// attempted independently; the number of accepted deliveries is returned.
func (s *Store) Publish(id, body string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publishLocked(id, body)
}

// PublishAs is Publish preceded by a creator check in the same critical
// section.
func (s *Store) PublishAs(id, creator, body string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.authorizeLocked(id, creator); err != nil {
		return 0, err
	}
	return s.publishLocked(id, body)
}

// publishLocked needs at least the read lock; Deliver only enqueues.
func (s *Store) publishLocked(id, body string) (int, error) {
	e, ok := s.topics[id]
	if !ok {
		return 0, ErrNotFound
	}
	msg := line.Push(s.now(), id, e.name, body)
	delivered := 0
	for sid, sb := range s.subscribers[id] {
		if sb.sub.Remote() {
			continue
		}
		if sb.sub.Deliver(msg) {
			delivered++
			continue
		}
		metrics.DeliveriesDropped.Inc()
		s.log.WithFields(logrus.Fields{"topic": id, "session": sid}).Warn("Subscriber unreachable, message skipped")
	}
	metrics.MessagesPublished.Inc()
	metrics.MessagesDelivered.Add(float64(delivered))
	s.log.WithField("topic", id).Debugf("Received new message for topic, delivered to %d subscribers", delivered)
	s.emit(Event{Type: EventMessagePublished, TopicID: id, Name: e.name, Body: body})
	return delivered, nil
}

// Subscribe records sub as a subscriber of id. Subscribing a local session
// twice keeps a single entry; a peer link accumulates one reference per
// remote subscriber it relays. It reports whether a reference was added.
func (s *Store) Subscribe(id string, sub Subscriber) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.topics[id]; !ok {
		return false, ErrNotFound
	}
	subs := s.subscribers[id]
	if subs == nil {
		subs = make(map[SessionID]*subscription)
		s.subscribers[id] = subs
	}
	sid := sub.ID()
	if existing, ok := subs[sid]; ok {
		if !sub.Remote() {
			return false, nil
		}
		existing.refs++
		return true, nil
	}
	subs[sid] = &subscription{sub: sub, refs: 1}
	addTo(s.subscriptions, sid, id)
	metrics.Subscriptions.Inc()
	return true, nil
}

// Unsubscribe removes one reference of session sid from id.
func (s *Store) Unsubscribe(id string, sid SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribeLocked(id, sid)
}

func (s *Store) unsubscribeLocked(id string, sid SessionID) error {
	if _, ok := s.topics[id]; !ok {
		return ErrNotFound
	}
	sb, ok := s.subscribers[id][sid]
	if !ok {
		return ErrNotSubscribed
	}
	if sb.refs--; sb.refs > 0 {
		return nil
	}
	delete(s.subscribers[id], sid)
	if len(s.subscribers[id]) == 0 {
		delete(s.subscribers, id)
	}
	removeFrom(s.subscriptions, sid, id)
	metrics.Subscriptions.Dec()
	return nil
}

// Show returns the stats of id if creator is one of its creators.
func (s *Store) Show(id, creator string) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.authorizeLocked(id, creator); err != nil {
		return Info{}, err
	}
	return s.infoLocked(id, s.topics[id]), nil
}

// Lookup returns the snapshot of topic id.
func (s *Store) Lookup(id string) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.topics[id]
	if !ok {
		return Info{}, false
	}
	return s.infoLocked(id, e), true
}

// ListTopics returns every topic, sorted by id.
func (s *Store) ListTopics() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Info, 0, len(s.topics))
	for id, e := range s.topics {
		out = append(out, s.infoLocked(id, e))
	}
	sortInfos(out)
	return out
}

// ListCreatorTopics returns the topics whose creator set contains creator.
func (s *Store) ListCreatorTopics(creator string) []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Info
	for id, e := range s.topics {
		if _, ok := e.creators[creator]; ok {
			out = append(out, s.infoLocked(id, e))
		}
	}
	sortInfos(out)
	return out
}

// ListSubscriptions returns the topics session sid is subscribed to.
func (s *Store) ListSubscriptions(sid SessionID) []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Info
	for id := range s.subscriptions[sid] {
		if e, ok := s.topics[id]; ok {
			out = append(out, s.infoLocked(id, e))
		}
	}
	sortInfos(out)
	return out
}

// Release is the registry half of crash cleanup for session sid: every topic
// it owns is deleted (notifying subscribers) and every subscription it holds
// is dropped. Both halves always run. The returned report lists what was
// removed so the caller can replicate it.
func (s *Store) Release(sid SessionID) Cleanup {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rel Cleanup
	for _, id := range sortedKeys(s.owned[sid]) {
		if _, ok := s.deleteLocked(id); ok {
			rel.Deleted = append(rel.Deleted, id)
		}
	}
	delete(s.owned, sid)

	for _, id := range sortedKeys(s.subscriptions[sid]) {
		sb, ok := s.subscribers[id][sid]
		if !ok {
			continue
		}
		for refs := sb.refs; refs > 0; refs-- {
			if err := s.unsubscribeLocked(id, sid); err != nil {
				break
			}
			rel.Unsubscribed = append(rel.Unsubscribed, id)
		}
	}
	delete(s.subscriptions, sid)
	return rel
}

// Cleanup describes the state removed for a terminated session.
type Cleanup struct {
	Deleted []string
	// Unsubscribed holds one entry per dropped subscription reference.
	Unsubscribed []string
}

// Len returns the number of live topics.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics)
}

func (s *Store) infoLocked(id string, e *entry) Info {
	count := 0
	for _, sb := range s.subscribers[id] {
		count += sb.refs
	}
	return Info{
		ID:          id,
		Name:        e.name,
		Creators:    sortedKeys(e.creators),
		Subscribers: count,
	}
}

func (s *Store) emit(ev Event) {
	if s.observer == nil {
		return
	}
	ev.Time = s.now()
	s.observer.Observe(ev)
}

func addTo(index map[SessionID]map[string]struct{}, sid SessionID, id string) {
	set := index[sid]
	if set == nil {
		set = make(map[string]struct{})
		index[sid] = set
	}
	set[id] = struct{}{}
}

func removeFrom(index map[SessionID]map[string]struct{}, sid SessionID, id string) {
	set := index[sid]
	delete(set, id)
	if len(set) == 0 {
		delete(index, sid)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
}
