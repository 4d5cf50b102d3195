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

package topic

import "time"

// EventType names a registry mutation reported to an Observer.
type EventType string

const (
	EventTopicCreated     EventType = "topic.created"
	EventTopicDeleted     EventType = "topic.deleted"
	EventMessagePublished EventType = "message.published"
)

// Event describes one applied registry mutation.
type Event struct {
	Type    EventType `json:"type"`
	TopicID string    `json:"topic_id"`
	Name    string    `json:"name"`
	Creator string    `json:"creator,omitempty"`
	Body    string    `json:"body,omitempty"`
	Time    time.Time `json:"time"`
}

// Observer receives registry events. Observe runs inside the registry's
// critical section and must not block.
type Observer interface {
	Observe(ev Event)
}
