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

package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/turtacn/meshbroker/pkg/protocol/line"
)

// MaxMessageLen is the longest message body the publisher sends.
const MaxMessageLen = 100

// ErrMessageTooLong is returned for bodies over MaxMessageLen characters.
var ErrMessageTooLong = fmt.Errorf("message is too long, max %d characters", MaxMessageLen)

// ErrReply wraps an error or exception line returned by the broker.
var ErrReply = errors.New("broker refused request")

// Publisher issues publisher commands on behalf of one user name.
type Publisher struct {
	*Client
	Name string
}

// NewPublisher binds c to the publisher name.
func NewPublisher(c *Client, name string) *Publisher {
	return &Publisher{Client: c, Name: name}
}

// Create creates a topic.
func (p *Publisher) Create(ctx context.Context, id, name string) error {
	return single(p.Do(ctx, line.Command{Kind: line.KindCreate, TopicID: id, TopicName: name, Creator: p.Name}))
}

// Publish sends a message to the subscribers of topic id.
func (p *Publisher) Publish(ctx context.Context, id, msg string) error {
	msg = strings.TrimSpace(msg)
	if len([]rune(msg)) > MaxMessageLen {
		return ErrMessageTooLong
	}
	if msg == "" {
		return fmt.Errorf("%w: empty message", ErrReply)
	}
	return single(p.Do(ctx, line.Command{Kind: line.KindPublish, TopicID: id, Creator: p.Name, Body: msg}))
}

// Show returns "<id> <name> <subscribers>" for one of the publisher's topics.
func (p *Publisher) Show(ctx context.Context, id string) (string, error) {
	lines, err := p.Do(ctx, line.Command{Kind: line.KindShow, TopicID: id, Creator: p.Name})
	if err != nil {
		return "", err
	}
	return lines[0], replyErr(lines[0])
}

// ShowAll returns the stats of every topic created by the publisher.
func (p *Publisher) ShowAll(ctx context.Context) ([]string, error) {
	return listing(p.Do(ctx, line.Command{Kind: line.KindShowAll, Creator: p.Name}))
}

// Delete deletes a topic.
func (p *Publisher) Delete(ctx context.Context, id string) error {
	return single(p.Do(ctx, line.Command{Kind: line.KindDelete, TopicID: id, Creator: p.Name}))
}

// Subscriber issues subscriber commands.
type Subscriber struct {
	*Client
}

// NewSubscriber wraps c.
func NewSubscriber(c *Client) *Subscriber {
	return &Subscriber{Client: c}
}

// List returns every topic of the broker.
func (s *Subscriber) List(ctx context.Context) ([]string, error) {
	return listing(s.Do(ctx, line.Command{Kind: line.KindList}))
}

// Subscribe subscribes to topic id.
func (s *Subscriber) Subscribe(ctx context.Context, id string) error {
	return single(s.Do(ctx, line.Command{Kind: line.KindSubscribe, TopicID: id}))
}

// Unsubscribe drops the subscription to topic id.
func (s *Subscriber) Unsubscribe(ctx context.Context, id string) error {
	return single(s.Do(ctx, line.Command{Kind: line.KindUnsubscribe, TopicID: id}))
}

// Current returns the active subscriptions of this connection.
func (s *Subscriber) Current(ctx context.Context) ([]string, error) {
	return listing(s.Do(ctx, line.Command{Kind: line.KindCurrent}))
}

func single(lines []string, err error) error {
	if err != nil {
		return err
	}
	if lines[0] == line.Success {
		return nil
	}
	if e := replyErr(lines[0]); e != nil {
		return e
	}
	return fmt.Errorf("%w: unexpected reply %q", ErrReply, lines[0])
}

// listing returns the lines of a multi-line reply, or the refusal as error.
func listing(lines []string, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	if len(lines) > 0 {
		if e := replyErr(lines[0]); e != nil {
			return nil, e
		}
	}
	return lines, nil
}

func replyErr(l string) error {
	if !line.IsFailure(l) {
		return nil
	}
	_, msg, _ := strings.Cut(l, " ")
	return fmt.Errorf("%w: %s", ErrReply, msg)
}
