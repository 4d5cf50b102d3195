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
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/meshbroker/pkg/broker"
	"github.com/turtacn/meshbroker/pkg/testutil"
)

func startBroker(t *testing.T) string {
	t.Helper()
	_, addr := testutil.StartBroker(t, broker.Options{})
	return addr
}

func dial(t *testing.T, addr string) *Client {
	t.Helper()
	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func reqCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func nextPush(t *testing.T, c *Client) string {
	t.Helper()
	select {
	case p, ok := <-c.Pushes():
		require.True(t, ok, "push channel closed")
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no push received")
		return ""
	}
}

func TestIsPush(t *testing.T) {
	assert.True(t, IsPush("05/01 09:30:00 t1:Sports News: Hello"))
	assert.False(t, IsPush("t1 Sports News alice"))
	assert.False(t, IsPush("success"))
	assert.False(t, IsPush("exception No topics available."))
}

func TestPublisherAndSubscriber(t *testing.T) {
	addr := startBroker(t)
	pub := NewPublisher(dial(t, addr), "alice")
	sub := NewSubscriber(dial(t, addr))
	ctx := reqCtx(t)

	topics, err := sub.List(ctx)
	assert.ErrorIs(t, err, ErrReply)
	assert.Nil(t, topics)

	require.NoError(t, pub.Create(ctx, "t1", "Sports News"))
	require.NoError(t, pub.Create(ctx, "t2", "Weather"))
	err = pub.Create(ctx, "t1", "Again")
	require.ErrorIs(t, err, ErrReply)
	assert.Contains(t, err.Error(), "Topic ID t1 is already in use.")

	topics, err = sub.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1 Sports News alice", "t2 Weather alice"}, topics)

	require.NoError(t, sub.Subscribe(ctx, "t1"))
	current, err := sub.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1 Sports News alice"}, current)

	stats, err := pub.Show(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1 Sports News 1", stats)
	all, err := pub.ShowAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1 Sports News 1", "t2 Weather 0"}, all)

	require.NoError(t, pub.Publish(ctx, "t1", "  Hello world  "))
	assert.True(t, strings.HasSuffix(nextPush(t, sub.Client), " t1:Sports News: Hello world"))

	// A push arriving between requests does not confuse the next reply.
	require.NoError(t, pub.Publish(ctx, "t1", "Second"))
	current, err = sub.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1 Sports News alice"}, current)
	assert.True(t, strings.HasSuffix(nextPush(t, sub.Client), " t1:Sports News: Second"))

	require.NoError(t, sub.Unsubscribe(ctx, "t1"))
	assert.ErrorIs(t, sub.Unsubscribe(ctx, "t1"), ErrReply)

	require.NoError(t, pub.Delete(ctx, "t2"))
	_, err = pub.Show(ctx, "t2")
	assert.ErrorIs(t, err, ErrReply)
}

func TestPublishTooLong(t *testing.T) {
	addr := startBroker(t)
	pub := NewPublisher(dial(t, addr), "alice")
	ctx := reqCtx(t)
	require.NoError(t, pub.Create(ctx, "t1", "News"))

	assert.ErrorIs(t, pub.Publish(ctx, "t1", strings.Repeat("x", MaxMessageLen+1)), ErrMessageTooLong)
	assert.NoError(t, pub.Publish(ctx, "t1", strings.Repeat("x", MaxMessageLen)))
	assert.ErrorIs(t, pub.Publish(ctx, "t1", "   "), ErrReply)
}

func TestShowAllEmpty(t *testing.T) {
	addr := startBroker(t)
	pub := NewPublisher(dial(t, addr), "nobody")
	_, err := pub.ShowAll(reqCtx(t))
	require.ErrorIs(t, err, ErrReply)
	assert.Contains(t, err.Error(), "Haven't created any topics.")
}

func TestClosedConnection(t *testing.T) {
	server, clientEnd := net.Pipe()
	logger, _ := test.NewNullLogger()
	c := New(clientEnd, logger)
	require.NoError(t, server.Close())

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the close")
	}
	_, ok := <-c.Pushes()
	assert.False(t, ok)
	assert.NoError(t, c.Err())

	_, err := NewSubscriber(c).List(reqCtx(t))
	assert.Error(t, err)
}

func TestPrintReply(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	PrintReply(&buf, nil, "success")
	PrintReply(&buf, fmt.Errorf("%w: Topic ID not found.", ErrReply))
	PrintReply(&buf, ErrMessageTooLong)
	PrintPush(&buf, "05/01 09:30:00 t1:News: Hi")
	PrintUsage(&buf, "Usage: sub %s", "{topic_id}")
	assert.Equal(t, "success\nTopic ID not found.\nmessage is too long, max 100 characters\n05/01 09:30:00 t1:News: Hi\nUsage: sub {topic_id}\n", buf.String())
}
