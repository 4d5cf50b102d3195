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

package connector

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/meshbroker/pkg/config"
	"github.com/turtacn/meshbroker/pkg/topic"
)

func TestRedisSinkPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sink, err := NewRedisSink(ctx, config.RedisExportConfig{Addr: mr.Addr(), ChannelPrefix: "meshbroker."})
	require.NoError(t, err)
	defer sink.Close()
	assert.Equal(t, "meshbroker.message.published", sink.Channel(topic.EventMessagePublished))

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	sub := client.Subscribe(ctx, "meshbroker.topic.created", "meshbroker.message.published")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	published := topic.Event{Type: topic.EventMessagePublished, TopicID: "t1", Name: "News", Body: "Hello", Time: time.Now().UTC()}
	require.NoError(t, sink.Export(ctx, []topic.Event{created("t1"), published}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "meshbroker.topic.created", msg.Channel)
	var got topic.Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "t1", got.TopicID)
	assert.Equal(t, "alice", got.Creator)

	msg, err = sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "meshbroker.message.published", msg.Channel)
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "Hello", got.Body)
}

func TestRedisSinkUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisSink(ctx, config.RedisExportConfig{Addr: addr})
	assert.Error(t, err)
}
