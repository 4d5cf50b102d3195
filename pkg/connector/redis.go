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
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/turtacn/meshbroker/pkg/config"
	"github.com/turtacn/meshbroker/pkg/topic"
)

// RedisSink publishes every event as JSON on the channel
// "<prefix><event type>", e.g. "meshbroker.topic.created".
type RedisSink struct {
	client *redis.Client
	prefix string
}

// NewRedisSink connects to the configured server and checks it with PING.
func NewRedisSink(ctx context.Context, cfg config.RedisExportConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &RedisSink{client: client, prefix: cfg.ChannelPrefix}, nil
}

// Name implements Sink.
func (r *RedisSink) Name() string { return "redis" }

// Channel returns the channel events of type t are published on.
func (r *RedisSink) Channel(t topic.EventType) string {
	return r.prefix + string(t)
}

// Export implements Sink with one pipelined round trip per batch.
func (r *RedisSink) Export(ctx context.Context, events []topic.Event) error {
	pipe := r.client.Pipeline()
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		pipe.Publish(ctx, r.Channel(ev.Type), payload)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Close implements Sink.
func (r *RedisSink) Close() error {
	return r.client.Close()
}
