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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/meshbroker/pkg/metrics"
	"github.com/turtacn/meshbroker/pkg/topic"
)

type memorySink struct {
	mu     sync.Mutex
	events []topic.Event
	err    error
	closed bool
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Export(_ context.Context, events []topic.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, events...)
	return nil
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memorySink) Events() []topic.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]topic.Event(nil), m.events...)
}

func created(id string) topic.Event {
	return topic.Event{Type: topic.EventTopicCreated, TopicID: id, Name: "News", Creator: "alice", Time: time.Unix(1700000000, 0).UTC()}
}

func TestNewDispatcherNeedsSinks(t *testing.T) {
	_, err := NewDispatcher(8, nil)
	assert.ErrorIs(t, err, ErrNoSinks)
}

func TestDispatcherExportsInOrder(t *testing.T) {
	logger, _ := test.NewNullLogger()
	a, b := &memorySink{}, &memorySink{}
	d, err := NewDispatcher(128, logger, a, b)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx, d.Mailbox()) }()

	for _, id := range []string{"t1", "t2", "t3"} {
		d.Observe(created(id))
	}
	require.Eventually(t, func() bool { return len(a.Events()) == 3 && len(b.Events()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "t1", a.Events()[0].TopicID)
	assert.Equal(t, "t3", b.Events()[2].TopicID)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, d.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	logger, _ := test.NewNullLogger()
	d, err := NewDispatcher(1, logger, &memorySink{})
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.ExportDropped)
	d.Observe(created("t1"))
	d.Observe(created("t2"))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ExportDropped))
}

func TestDispatcherFlushesOnStop(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sink := &memorySink{}
	d, err := NewDispatcher(200, logger, sink)
	require.NoError(t, err)
	for i := 0; i < 150; i++ {
		d.Observe(created("t"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Whichever select branch wins, every queued event is written.
	_ = d.Start(ctx, d.Mailbox())
	assert.Len(t, sink.Events(), 150)
}

func TestDispatcherSinkFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	bad := &memorySink{err: errors.New("connection refused")}
	good := &memorySink{}
	d, err := NewDispatcher(8, logger, bad, good)
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.ExportDropped)
	d.export(context.Background(), []topic.Event{created("t1"), created("t2")})

	assert.Len(t, good.Events(), 2, "a failing sink does not affect the others")
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.ExportDropped))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "memory", hook.LastEntry().Data["sink"])
}
