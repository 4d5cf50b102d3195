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

package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/meshbroker/pkg/actor"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func endpoints() *v1.Endpoints {
	return &v1.Endpoints{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "meshbroker",
			Namespace: "default",
		},
		Subsets: []v1.EndpointSubset{
			{
				Addresses: []v1.EndpointAddress{
					{IP: "10.0.0.1", Hostname: "broker-0"},
					{IP: "10.0.0.2", Hostname: "broker-1"},
					{IP: "10.0.0.3", TargetRef: &v1.ObjectReference{Name: "broker-2"}},
				},
				Ports: []v1.EndpointPort{
					{Name: "metrics", Port: 9100},
					{Name: "broker", Port: 9000},
				},
			},
		},
	}
}

func TestKubeDiscovery_DiscoverPeers(t *testing.T) {
	kd := NewKubeDiscoveryWithClient(fake.NewSimpleClientset(endpoints()), "default", "meshbroker", "broker")
	kd.hostname = "broker-0"

	peers, err := kd.DiscoverPeers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Peer{
		{ID: "broker-1", Address: "10.0.0.2:9000"},
		{ID: "broker-2", Address: "10.0.0.3:9000"},
	}, peers)

	kd.portName = "unknown-port"
	peers, err = kd.DiscoverPeers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestKubeDiscovery_MissingService(t *testing.T) {
	kd := NewKubeDiscoveryWithClient(fake.NewSimpleClientset(), "default", "meshbroker", "broker")
	_, err := kd.DiscoverPeers(context.Background())
	assert.Error(t, err)
}

func TestNewKubeDiscovery(t *testing.T) {
	// Outside a pod there is no in-cluster config.
	_, err := NewKubeDiscovery("default", "meshbroker", "broker")
	assert.Error(t, err)
}

type staticDiscovery struct {
	mu    sync.Mutex
	calls int
	peers []Peer
	err   error
}

func (s *staticDiscovery) DiscoverPeers(context.Context) ([]Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.peers, s.err
}

func (s *staticDiscovery) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type joins struct {
	mu    sync.Mutex
	addrs []string
}

func (j *joins) join(addr, source string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if source == "discovery" {
		j.addrs = append(j.addrs, addr)
	}
}

func (j *joins) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.addrs)
}

func TestPollerFeedsJoin(t *testing.T) {
	logger, _ := test.NewNullLogger()
	src := &staticDiscovery{peers: []Peer{{ID: "a", Address: "10.0.0.2:9000"}, {ID: "b", Address: "10.0.0.3:9000"}}}
	j := &joins{}
	p := NewPoller(src, time.Hour, j.join, logger)

	ctx, cancel := context.WithCancel(context.Background())
	mb := actor.NewMailbox(1)
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx, mb) }()

	require.Eventually(t, func() bool { return j.Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	mb.Send(struct{}{})
	require.Eventually(t, func() bool { return j.Len() == 4 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPollerSurvivesErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	src := &staticDiscovery{err: errors.New("api down")}
	j := &joins{}
	p := NewPoller(src, 5*time.Millisecond, j.join, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Start(ctx, actor.NewMailbox(1)) }()

	require.Eventually(t, func() bool { return src.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, j.Len())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Peer discovery failed", hook.LastEntry().Message)
}
