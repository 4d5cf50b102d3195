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

package line

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCreate(t *testing.T) {
	cmd, err := Parse("create t1 Sports News alice")
	require.NoError(t, err)
	assert.Equal(t, KindCreate, cmd.Kind)
	assert.Equal(t, "t1", cmd.TopicID)
	assert.Equal(t, "Sports News", cmd.TopicName)
	assert.Equal(t, "alice", cmd.Creator)

	cmd, err = Parse("create t2 Weather bob\r")
	require.NoError(t, err)
	assert.Equal(t, "Weather", cmd.TopicName)
	assert.Equal(t, "bob", cmd.Creator)

	_, err = Parse("create t1 alice")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParsePublishKeepsBodyVerbatim(t *testing.T) {
	cmd, err := Parse("publish t1 alice Hello   there, world ")
	require.NoError(t, err)
	assert.Equal(t, KindPublish, cmd.Kind)
	assert.Equal(t, "t1", cmd.TopicID)
	assert.Equal(t, "alice", cmd.Creator)
	assert.Equal(t, "Hello   there, world ", cmd.Body)

	_, err = Parse("publish t1 alice")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseSimpleCommands(t *testing.T) {
	tests := []struct {
		in   string
		want Command
	}{
		{"delete t1 alice", Command{Kind: KindDelete, TopicID: "t1", Creator: "alice"}},
		{"show t1 alice", Command{Kind: KindShow, TopicID: "t1", Creator: "alice"}},
		{"showAll alice", Command{Kind: KindShowAll, Creator: "alice"}},
		{"list", Command{Kind: KindList}},
		{"current", Command{Kind: KindCurrent}},
		{"subscribe t1", Command{Kind: KindSubscribe, TopicID: "t1"}},
		{"unsubscribe t1", Command{Kind: KindUnsubscribe, TopicID: "t1"}},
		{"newbroker 10.0.0.2:9000", Command{Kind: KindNewBroker, Addr: "10.0.0.2:9000"}},
		{"newbroker 10.0.0.2:9000 node-b", Command{Kind: KindNewBroker, Addr: "10.0.0.2:9000", Node: "node-b"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("")
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = Parse("frobnicate t1")
	assert.ErrorIs(t, err, ErrUnknownCommand)

	cmd, err := Parse("subscribe")
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, KindSubscribe, cmd.Kind, "kind is kept for usage replies")
	assert.Contains(t, err.Error(), "subscribe <topicId>")

	_, err = Parse("newbroker not-an-address")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseForwarded(t *testing.T) {
	cmd, err := Parse("forwardPublishToBrokers #node-a/42 t1 Hello world")
	require.NoError(t, err)
	assert.Equal(t, KindForwardPublish, cmd.Kind)
	assert.Equal(t, EventID{Origin: "node-a", Seq: 42}, cmd.Event)
	assert.Equal(t, "t1", cmd.TopicID)
	assert.Equal(t, "Hello world", cmd.Body)

	cmd, err = Parse("forwardCreateToBrokers t1 Sports News alice")
	require.NoError(t, err)
	assert.True(t, cmd.Event.IsZero(), "legacy forwards carry no id")
	assert.Equal(t, "Sports News", cmd.TopicName)

	cmd, err = Parse("forwardUnsubscribeToBrokers t1")
	require.NoError(t, err)
	assert.Equal(t, KindForwardUnsubscribe, cmd.Kind)

	_, err = Parse("forwardDeleteToBrokers #broken t1")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeRoundTripsThroughParse(t *testing.T) {
	lines := []string{
		"create t1 Sports News alice",
		"publish t1 alice Hello there",
		"forwardCreateToBrokers #n1/1 t1 Sports News alice",
		"forwardPublishToBrokers #n1/2 t1 Hello there",
		"forwardDeleteToBrokers #n1/3 t1",
		"forwardSubscribeToBrokers t1",
		"forwardUnubscribeToBrokers #n1/4 t1",
		"newbroker 127.0.0.1:7000",
		"newbroker 127.0.0.1:7000 n1",
	}
	for _, l := range lines {
		cmd, err := Parse(l)
		require.NoError(t, err, l)
		assert.Equal(t, l, cmd.Encode())
	}
}

func TestForward(t *testing.T) {
	id := EventID{Origin: "n1", Seq: 7}
	cmd, _ := Parse("publish t1 alice Hi all")
	fwd, ok := cmd.Forward(id)
	require.True(t, ok)
	assert.Equal(t, "forwardPublishToBrokers #n1/7 t1 Hi all", fwd.Encode())

	cmd, _ = Parse("create t1 Sports News alice")
	fwd, ok = cmd.Forward(id)
	require.True(t, ok)
	assert.Equal(t, "forwardCreateToBrokers #n1/7 t1 Sports News alice", fwd.Encode())

	cmd, _ = Parse("unsubscribe t1")
	fwd, ok = cmd.Forward(id)
	require.True(t, ok)
	assert.Equal(t, "forwardUnubscribeToBrokers #n1/7 t1", fwd.Encode())

	_, ok = Command{Kind: KindList}.Forward(id)
	assert.False(t, ok)
}

func TestKindClassification(t *testing.T) {
	assert.True(t, KindCurrent.Request())
	assert.False(t, KindNewBroker.Request())
	assert.False(t, KindForwardCreate.Request())
	assert.True(t, KindForwardUnsubscribe.Forwarded())
	assert.True(t, KindSubscribe.Mutating())
	assert.False(t, KindShow.Mutating())
}

func TestReplies(t *testing.T) {
	ts := time.Date(2024, time.March, 5, 14, 7, 9, 0, time.UTC)
	assert.Equal(t, "05/03 14:07:09 t1:Sports News: Hello", Push(ts, "t1", "Sports News", "Hello"))
	assert.Equal(t, "error Unknown command", Error("Unknown command"))
	assert.True(t, IsFailure(Exception("Topic ID not found.")))
	assert.False(t, IsFailure(Success))
	assert.Equal(t, "t1 Sports News 2", TopicStats("t1", "Sports News", 2))
	assert.Equal(t, "t1 Sports News alice, bob", TopicListing("t1", "Sports News", []string{"alice", "bob"}))
}
