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
// Package testutil starts brokers and speaks the line protocol in tests.
package testutil

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/meshbroker/pkg/broker"
	"github.com/turtacn/meshbroker/pkg/transport"
)

// Timeout bounds every wait of the helpers.
const Timeout = 2 * time.Second

// StartBroker runs a broker on a loopback port until the test ends. An empty
// opts.NodeID defaults to "n1" and a nil opts.Log discards logs.
func StartBroker(t testing.TB, opts broker.Options, seeds ...string) (*broker.Broker, string) {
	t.Helper()
	if opts.NodeID == "" {
		opts.NodeID = "n1"
	}
	if opts.Log == nil {
		logger, _ := test.NewNullLogger()
		opts.Log = logger
	}

	b := broker.New(opts)
	srv := transport.NewServer(b, opts.Log)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	b.SetListenAddr(srv.Addr())
	b.Start(context.Background(), seeds)
	t.Cleanup(func() {
		srv.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), Timeout)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b, srv.Addr().String()
}

// Conn is a raw line-protocol connection.
type Conn struct {
	t  testing.TB
	nc net.Conn
	r  *bufio.Reader
}

// Dial opens a raw connection to addr, closed when the test ends.
func Dial(t testing.TB, addr string) *Conn {
	t.Helper()
	nc, err := net.DialTimeout("tcp", addr, Timeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })
	return &Conn{t: t, nc: nc, r: bufio.NewReader(nc)}
}

// WriteLine sends one line.
func (c *Conn) WriteLine(format string, args ...any) {
	c.t.Helper()
	_, err := io.WriteString(c.nc, fmt.Sprintf(format, args...)+"\n")
	require.NoError(c.t, err)
}

// ReadLine reads one line without its terminator.
func (c *Conn) ReadLine() string {
	c.t.Helper()
	require.NoError(c.t, c.nc.SetReadDeadline(time.Now().Add(Timeout)))
	l, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimSuffix(l, "\n")
}

// Close closes the connection.
func (c *Conn) Close() { _ = c.nc.Close() }
