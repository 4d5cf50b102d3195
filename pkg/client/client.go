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

// Package client is a line-protocol client for the broker. It matches each
// request with its reply lines and routes unsolicited pushes to a separate
// channel.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/turtacn/meshbroker/pkg/protocol/line"
)

// ErrClosed is returned once the connection to the broker is gone.
var ErrClosed = errors.New("connection to broker closed")

// pushLine matches "<dd/MM HH:mm:ss> <topicId>:<name>: <body>".
var pushLine = regexp.MustCompile(`^\d{2}/\d{2} \d{2}:\d{2}:\d{2} [^ :]+:`)

// IsPush reports whether l is a push notification rather than a reply.
func IsPush(l string) bool {
	return pushLine.MatchString(l)
}

// Client is a connection to one broker. Requests are serialized.
type Client struct {
	nc net.Conn

	reqMu   sync.Mutex
	replies chan string
	pushes  chan string

	done chan struct{}
	err  error
	log  logrus.FieldLogger
}

// Dial connects to the broker at addr.
func Dial(ctx context.Context, addr string, log logrus.FieldLogger) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", addr, err)
	}
	return New(nc, log), nil
}

// New wraps an established connection.
func New(nc net.Conn, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Client{
		nc:      nc,
		replies: make(chan string, 64),
		pushes:  make(chan string, 256),
		done:    make(chan struct{}),
		log:     log.WithField("component", "client"),
	}
	go c.readLoop()
	return c
}

// Pushes delivers push notifications. It is closed when the connection ends.
// Pushes are dropped if the channel is not drained.
func (c *Client) Pushes() <-chan string { return c.pushes }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, nil for a clean close.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.nc.Close()
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.pushes)

	scanner := bufio.NewScanner(c.nc)
	for scanner.Scan() {
		l := scanner.Text()
		if IsPush(l) {
			select {
			case c.pushes <- l:
			default:
				c.log.Warn("Push channel full, dropping notification")
			}
			continue
		}
		select {
		case c.replies <- l:
		default:
			c.log.WithField("line", l).Warn("Dropping unexpected reply")
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
		c.err = err
	}
}

// Do sends cmd and returns its reply lines without the terminator line of
// multi-line replies.
func (c *Client) Do(ctx context.Context, cmd line.Command) ([]string, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	// Drop leftovers of an earlier request that timed out.
	for len(c.replies) > 0 {
		<-c.replies
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.nc.SetWriteDeadline(dl)
	} else {
		_ = c.nc.SetWriteDeadline(time.Time{})
	}
	if _, err := io.WriteString(c.nc, cmd.Encode()+"\n"); err != nil {
		return nil, fmt.Errorf("send %s: %w", cmd.Kind, err)
	}

	var out []string
	for {
		l, err := c.next(ctx)
		if err != nil {
			return out, err
		}
		switch cmd.Kind {
		case line.KindShowAll:
			if l == line.EndOfResponse {
				return out, nil
			}
			out = append(out, l)
		case line.KindList, line.KindCurrent:
			if len(out) == 0 && line.IsFailure(l) {
				return []string{l}, nil
			}
			if l == "" {
				return out, nil
			}
			out = append(out, l)
		default:
			return []string{l}, nil
		}
	}
}

func (c *Client) next(ctx context.Context) (string, error) {
	select {
	case l := <-c.replies:
		return l, nil
	case <-c.done:
		// Lines read just before the close are still valid.
		select {
		case l := <-c.replies:
			return l, nil
		default:
			return "", ErrClosed
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
