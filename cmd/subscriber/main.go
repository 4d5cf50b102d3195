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
// Command subscriber is the interactive client that subscribes to topics and
// prints what is published to them.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/turtacn/meshbroker/pkg/client"
	"github.com/turtacn/meshbroker/pkg/protocol/line"
)

const (
	commandTimeout = 5 * time.Second
	commands       = "list, sub {topic_id}, current, unsub {topic_id}"
)

var historyFile string

var rootCmd = &cobra.Command{
	Use:           "subscriber <username> <brokerHost> <brokerPort>",
	Short:         "Subscribe to topics of a meshbroker and print their messages",
	Args:          cobra.ExactArgs(3),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), args[0], net.JoinHostPort(args[1], args[2]))
	},
}

func init() {
	rootCmd.Flags().StringVar(&historyFile, "history", "", "file to keep the command history in")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, name, addr string) error {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	c, err := client.Dial(ctx, addr, log)
	if err != nil {
		return err
	}
	defer c.Close()

	console, err := client.NewConsole(name+"> ", historyFile, "list", "sub", "current", "unsub", "exit")
	if err != nil {
		return err
	}
	defer console.Close()

	sh := &shell{sub: client.NewSubscriber(c), out: console.Stdout()}
	go sh.printPushes(c.Pushes(), c.Done())

	fmt.Fprintln(sh.out, color.GreenString("Connected to Broker."))
	fmt.Fprintf(sh.out, "Please select command: %s\n", commands)
	return console.Run(ctx, c.Done(), sh.execute)
}

// shell turns one input line into a subscriber request and prints the reply.
type shell struct {
	sub *client.Subscriber
	out io.Writer
}

func (s *shell) printPushes(pushes <-chan string, done <-chan struct{}) {
	for {
		select {
		case p, ok := <-pushes:
			if !ok {
				return
			}
			client.PrintPush(s.out, p)
		case <-done:
			return
		}
	}
}

func (s *shell) execute(ctx context.Context, input string) bool {
	fields := strings.Fields(input)

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch fields[0] {
	case "list":
		lines, err := s.sub.List(ctx)
		client.PrintReply(s.out, err, lines...)
	case "current":
		lines, err := s.sub.Current(ctx)
		client.PrintReply(s.out, err, lines...)
	case "sub":
		if len(fields) != 2 {
			client.PrintUsage(s.out, "Usage: sub {topic_id}")
			return true
		}
		client.PrintReply(s.out, s.sub.Subscribe(ctx, fields[1]), line.Success)
	case "unsub":
		if len(fields) != 2 {
			client.PrintUsage(s.out, "Usage: unsub {topic_id}")
			return true
		}
		client.PrintReply(s.out, s.sub.Unsubscribe(ctx, fields[1]), line.Success)
	case "exit", "quit":
		return false
	default:
		client.PrintUsage(s.out, "Invalid command. Available commands: %s", commands)
	}
	return true
}
