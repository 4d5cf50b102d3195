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
// Command publisher is the interactive client that creates topics and
// publishes to them.
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
	commands       = "create, publish, show, delete"
)

var historyFile string

var rootCmd = &cobra.Command{
	Use:           "publisher <username> <brokerHost> <brokerPort>",
	Short:         "Create topics and publish messages to a meshbroker",
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

	console, err := client.NewConsole("publisher> ", historyFile, "create", "publish", "show", "delete", "exit")
	if err != nil {
		return err
	}
	defer console.Close()

	sh := &shell{pub: client.NewPublisher(c, name), out: console.Stdout()}
	fmt.Fprintln(sh.out, color.GreenString("Connected to Broker."))
	fmt.Fprintf(sh.out, "Please select command: %s\n", commands)
	return console.Run(ctx, c.Done(), sh.execute)
}

// shell turns one input line into a publisher request and prints the reply.
type shell struct {
	pub *client.Publisher
	out io.Writer
}

func (s *shell) execute(ctx context.Context, input string) bool {
	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch cmd {
	case "create":
		id, name, ok := strings.Cut(rest, " ")
		name = strings.TrimSpace(name)
		if !ok || !token(id) || name == "" {
			client.PrintUsage(s.out, "Usage: create {topic_id} {topic_name}")
			return true
		}
		s.result(s.pub.Create(ctx, id, name))
	case "publish":
		id, msg, ok := strings.Cut(rest, " ")
		if !ok || !token(id) || strings.TrimSpace(msg) == "" {
			client.PrintUsage(s.out, "Usage: publish {topic_id} {message}")
			return true
		}
		s.result(s.pub.Publish(ctx, id, msg))
	case "show":
		if rest == "" {
			lines, err := s.pub.ShowAll(ctx)
			client.PrintReply(s.out, err, lines...)
			return true
		}
		stats, err := s.pub.Show(ctx, rest)
		client.PrintReply(s.out, err, stats)
	case "delete":
		if !token(rest) {
			client.PrintUsage(s.out, "Usage: delete {topic_id}")
			return true
		}
		s.result(s.pub.Delete(ctx, rest))
	case "exit", "quit":
		return false
	default:
		client.PrintUsage(s.out, "Invalid command. Available commands: %s", commands)
	}
	return true
}

func (s *shell) result(err error) {
	client.PrintReply(s.out, err, line.Success)
}

func token(s string) bool {
	return s != "" && !strings.ContainsAny(s, " \t")
}
