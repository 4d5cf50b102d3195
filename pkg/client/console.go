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
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
)

// Console is the interactive terminal of the publisher and subscriber
// binaries.
type Console struct {
	rl *readline.Instance
}

// NewConsole creates a console completing the given command names.
func NewConsole(prompt, history string, commands ...string) (*Console, error) {
	items := make([]readline.PrefixCompleterInterface, 0, len(commands))
	for _, c := range commands {
		items = append(items, readline.PcItem(c))
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          color.GreenString(prompt),
		HistoryFile:     history,
		HistoryLimit:    500,
		AutoComplete:    readline.NewPrefixCompleter(items...),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize readline: %w", err)
	}
	return &Console{rl: rl}, nil
}

// Stdout is the writer to print through; output written while the prompt
// is shown is printed above it.
func (c *Console) Stdout() io.Writer { return c.rl.Stdout() }

// Close releases the terminal.
func (c *Console) Close() error { return c.rl.Close() }

// Run feeds every input line to exec until exec returns false, the user
// ends the input, ctx is done or disconnected is closed.
func (c *Console) Run(ctx context.Context, disconnected <-chan struct{}, exec func(ctx context.Context, input string) bool) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-disconnected:
		}
		_ = c.rl.Close()
	}()

	for {
		input, err := c.rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if len(input) == 0 {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			select {
			case <-disconnected:
				return ErrClosed
			default:
				return nil
			}
		case err != nil:
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if !exec(ctx, input) {
			return nil
		}
	}
}

// PrintReply writes the outcome of a request: err in red, otherwise the
// lines as they are.
func PrintReply(w io.Writer, err error, lines ...string) {
	if err != nil {
		fmt.Fprintln(w, color.RedString(strings.TrimPrefix(err.Error(), ErrReply.Error()+": ")))
		return
	}
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}

// PrintPush writes a push notification.
func PrintPush(w io.Writer, push string) {
	fmt.Fprintln(w, color.CyanString(push))
}

// PrintUsage writes a usage hint.
func PrintUsage(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, color.YellowString(format, args...))
}
