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
	"fmt"
	"net"
	"strings"
)

// eventPrefix marks the optional event id token on forwarded commands.
const eventPrefix = "#"

// Parse decodes one protocol line. The trailing newline must already be
// stripped; a trailing carriage return is tolerated.
//
// It returns ErrUnknownCommand when the command name is not recognised and
// ErrMalformed when required fields are missing. In the latter case the
// returned Command still carries the Kind so callers can report usage.
func Parse(s string) (Command, error) {
	s = strings.TrimSuffix(s, "\r")
	name, rest, _ := strings.Cut(s, " ")
	kind, ok := namesToKind[name]
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	cmd := Command{Kind: kind}

	if kind.Forwarded() && strings.HasPrefix(rest, eventPrefix) {
		tok, tail, _ := strings.Cut(rest, " ")
		id, err := ParseEventID(strings.TrimPrefix(tok, eventPrefix))
		if err != nil {
			return cmd, err
		}
		cmd.Event = id
		rest = tail
	}

	var err error
	switch kind {
	case KindCreate, KindForwardCreate:
		cmd.TopicID, cmd.TopicName, cmd.Creator, err = splitCreate(rest)
	case KindPublish:
		var tail string
		cmd.TopicID, tail, err = head(rest)
		if err == nil {
			cmd.Creator, cmd.Body, err = head(tail)
		}
		if err == nil && cmd.Body == "" {
			err = ErrMalformed
		}
	case KindForwardPublish:
		cmd.TopicID, cmd.Body, err = head(rest)
		if err == nil && cmd.Body == "" {
			err = ErrMalformed
		}
	case KindDelete, KindShow:
		fields := strings.Fields(rest)
		if len(fields) < 2 {
			err = ErrMalformed
			break
		}
		cmd.TopicID, cmd.Creator = fields[0], fields[1]
	case KindShowAll:
		fields := strings.Fields(rest)
		if len(fields) < 1 {
			err = ErrMalformed
			break
		}
		cmd.Creator = fields[0]
	case KindSubscribe, KindUnsubscribe, KindForwardDelete, KindForwardSubscribe, KindForwardUnsubscribe:
		fields := strings.Fields(rest)
		if len(fields) < 1 {
			err = ErrMalformed
			break
		}
		cmd.TopicID = fields[0]
	case KindNewBroker:
		fields := strings.Fields(rest)
		if len(fields) < 1 {
			err = ErrMalformed
			break
		}
		if _, _, splitErr := net.SplitHostPort(fields[0]); splitErr != nil {
			err = ErrMalformed
			break
		}
		cmd.Addr = fields[0]
		if len(fields) > 1 {
			cmd.Node = fields[1]
		}
	case KindList, KindCurrent:
		// no arguments
	}
	if err != nil {
		return cmd, fmt.Errorf("%w: usage: %s", ErrMalformed, Usage(kind))
	}
	return cmd, nil
}

// head splits off the first space separated field; the remainder is returned
// verbatim.
func head(s string) (string, string, error) {
	first, rest, _ := strings.Cut(s, " ")
	if first == "" {
		return "", "", ErrMalformed
	}
	return first, rest, nil
}

// splitCreate decodes "<topicId> <name...> <creator>": the first field is the
// id, the last the creator and everything between is the display name.
func splitCreate(s string) (id, name, creator string, err error) {
	first := strings.IndexByte(s, ' ')
	last := strings.LastIndexByte(s, ' ')
	if first <= 0 || last <= first+1 || last == len(s)-1 {
		return "", "", "", ErrMalformed
	}
	return s[:first], s[first+1 : last], s[last+1:], nil
}

// Encode renders c as a wire line without the trailing newline.
func (c Command) Encode() string {
	var b strings.Builder
	b.WriteString(c.Kind.String())
	if c.Kind.Forwarded() && !c.Event.IsZero() {
		b.WriteString(" " + eventPrefix)
		b.WriteString(c.Event.String())
	}
	write := func(fields ...string) {
		for _, f := range fields {
			b.WriteByte(' ')
			b.WriteString(f)
		}
	}
	switch c.Kind {
	case KindCreate, KindForwardCreate:
		write(c.TopicID, c.TopicName, c.Creator)
	case KindPublish:
		write(c.TopicID, c.Creator, c.Body)
	case KindForwardPublish:
		write(c.TopicID, c.Body)
	case KindDelete, KindShow:
		write(c.TopicID, c.Creator)
	case KindShowAll:
		write(c.Creator)
	case KindSubscribe, KindUnsubscribe, KindForwardDelete, KindForwardSubscribe, KindForwardUnsubscribe:
		write(c.TopicID)
	case KindNewBroker:
		write(c.Addr)
		if c.Node != "" {
			write(c.Node)
		}
	}
	return b.String()
}
