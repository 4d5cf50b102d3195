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
	"strconv"
	"strings"
	"time"
)

// Fixed reply tokens.
const (
	Success       = "success"
	EndOfResponse = "END_OF_RESPONSE"

	errorPrefix     = "error "
	exceptionPrefix = "exception "
)

// TimestampLayout is the layout of the timestamp leading every push line.
const TimestampLayout = "02/01 15:04:05"

// DeletedNotice is the body of the push sent when a topic is deleted.
const DeletedNotice = "Topic is deleted"

// Error formats an "error ..." reply.
func Error(msg string) string {
	return errorPrefix + msg
}

// Exception formats an "exception ..." reply.
func Exception(msg string) string {
	return exceptionPrefix + msg
}

// IsFailure reports whether a reply line is an error or exception.
func IsFailure(reply string) bool {
	return strings.HasPrefix(reply, errorPrefix) || strings.HasPrefix(reply, exceptionPrefix)
}

// Push formats a message delivered to a subscriber:
// "<timestamp> <topicId>:<name>: <body>".
func Push(ts time.Time, topicID, name, body string) string {
	return ts.Format(TimestampLayout) + " " + topicID + ":" + name + ": " + body
}

// TopicStats formats a show/showAll line.
func TopicStats(topicID, name string, subscribers int) string {
	return topicID + " " + name + " " + strconv.Itoa(subscribers)
}

// TopicListing formats a list/current line.
func TopicListing(topicID, name string, creators []string) string {
	return topicID + " " + name + " " + strings.Join(creators, ", ")
}
