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

// package metrics provides Prometheus metrics for the broker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshbroker"

var (
	// ConnectionsTotal is a counter for the total number of accepted or dialed connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "The total number of connections handled by the broker.",
	})

	// ActiveSessions tracks connection sessions that have not terminated.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "The number of open connection sessions.",
	})

	// Topics tracks live topics in the local registry.
	Topics = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "topics",
		Help:      "The number of live topics.",
	})

	// Subscriptions tracks (session, topic) pairs in the local registry.
	Subscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscriptions",
		Help:      "The number of subscriptions held by local sessions and peer links.",
	})

	// CommandsTotal counts dispatched protocol commands by name and outcome.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "The total number of protocol commands handled.",
	},
		[]string{"command", "result"},
	)

	// MessagesPublished counts publishes applied to the local registry.
	MessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_published_total",
		Help:      "The total number of messages fanned out by this broker.",
	})

	// MessagesDelivered counts pushes enqueued for local subscribers.
	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_delivered_total",
		Help:      "The total number of messages enqueued for subscribers.",
	})

	// DeliveriesDropped counts pushes rejected by a closed or full outbound queue.
	DeliveriesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_dropped_total",
		Help:      "The total number of pushes skipped because the subscriber was unreachable.",
	})

	// PeerLinks tracks the peer brokers this node forwards to.
	PeerLinks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peer_links",
		Help:      "The number of peer broker links.",
	})

	// EventsForwarded counts replication commands written to peer links.
	EventsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_forwarded_total",
		Help:      "The total number of replication commands sent to peers.",
	},
		[]string{"command"},
	)

	// EventsDuplicate counts replication commands suppressed by the seen-set.
	EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_duplicate_total",
		Help:      "The total number of replicated events dropped as already seen.",
	})

	// ExportDropped counts registry events the exporter could not queue.
	ExportDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "export_dropped_total",
		Help:      "The total number of registry events dropped by the exporter.",
	})

	// SupervisorRestartsTotal is a counter for the total number of supervisor restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "supervisor_restarts_total",
		Help:      "The total number of times a supervised actor has been restarted.",
	},
		[]string{"actor_id"},
	)
)

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
