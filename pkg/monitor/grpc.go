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

package monitor

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the broker.
const ServiceName = "meshbroker"

// GRPCHealth mirrors the checker's verdict on the standard gRPC health
// service, both for the empty service name and for ServiceName.
type GRPCHealth struct {
	server  *health.Server
	checker *HealthChecker
	ready   func() bool
}

// NewGRPCHealth creates the health service. Everything starts NOT_SERVING
// until the first Update.
func NewGRPCHealth(checker *HealthChecker, ready func() bool) *GRPCHealth {
	if ready == nil {
		ready = func() bool { return true }
	}
	g := &GRPCHealth{server: health.NewServer(), checker: checker, ready: ready}
	g.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return g
}

// Register adds the health service to s.
func (g *GRPCHealth) Register(s grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(s, g.server)
}

// Update runs the checks and publishes the result.
func (g *GRPCHealth) Update() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if g.checker.RunChecks().Status == StatusHealthy && g.ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.set(status)
}

// Run updates the status every interval until ctx is done, then marks the
// service as shutting down.
func (g *GRPCHealth) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	g.Update()
	for {
		select {
		case <-ctx.Done():
			g.server.Shutdown()
			return
		case <-ticker.C:
			g.Update()
		}
	}
}

func (g *GRPCHealth) set(status healthpb.HealthCheckResponse_ServingStatus) {
	g.server.SetServingStatus("", status)
	g.server.SetServingStatus(ServiceName, status)
}
