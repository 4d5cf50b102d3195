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
package main

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/meshbroker/pkg/broker"
	"github.com/turtacn/meshbroker/pkg/config"
	"github.com/turtacn/meshbroker/pkg/monitor"
	"github.com/turtacn/meshbroker/pkg/protocol/line"
	"github.com/turtacn/meshbroker/pkg/testutil"
)

func TestHTTPMuxes(t *testing.T) {
	logger, _ := test.NewNullLogger()
	checker := monitor.NewHealthChecker("n1", logger)
	b := broker.New(broker.Options{NodeID: "n1", Log: logger})

	cfg := config.DefaultConfig()
	assert.Empty(t, httpMuxes(cfg, checker, b), "endpoints are off by default")

	cfg.MetricsAddr = ":9100"
	cfg.HealthAddr = ":9100"
	cfg.AdminAddr = ":9100"
	muxes := httpMuxes(cfg, checker, b)
	require.Len(t, muxes, 1)
	codes := map[string]int{
		"/metrics":      http.StatusOK,
		"/healthz":      http.StatusOK,
		"/api/v1/stats": http.StatusOK,
		// Not listening yet.
		"/readyz": http.StatusServiceUnavailable,
	}
	for path, code := range codes {
		rec := httptest.NewRecorder()
		muxes[":9100"].ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, code, rec.Code, path)
	}

	cfg.HealthAddr = ":9101"
	assert.Len(t, httpMuxes(cfg, checker, b), 2)
}

func TestNewDispatcher(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx := context.Background()
	cfg := config.DefaultConfig()

	d, err := newDispatcher(ctx, cfg, logger)
	require.NoError(t, err)
	assert.Nil(t, d, "no sink enabled")

	mr := miniredis.RunT(t)
	cfg.Export.Redis.Enabled = true
	cfg.Export.Redis.Addr = mr.Addr()
	d, err = newDispatcher(ctx, cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.NoError(t, d.Close())

	cfg.Export.Redis.Addr = "127.0.0.1:1"
	_, err = newDispatcher(ctx, cfg, logger)
	assert.Error(t, err)
}

func TestBusyEndpointAddressKeepsBrokerServing(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	listen := probe.Addr().String()
	require.NoError(t, probe.Close())

	cfg := config.DefaultConfig()
	cfg.Listen = listen
	cfg.MetricsAddr = busy.Addr().String()
	cfg.GRPCHealthAddr = busy.Addr().String()
	logger, hook := test.NewNullLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, logger) }()

	require.Eventually(t, func() bool {
		nc, err := net.Dial("tcp", listen)
		if err != nil {
			return false
		}
		_ = nc.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	warned := func(msg string) bool {
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.WarnLevel && e.Message == msg {
				return true
			}
		}
		return false
	}
	assert.Eventually(t, func() bool {
		return warned("HTTP endpoints disabled, failed to listen") &&
			warned("gRPC health service disabled, failed to listen")
	}, 2*time.Second, 20*time.Millisecond)

	c := testutil.Dial(t, listen)
	c.WriteLine("list")
	assert.Equal(t, line.Exception("No topics available."), c.ReadLine())
	select {
	case err := <-done:
		t.Fatalf("broker stopped: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("broker did not shut down")
	}
}
