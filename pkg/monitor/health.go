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

// Package monitor provides health checking for the broker over HTTP and the
// gRPC health protocol.
package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// HealthChecker runs named checks and keeps the last verdict.
type HealthChecker struct {
	mu sync.RWMutex

	node    string
	started time.Time

	healthy   bool
	lastCheck time.Time
	errors    []string

	checks map[string]*HealthCheck
	log    logrus.FieldLogger
}

// HealthCheck is one registered check.
type HealthCheck struct {
	Name        string
	CheckFunc   func() error
	Critical    bool
	LastChecked time.Time
	LastError   error
}

// HealthStatus is the overall health report.
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime"`
	Node       string                 `json:"node"`
	Checks     map[string]CheckResult `json:"checks"`
	Errors     []string               `json:"errors,omitempty"`
	Goroutines int                    `json:"goroutines"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// NewHealthChecker creates a checker for node with the default goroutine
// check registered.
func NewHealthChecker(node string, log logrus.FieldLogger) *HealthChecker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	hc := &HealthChecker{
		node:      node,
		started:   time.Now(),
		healthy:   true,
		lastCheck: time.Now(),
		checks:    make(map[string]*HealthCheck),
		log:       log.WithField("component", "health"),
	}
	hc.RegisterCheck("goroutines", func() error {
		if count := runtime.NumGoroutine(); count > 100000 {
			return fmt.Errorf("high goroutine count: %d", count)
		}
		return nil
	}, false)
	return hc
}

// RegisterCheck registers or replaces a check. A failing critical check
// makes the whole node unhealthy.
func (hc *HealthChecker) RegisterCheck(name string, checkFunc func() error, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = &HealthCheck{Name: name, CheckFunc: checkFunc, Critical: critical}
}

// UnregisterCheck removes a check.
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.checks, name)
}

// RunChecks executes every check and updates the verdict.
func (hc *HealthChecker) RunChecks() HealthStatus {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	now := time.Now()
	hc.lastCheck = now
	healthy := true
	var criticalErrors []string

	for name, check := range hc.checks {
		began := time.Now()
		err := check.CheckFunc()
		if d := time.Since(began); d > time.Second {
			hc.log.WithField("check", name).Warnf("Health check took %v", d)
		}
		check.LastChecked = now
		check.LastError = err
		if err != nil && check.Critical {
			criticalErrors = append(criticalErrors, fmt.Sprintf("%s: %s", name, err))
			healthy = false
		}
	}

	if healthy != hc.healthy {
		if healthy {
			hc.log.Info("Node is healthy again")
		} else {
			hc.log.WithField("errors", criticalErrors).Warn("Node is unhealthy")
		}
	}
	hc.healthy = healthy
	hc.errors = criticalErrors
	return hc.statusLocked()
}

// GetStatus returns the last verdict without running checks.
func (hc *HealthChecker) GetStatus() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.statusLocked()
}

// IsHealthy reports the last verdict.
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

func (hc *HealthChecker) statusLocked() HealthStatus {
	results := make(map[string]CheckResult, len(hc.checks))
	for name, check := range hc.checks {
		status, message := "unknown", ""
		if !check.LastChecked.IsZero() {
			status = "passed"
			if check.LastError != nil {
				status, message = "failed", check.LastError.Error()
			}
		}
		results[name] = CheckResult{
			Status:      status,
			LastChecked: check.LastChecked,
			Message:     message,
			Critical:    check.Critical,
		}
	}
	status := StatusHealthy
	if !hc.healthy {
		status = StatusUnhealthy
	}
	return HealthStatus{
		Status:     status,
		Timestamp:  hc.lastCheck,
		Uptime:     int64(time.Since(hc.started).Seconds()),
		Node:       hc.node,
		Checks:     results,
		Errors:     hc.errors,
		Goroutines: runtime.NumGoroutine(),
	}
}

// HealthServer serves the liveness and readiness endpoints.
type HealthServer struct {
	checker *HealthChecker
	ready   func() bool
}

// NewHealthServer creates the HTTP endpoints. ready reports whether the
// broker accepts connections.
func NewHealthServer(checker *HealthChecker, ready func() bool) *HealthServer {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &HealthServer{checker: checker, ready: ready}
}

// RegisterRoutes registers the health routes on mux.
func (hs *HealthServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", hs.handleLiveness)
	mux.HandleFunc("/readyz", hs.handleReadiness)
	mux.HandleFunc("/health/detailed", hs.handleDetailedHealth)
}

// handleLiveness reports the last verdict; it does not run checks.
func (hs *HealthServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	code := http.StatusOK
	status := hs.checker.GetStatus()
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status": status.Status,
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (hs *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hs.ready() && hs.checker.IsHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("Service Unavailable"))
}

func (hs *HealthServer) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := hs.checker.RunChecks()
	code := http.StatusOK
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
