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
// Package admin provides the REST endpoints for inspecting a running broker:
// its statistics, topics and connections. A connection can be disconnected,
// which triggers the same cleanup as a dropped socket.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/turtacn/meshbroker/pkg/broker"
	"github.com/turtacn/meshbroker/pkg/topic"
)

// Broker is the broker state the API reads.
type Broker interface {
	NodeID() string
	Stats() broker.Stats
	Sessions() []broker.SessionInfo
	Disconnect(id uint64) bool
}

// Registry is the topic registry the API reads.
type Registry interface {
	ListTopics() []topic.Info
	Lookup(id string) (topic.Info, bool)
}

// TopicInfo is the JSON form of a topic.
type TopicInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Creators    []string `json:"creators"`
	Subscribers int      `json:"subscribers"`
}

// StatsInfo is the JSON form of the broker summary.
type StatsInfo struct {
	Node     string    `json:"node"`
	Uptime   int64     `json:"uptime"`
	Sessions int       `json:"sessions"`
	Topics   int       `json:"topics"`
	Peers    []string  `json:"peers"`
	Datetime time.Time `json:"datetime"`
}

// APIResponse represents a standard API response
type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// PaginationMeta describes one page of a listing.
type PaginationMeta struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Count int `json:"count"`
	Total int `json:"total"`
}

// APIServer serves the admin endpoints.
type APIServer struct {
	broker   Broker
	registry Registry
	started  time.Time
}

// NewAPIServer creates a new API server instance
func NewAPIServer(b Broker, registry Registry) *APIServer {
	return &APIServer{broker: b, registry: registry, started: time.Now()}
}

// RegisterRoutes registers all API routes
func (s *APIServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/topics", s.handleTopics)
	mux.HandleFunc("/api/v1/topics/", s.handleTopicByID)
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	mux.HandleFunc("/api/v1/sessions/", s.handleSessionByID)
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	st := s.broker.Stats()
	peers := st.Peers
	if peers == nil {
		peers = []string{}
	}
	s.writeSuccess(w, StatsInfo{
		Node:     s.broker.NodeID(),
		Uptime:   int64(time.Since(s.started).Seconds()),
		Sessions: st.Sessions,
		Topics:   st.Topics,
		Peers:    peers,
		Datetime: time.Now(),
	})
}

func (s *APIServer) handleTopics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	infos := s.registry.ListTopics()
	topics := make([]TopicInfo, 0, len(infos))
	for _, in := range infos {
		topics = append(topics, topicInfo(in))
	}
	n, limit := s.getPagination(r)
	page, meta := paginate(topics, n, limit)
	s.writeSuccess(w, struct {
		Data []TopicInfo   `json:"data"`
		Meta PaginationMeta `json:"meta"`
	}{Data: page, Meta: meta})
}

func (s *APIServer) handleTopicByID(w http.ResponseWriter, r *http.Request) {
	id := s.extractIDFromPath(r.URL.Path, "/api/v1/topics/")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "Topic ID is required")
		return
	}
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	in, ok := s.registry.Lookup(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Topic not found")
		return
	}
	s.writeSuccess(w, topicInfo(in))
}

func (s *APIServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	sessions := s.broker.Sessions()
	if sessions == nil {
		sessions = []broker.SessionInfo{}
	}
	n, limit := s.getPagination(r)
	page, meta := paginate(sessions, n, limit)
	s.writeSuccess(w, struct {
		Data []broker.SessionInfo `json:"data"`
		Meta PaginationMeta       `json:"meta"`
	}{Data: page, Meta: meta})
}

// handleSessionByID handles /api/v1/sessions/{id}: GET describes the
// session, DELETE disconnects it.
func (s *APIServer) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(s.extractIDFromPath(r.URL.Path, "/api/v1/sessions/"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid session ID")
		return
	}

	switch r.Method {
	case http.MethodGet:
		for _, info := range s.broker.Sessions() {
			if info.ID == id {
				s.writeSuccess(w, info)
				return
			}
		}
		s.writeError(w, http.StatusNotFound, "Session not found")
	case http.MethodDelete:
		if !s.broker.Disconnect(id) {
			s.writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func topicInfo(in topic.Info) TopicInfo {
	creators := in.Creators
	if creators == nil {
		creators = []string{}
	}
	return TopicInfo{ID: in.ID, Name: in.Name, Creators: creators, Subscribers: in.Subscribers}
}

func paginate[T any](items []T, page, limit int) ([]T, PaginationMeta) {
	start := (page - 1) * limit
	end := start + limit
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}
	return items[start:end], PaginationMeta{
		Page:  page,
		Limit: limit,
		Count: end - start,
		Total: len(items),
	}
}

// Helper methods

func (s *APIServer) writeSuccess(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, APIResponse{Code: 0, Data: data})
}

func (s *APIServer) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, APIResponse{Code: statusCode, Message: message})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *APIServer) extractIDFromPath(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	return strings.TrimPrefix(path, prefix)
}

func (s *APIServer) getPagination(r *http.Request) (page int, limit int) {
	page = 1
	limit = 20

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}
	return page, limit
}
