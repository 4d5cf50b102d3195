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

// Package supervisor provides an OTP-style one-for-one supervisor for the
// broker's background actors.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/turtacn/meshbroker/pkg/actor"
	"github.com/turtacn/meshbroker/pkg/metrics"
)

// RestartStrategy defines the restart behavior for a supervised child actor.
type RestartStrategy int

const (
	// RestartPermanent always restarts the child.
	RestartPermanent RestartStrategy = iota
	// RestartTransient restarts the child only after an error or a panic.
	RestartTransient
	// RestartTemporary never restarts the child.
	RestartTemporary
)

func (r RestartStrategy) String() string {
	switch r {
	case RestartPermanent:
		return "permanent"
	case RestartTransient:
		return "transient"
	case RestartTemporary:
		return "temporary"
	}
	return fmt.Sprintf("strategy(%d)", int(r))
}

// Spec defines a child actor managed by a supervisor.
type Spec struct {
	// ID names the child in logs and metrics.
	ID      string
	Actor   actor.Actor
	Restart RestartStrategy
	// Mailbox is shared by every incarnation of the child.
	Mailbox *actor.Mailbox
}

// ErrNoSpecs is returned by Start when called without children.
var ErrNoSpecs = errors.New("no child specs provided")

// OneForOneSupervisor restarts only the child that terminated.
type OneForOneSupervisor struct {
	backoff time.Duration
	log     logrus.FieldLogger
	wg      sync.WaitGroup
}

// Option configures a supervisor.
type Option func(*OneForOneSupervisor)

// WithBackoff sets the pause between a child's termination and its restart.
func WithBackoff(d time.Duration) Option {
	return func(s *OneForOneSupervisor) { s.backoff = d }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *OneForOneSupervisor) { s.log = l }
}

// NewOneForOneSupervisor creates a one-for-one supervisor.
func NewOneForOneSupervisor(opts ...Option) *OneForOneSupervisor {
	s := &OneForOneSupervisor{
		backoff: time.Second,
		log:     logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.WithField("component", "supervisor")
	return s
}

// Start launches the initial set of children without blocking.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return ErrNoSpecs
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors a single child in its own goroutine. The
// child is stopped by canceling ctx.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorChild(ctx, spec)
	}()
}

// Wait blocks until every child has terminated for good.
func (s *OneForOneSupervisor) Wait() {
	s.wg.Wait()
}

func (s *OneForOneSupervisor) monitorChild(ctx context.Context, spec Spec) {
	log := s.log.WithField("actor", spec.ID)
	for {
		err := s.run(ctx, spec)

		if ctx.Err() != nil {
			log.Debug("Supervisor context is done, not restarting actor")
			return
		}

		restart := false
		switch spec.Restart {
		case RestartPermanent:
			restart = true
		case RestartTransient:
			restart = err != nil
		}
		if !restart {
			log.WithError(err).Infof("Actor terminated, %s child is not restarted", spec.Restart)
			return
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		log.WithError(err).Warn("Actor terminated, restarting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.backoff):
		}
	}
}

// run executes one incarnation of the child, converting a panic into an error.
func (s *OneForOneSupervisor) run(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
		}
	}()
	s.log.WithField("actor", spec.ID).Debug("Starting actor")
	return spec.Actor.Start(ctx, spec.Mailbox)
}
