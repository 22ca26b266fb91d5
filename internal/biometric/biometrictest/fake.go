// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package biometrictest provides a scripted biometric.Capability for tests.
package biometrictest

import (
	"context"
	"sync"

	"github.com/jeranaias/touchid-sudo/internal/biometric"
)

// Step scripts one Open/Evaluate cycle.
type Step struct {
	Matched bool
	Err     error

	// OpenErr fails Open instead of returning a session.
	OpenErr error

	// Hang makes Evaluate ignore its context and block until Release.
	Hang bool

	// WaitForCancel makes Evaluate block until ctx is done or Cancel is called.
	WaitForCancel bool

	// Panic makes Evaluate panic with this value.
	Panic any
}

// Convenience steps.
var (
	Match       = Step{Matched: true}
	NoMatch     = Step{}
	Cancel      = Step{Err: biometric.ErrUserCancelled}
	Unavailable = Step{OpenErr: biometric.ErrNotAvailable}
	Busy        = Step{Err: biometric.ErrBusy}
	Timeout     = Step{Err: biometric.ErrTimeout}
)

// Capability replays Steps in order; once exhausted it repeats the last one.
type Capability struct {
	mu       sync.Mutex
	steps    []Step
	next     int
	Remote   bool
	release  chan struct{}
	relOnce  sync.Once
	requests []biometric.Request

	opened    int
	closed    int
	cancelled int
}

// New returns a capability that plays steps.
func New(steps ...Step) *Capability {
	return &Capability{steps: steps, release: make(chan struct{})}
}

// Push appends steps.
func (c *Capability) Push(steps ...Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, steps...)
}

// SupportsRemote implements biometric.RemoteCapable.
func (c *Capability) SupportsRemote() bool {
	return c.Remote
}

// Release unblocks every Hang step. Safe to call more than once.
func (c *Capability) Release() {
	c.relOnce.Do(func() { close(c.release) })
}

// Stats reports how many sessions were opened, closed and cancelled.
func (c *Capability) Stats() (opened, closed, cancelled int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened, c.closed, c.cancelled
}

// Requests returns every request passed to Open.
func (c *Capability) Requests() []biometric.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]biometric.Request(nil), c.requests...)
}

// Calls returns the number of Open calls.
func (c *Capability) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Open implements biometric.Capability.
func (c *Capability) Open(ctx context.Context, req biometric.Request) (biometric.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests = append(c.requests, req)
	step := NoMatch
	if len(c.steps) > 0 {
		idx := c.next
		if idx >= len(c.steps) {
			idx = len(c.steps) - 1
		}
		step = c.steps[idx]
		c.next++
	}
	if step.OpenErr != nil {
		return nil, step.OpenErr
	}
	c.opened++
	return &session{c: c, step: step, cancel: make(chan struct{})}, nil
}

type session struct {
	c          *Capability
	step       Step
	cancel     chan struct{}
	cancelOnce sync.Once
}

func (s *session) Evaluate(ctx context.Context) (bool, error) {
	switch {
	case s.step.Panic != nil:
		panic(s.step.Panic)
	case s.step.Hang:
		<-s.c.release
		return false, nil
	case s.step.WaitForCancel:
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-s.cancel:
			return false, biometric.ErrUserCancelled
		}
	}
	return s.step.Matched, s.step.Err
}

func (s *session) Cancel() {
	s.cancelOnce.Do(func() {
		s.c.mu.Lock()
		s.c.cancelled++
		s.c.mu.Unlock()
		close(s.cancel)
	})
}

// Close counts every call so tests can detect double release.
func (s *session) Close() error {
	s.c.mu.Lock()
	s.c.closed++
	s.c.mu.Unlock()
	return nil
}
