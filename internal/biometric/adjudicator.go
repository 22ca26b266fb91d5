// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package biometric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jeranaias/touchid-sudo/internal/logger"
	"github.com/jeranaias/touchid-sudo/internal/util"
)

// maxReasonLen caps the reason carried into audit entries.
const maxReasonLen = 120

// Adjudicator runs one evaluation against a Capability with a hard deadline.
type Adjudicator struct {
	capability Capability
	log        *slog.Logger
}

// Option configures an Adjudicator.
type Option func(*Adjudicator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adjudicator) {
		a.log = logger.OrNop(l)
	}
}

// NewAdjudicator wraps capability.
func NewAdjudicator(capability Capability, opts ...Option) *Adjudicator {
	a := &Adjudicator{capability: capability, log: logger.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// evalResult is what the worker goroutine reports.
type evalResult struct {
	matched bool
	err     error
}

// Evaluate asks for a fingerprint and returns within req.Timeout (plus
// scheduling slack) even if the capability hangs. Cancelling ctx is treated
// as the user dismissing the prompt.
func (a *Adjudicator) Evaluate(ctx context.Context, req Request) Result {
	if a.capability == nil {
		return Result{Outcome: HardwareUnavailable, Reason: "no capability"}
	}
	if req.Timeout <= 0 {
		return Result{Outcome: Error, Reason: "non-positive timeout"}
	}
	if req.Remote {
		if rc, ok := a.capability.(RemoteCapable); !ok || !rc.SupportsRemote() {
			return Result{Outcome: HardwareUnavailable, Reason: "no local sensor for remote session"}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	h := &handle{}
	defer h.release()

	done := make(chan evalResult, 1)
	go a.run(ctx, req, h, done)

	select {
	case res := <-done:
		return a.interpret(res)
	case <-ctx.Done():
		// Watchdog path: the capability did not return in time. Ask it to
		// stop and release the handle now; the worker closes any handle it
		// acquires later.
		h.cancel()
		h.release()
		a.log.Warn("biometric watchdog fired",
			"user", util.MaskIdentifier(req.User), "timeout", req.Timeout, "cause", ctx.Err())
		return contextResult(ctx.Err())
	}
}

// run executes the capability. A panic inside the capability is reported
// as an error instead of crashing the host process.
func (a *Adjudicator) run(ctx context.Context, req Request, h *handle, done chan<- evalResult) {
	defer func() {
		if p := recover(); p != nil {
			done <- evalResult{err: fmt.Errorf("capability panic: %v", p)}
		}
	}()

	sess, err := a.capability.Open(ctx, req)
	if err != nil {
		done <- evalResult{err: err}
		return
	}
	if !h.set(sess) {
		// Watchdog already gave up on us.
		return
	}

	matched, err := sess.Evaluate(ctx)
	done <- evalResult{matched: matched, err: err}
}

func (a *Adjudicator) interpret(res evalResult) Result {
	switch err := res.err; {
	case err == nil && res.matched:
		return Result{Outcome: Matched}
	case err == nil:
		return Result{Outcome: NotMatched}
	case errors.Is(err, ErrUserCancelled):
		return Result{Outcome: Cancelled, Reason: "user cancelled"}
	case errors.Is(err, ErrBusy):
		// The platform refused a concurrent evaluation.
		return Result{Outcome: HardwareUnavailable, Reason: "sensor busy"}
	case errors.Is(err, ErrNotAvailable):
		return Result{Outcome: HardwareUnavailable, Reason: shortReason(err)}
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Result{Outcome: TimedOut, Reason: "capability timeout"}
	case errors.Is(err, context.Canceled):
		return Result{Outcome: Cancelled, Reason: "request cancelled"}
	default:
		a.log.Warn("biometric capability error", "error", err)
		return Result{Outcome: Error, Reason: shortReason(err)}
	}
}

func contextResult(err error) Result {
	if errors.Is(err, context.Canceled) {
		return Result{Outcome: Cancelled, Reason: "request cancelled"}
	}
	return Result{Outcome: TimedOut, Reason: "watchdog"}
}

func shortReason(err error) string {
	s := strings.Join(strings.Fields(err.Error()), " ")
	if len(s) > maxReasonLen {
		s = s[:maxReasonLen]
	}
	return s
}

// =============================================================================
// HANDLE
// =============================================================================

// handle owns the session so that exactly one Close happens whichever of
// the worker and the watchdog finishes first.
type handle struct {
	mu       sync.Mutex
	sess     Session
	released bool
	once     sync.Once
}

// set records sess. Returns false (after closing sess) if the handle was
// already released.
func (h *handle) set(sess Session) bool {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		_ = sess.Close()
		return false
	}
	h.sess = sess
	h.mu.Unlock()
	return true
}

func (h *handle) cancel() {
	h.mu.Lock()
	sess := h.sess
	h.mu.Unlock()
	if sess != nil {
		sess.Cancel()
	}
}

func (h *handle) release() {
	h.once.Do(func() {
		h.mu.Lock()
		h.released = true
		sess := h.sess
		h.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
	})
}
