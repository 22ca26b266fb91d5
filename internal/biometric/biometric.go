// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package biometric adjudicates a single fingerprint evaluation against an
// external platform capability.
//
// The capability is untrusted in one respect: it may hang or ignore its own
// timeout. The Adjudicator therefore runs it under a hard watchdog, cancels
// it on expiry, and releases the session handle on every exit path.
package biometric

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// RESULT
// =============================================================================

// Outcome is the interpreted result of one evaluation.
type Outcome string

const (
	Matched             Outcome = "matched"
	NotMatched          Outcome = "not_matched"
	Cancelled           Outcome = "cancelled"
	HardwareUnavailable Outcome = "hardware_unavailable"
	TimedOut            Outcome = "timed_out"
	Error               Outcome = "error"
)

// Result is an Outcome plus a short machine-oriented reason. Reason is never
// shown to the user.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Penalized reports whether the outcome counts toward lockout. The user
// either failed or chose to stop; hardware absence and internal errors are
// not the user's doing.
func (r Result) Penalized() bool {
	switch r.Outcome {
	case NotMatched, Cancelled, TimedOut:
		return true
	default:
		return false
	}
}

func (r Result) String() string {
	if r.Reason == "" {
		return string(r.Outcome)
	}
	return string(r.Outcome) + " (" + r.Reason + ")"
}

// =============================================================================
// CAPABILITY BOUNDARY
// =============================================================================

// Errors a Capability or Session reports for non-match outcomes.
var (
	ErrNotAvailable  = errors.New("biometric hardware not available")
	ErrUserCancelled = errors.New("user cancelled biometric prompt")
	ErrBusy          = errors.New("biometric hardware busy")
	ErrTimeout       = errors.New("biometric evaluation timed out")
)

// Request is what the capability is asked to evaluate.
type Request struct {
	User    string
	Purpose string
	Timeout time.Duration

	// Remote is set when the sudo caller is not at the local console.
	Remote bool
}

// Capability opens evaluation sessions on the platform's secure sensor.
type Capability interface {
	Open(ctx context.Context, req Request) (Session, error)
}

// Session is one acquired evaluation handle.
type Session interface {
	// Evaluate prompts for a fingerprint and reports whether it matched.
	Evaluate(ctx context.Context) (bool, error)

	// Cancel asks the platform to abort a pending Evaluate. Best effort.
	Cancel()

	// Close releases the handle. Called exactly once by the Adjudicator.
	Close() error
}

// RemoteCapable is implemented by capabilities that can reach a sensor
// from a session that is not on the local console. Capabilities without it
// are treated as unavailable for remote sessions.
type RemoteCapable interface {
	SupportsRemote() bool
}
