// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"time"

	"github.com/jeranaias/touchid-sudo/internal/biometric"
)

// =============================================================================
// VERDICT
// =============================================================================

// Verdict is the outcome of one authentication request. It is never
// persisted; only its occurrence is audited.
type Verdict string

const (
	// Granted means the fingerprint matched; sudo proceeds without a password.
	Granted Verdict = "granted"

	// Denied stops the authentication stack.
	Denied Verdict = "denied"

	// FallbackRequested hands over to the password prompt further down the stack.
	FallbackRequested Verdict = "fallback"

	// LockedOut means the user is inside a lockout window.
	LockedOut Verdict = "locked_out"
)

// Reason is the machine-readable code recorded with every decision.
type Reason string

const (
	ReasonMatched             Reason = "biometric_matched"
	ReasonDisabled            Reason = "biometric_disabled"
	ReasonRemoteDisallowed    Reason = "remote_session_disallowed"
	ReasonConfigError         Reason = "config_error"
	ReasonStoreUnavailable    Reason = "store_unavailable"
	ReasonLockedOut           Reason = "locked_out"
	ReasonLockoutTriggered    Reason = "lockout_triggered"
	ReasonNotMatched          Reason = "not_matched"
	ReasonCancelled           Reason = "cancelled"
	ReasonTimedOut            Reason = "timed_out"
	ReasonHardwareUnavailable Reason = "hardware_unavailable"
	ReasonBiometricError      Reason = "biometric_error"
	ReasonFallbackDisabled    Reason = "fallback_disabled"
	ReasonInvalidRequest      Reason = "invalid_request"
	ReasonInternalError       Reason = "internal_error"
)

// reasonFor maps a biometric outcome to its reason code.
func reasonFor(o biometric.Outcome) Reason {
	switch o {
	case biometric.Matched:
		return ReasonMatched
	case biometric.NotMatched:
		return ReasonNotMatched
	case biometric.Cancelled:
		return ReasonCancelled
	case biometric.TimedOut:
		return ReasonTimedOut
	case biometric.HardwareUnavailable:
		return ReasonHardwareUnavailable
	default:
		return ReasonBiometricError
	}
}

// =============================================================================
// REQUEST / DECISION
// =============================================================================

// Request describes one sudo authentication. It is built by the caller for a
// single call and not retained.
type Request struct {
	User    string
	Service string
	TTY     string
	RHost   string

	// Remote is set when the session has no local console (SSH and similar).
	Remote bool

	// Time is when the request started. Zero means now.
	Time time.Time
}

// Decision is what Authenticate returns.
type Decision struct {
	Verdict   Verdict
	Reason    Reason
	RequestID string

	// Biometric is the adjudicated outcome, empty if the sensor was not used.
	Biometric biometric.Outcome

	// Failures and LockedUntil reflect the attempt record after the decision,
	// when the store was consulted.
	Failures    int
	LockedUntil time.Time
}

// Granted reports whether the decision lets sudo proceed without a password.
func (d Decision) Granted() bool {
	return d.Verdict == Granted
}
