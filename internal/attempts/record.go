// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package attempts is the durable, cross-process record of biometric
// failures per user, used to enforce lockout.
//
// Records are only ever changed through Store.Update, which applies a
// mutation under an exclusive lock scoped to one user (file backend) or to
// the database (SQLite backend). The lock is held only for the
// read-modify-write, never while waiting on the fingerprint sensor.
//
// Any failure to lock, read or verify a record is reported as
// ErrStoreUnavailable so callers can fail closed.
package attempts

import (
	"time"
)

// =============================================================================
// ATTEMPT RECORD
// =============================================================================

// Record tracks consecutive biometric failures for one user.
type Record struct {
	// User is the account name the record belongs to.
	User string `json:"user"`

	// ConsecutiveFailures counts penalized outcomes since the last match or
	// the last expired lockout. It is never decremented.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// LastFailure is when the most recent penalized outcome happened.
	LastFailure time.Time `json:"last_failure,omitzero"`

	// LockedUntil is the end of the current lockout window. Zero means the
	// user has never been locked out or the last window was cleared.
	LockedUntil time.Time `json:"locked_until,omitzero"`

	// LockoutCount is the number of lockouts ever triggered for this user.
	LockoutCount int `json:"lockout_count,omitempty"`

	// UpdatedAt is set by the store on every write.
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// IsLocked reports whether now falls inside the lockout window.
func (r Record) IsLocked(now time.Time) bool {
	return !r.LockedUntil.IsZero() && now.Before(r.LockedUntil)
}

// LockoutElapsed reports whether a lockout was set and its window has passed.
func (r Record) LockoutElapsed(now time.Time) bool {
	return !r.LockedUntil.IsZero() && !now.Before(r.LockedUntil)
}

// TimeRemaining returns the time left in the lockout window, or 0.
func (r Record) TimeRemaining(now time.Time) time.Duration {
	if !r.IsLocked(now) {
		return 0
	}
	return r.LockedUntil.Sub(now)
}

// IsZero reports whether the record carries no state.
func (r Record) IsZero() bool {
	return r.ConsecutiveFailures == 0 && r.LastFailure.IsZero() &&
		r.LockedUntil.IsZero() && r.LockoutCount == 0
}

// =============================================================================
// MUTATIONS
// =============================================================================

// ClearElapsedLockout resets the counter and the window once a lockout has
// run its course. Returns true if anything changed.
func (r *Record) ClearElapsedLockout(now time.Time) bool {
	if !r.LockoutElapsed(now) {
		return false
	}
	r.ConsecutiveFailures = 0
	r.LockedUntil = time.Time{}
	return true
}

// RecordFailure counts one penalized outcome. When the counter reaches
// maxFailures the lockout window starts at now and true is returned.
func (r *Record) RecordFailure(now time.Time, maxFailures int, lockout time.Duration) bool {
	r.ConsecutiveFailures++
	r.LastFailure = now
	if maxFailures > 0 && r.ConsecutiveFailures >= maxFailures {
		r.LockedUntil = now.Add(lockout)
		r.LockoutCount++
		return true
	}
	return false
}

// RecordSuccess resets the counter after a match.
func (r *Record) RecordSuccess() {
	r.ConsecutiveFailures = 0
	r.LockedUntil = time.Time{}
}
