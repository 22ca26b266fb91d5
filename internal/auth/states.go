// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"errors"

	"github.com/jeranaias/touchid-sudo/internal/attempts"
	"github.com/jeranaias/touchid-sudo/internal/biometric"
	"github.com/jeranaias/touchid-sudo/internal/policy"
	"github.com/jeranaias/touchid-sudo/internal/util"
)

// state is a step of the authentication state machine.
type state int

const (
	stateStart state = iota
	statePolicyCheck
	stateLockedOutCheck
	stateBiometricPrompt
	stateAdjudicate
	stateFallbackDecision
	stateTerminal
)

func (s state) String() string {
	switch s {
	case stateStart:
		return "start"
	case statePolicyCheck:
		return "policy_check"
	case stateLockedOutCheck:
		return "locked_out_check"
	case stateBiometricPrompt:
		return "biometric_prompt"
	case stateAdjudicate:
		return "adjudicate"
	case stateFallbackDecision:
		return "fallback_decision"
	case stateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// errLockedElsewhere aborts a store mutation when another process set a
// lockout between our read and our write.
var errLockedElsewhere = errors.New("locked out by a concurrent attempt")

// attempt carries one request through the state machine.
type attempt struct {
	o   *Orchestrator
	ctx context.Context
	req Request

	cfg       *policy.Config
	store     attempts.Store
	auditPath string

	result       biometric.Result
	freshLockout bool

	decision Decision
}

func (a *attempt) run() {
	st := stateStart
	for st != stateTerminal {
		next := a.step(st)
		a.o.log.Debug("auth transition", "request_id", a.decision.RequestID, "from", st, "to", next)
		st = next
	}
}

func (a *attempt) step(st state) state {
	switch st {
	case stateStart:
		return a.start()
	case statePolicyCheck:
		return a.policyCheck()
	case stateLockedOutCheck:
		return a.lockedOutCheck()
	case stateBiometricPrompt:
		return a.biometricPrompt()
	case stateAdjudicate:
		return a.adjudicate()
	case stateFallbackDecision:
		return a.fallbackDecision()
	default:
		return a.deny(ReasonInternalError)
	}
}

// terminal sets the verdict and ends the machine.
func (a *attempt) terminal(v Verdict, r Reason) state {
	a.decision.Verdict = v
	a.decision.Reason = r
	return stateTerminal
}

func (a *attempt) deny(r Reason) state {
	return a.terminal(Denied, r)
}

// =============================================================================
// STATES
// =============================================================================

func (a *attempt) start() state {
	if a.req.User == "" {
		return a.deny(ReasonInvalidRequest)
	}
	return statePolicyCheck
}

func (a *attempt) policyCheck() state {
	if a.o.policy == nil {
		return a.deny(ReasonConfigError)
	}
	cfg, err := a.o.policy.Load()
	if err != nil {
		// Untrusted or broken policy: no biometric, no fallback signal.
		a.o.log.Error("policy unusable, denying", "request_id", a.decision.RequestID, "error", err)
		return a.deny(ReasonConfigError)
	}
	a.cfg = cfg
	a.auditPath = cfg.AuditLocation(a.o.locations)

	switch {
	case !cfg.Biometric.Enabled:
		a.decision.Reason = ReasonDisabled
		return stateFallbackDecision
	case a.req.Remote && !cfg.Biometric.AllowRemoteSessions:
		a.decision.Reason = ReasonRemoteDisallowed
		return stateFallbackDecision
	}
	return stateLockedOutCheck
}

func (a *attempt) lockedOutCheck() state {
	store, err := a.o.openStore(a.cfg)
	if err != nil {
		return a.storeFailed("open", err)
	}
	a.store = store

	ctx, cancel := a.storeContext()
	defer cancel()

	rec, err := store.Get(ctx, a.req.User)
	if err != nil {
		return a.storeFailed("read", err)
	}

	now := a.o.now()
	if rec.IsLocked(now) {
		a.setRecord(rec)
		return a.terminal(LockedOut, ReasonLockedOut)
	}

	if rec.LockoutElapsed(now) {
		rec, err = store.Update(ctx, a.req.User, func(r *attempts.Record) error {
			if r.IsLocked(now) {
				return errLockedElsewhere
			}
			r.ClearElapsedLockout(now)
			return nil
		})
		if errors.Is(err, errLockedElsewhere) {
			return a.lockedNow(ctx)
		}
		if err != nil {
			return a.storeFailed("clear lockout", err)
		}
	}
	a.setRecord(rec)
	return stateBiometricPrompt
}

func (a *attempt) biometricPrompt() state {
	adj := biometric.NewAdjudicator(a.o.capability(a.cfg), biometric.WithLogger(a.o.log))
	a.result = adj.Evaluate(a.ctx, biometric.Request{
		User:    a.req.User,
		Purpose: a.cfg.Biometric.Purpose,
		Timeout: a.cfg.BiometricTimeout(),
		Remote:  a.req.Remote,
	})
	a.decision.Biometric = a.result.Outcome
	a.o.log.Debug("biometric result",
		"request_id", a.decision.RequestID,
		"user", util.MaskIdentifier(a.req.User),
		"result", a.result.String())
	return stateAdjudicate
}

func (a *attempt) adjudicate() state {
	ctx, cancel := a.storeContext()
	defer cancel()

	if a.result.Outcome == biometric.Matched {
		rec, err := a.store.Update(ctx, a.req.User, func(r *attempts.Record) error {
			r.RecordSuccess()
			return nil
		})
		if err != nil {
			return a.storeFailed("record success", err)
		}
		a.setRecord(rec)
		return a.terminal(Granted, ReasonMatched)
	}

	a.decision.Reason = reasonFor(a.result.Outcome)
	if !a.result.Penalized() {
		// Hardware absence and internal errors are not the user's doing.
		return stateFallbackDecision
	}

	now := a.o.now()
	maxFailures := a.cfg.Lockout.MaxConsecutiveFailures
	duration := a.cfg.LockoutDuration()

	var triggered bool
	rec, err := a.store.Update(ctx, a.req.User, func(r *attempts.Record) error {
		if r.IsLocked(now) {
			return errLockedElsewhere
		}
		r.ClearElapsedLockout(now)
		triggered = r.RecordFailure(now, maxFailures, duration)
		return nil
	})
	if errors.Is(err, errLockedElsewhere) {
		return a.lockedNow(ctx)
	}
	if err != nil {
		return a.storeFailed("record failure", err)
	}
	a.setRecord(rec)

	if triggered {
		a.freshLockout = true
		a.decision.Reason = ReasonLockoutTriggered
		a.o.log.Warn("lockout triggered",
			"request_id", a.decision.RequestID,
			"user", util.MaskIdentifier(a.req.User),
			"failures", rec.ConsecutiveFailures,
			"locked_until", rec.LockedUntil)
	}
	return stateFallbackDecision
}

func (a *attempt) fallbackDecision() state {
	switch {
	case a.freshLockout:
		// The threshold was crossed by this very attempt.
		return a.deny(ReasonLockoutTriggered)
	case a.cfg == nil || !a.cfg.Fallback.PasswordAllowed:
		return a.deny(ReasonFallbackDisabled)
	}
	return a.terminal(FallbackRequested, a.decision.Reason)
}

// =============================================================================
// HELPERS
// =============================================================================

// storeContext detaches store work from caller cancellation but bounds it.
func (a *attempt) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(a.ctx), storeTimeout)
}

func (a *attempt) storeFailed(op string, err error) state {
	a.o.log.Error("attempt store unavailable, denying",
		"request_id", a.decision.RequestID, "op", op, "error", err)
	return a.deny(ReasonStoreUnavailable)
}

// lockedNow reports a lockout set by a concurrent request. The counter is
// left as the other request wrote it.
func (a *attempt) lockedNow(ctx context.Context) state {
	if rec, err := a.store.Get(ctx, a.req.User); err == nil {
		a.setRecord(rec)
	}
	return a.terminal(LockedOut, ReasonLockedOut)
}

func (a *attempt) setRecord(rec attempts.Record) {
	a.decision.Failures = rec.ConsecutiveFailures
	a.decision.LockedUntil = rec.LockedUntil
}

func (a *attempt) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.o.log.Warn("failed to close attempt store", "error", err)
	}
	a.store = nil
}
