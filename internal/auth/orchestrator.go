// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package auth decides a single sudo authentication: biometric match,
// password fallback, denial or lockout.
//
// The Orchestrator is stateless between calls. Everything that must outlive
// a request lives in the attempt store, which is opened and closed per call.
package auth

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/touchid-sudo/internal/attempts"
	"github.com/jeranaias/touchid-sudo/internal/audit"
	"github.com/jeranaias/touchid-sudo/internal/biometric"
	"github.com/jeranaias/touchid-sudo/internal/logger"
	"github.com/jeranaias/touchid-sudo/internal/paths"
	"github.com/jeranaias/touchid-sudo/internal/policy"
)

// storeTimeout bounds each store operation. Store writes run detached from
// the caller's context so a cancelled prompt is still counted.
const storeTimeout = attempts.DefaultLockTimeout

// =============================================================================
// COLLABORATORS
// =============================================================================

// PolicySource loads the policy for one request. *policy.Loader implements it.
type PolicySource interface {
	Load() (*policy.Config, error)
}

// StoreOpener opens the attempt store the policy points at.
type StoreOpener func(cfg *policy.Config) (attempts.Store, error)

// CapabilityFactory returns the biometric capability the policy points at.
type CapabilityFactory func(cfg *policy.Config) biometric.Capability

// SinkFactory returns the audit sink for an audit log path.
type SinkFactory func(auditPath string) audit.Sink

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator runs the authentication state machine.
type Orchestrator struct {
	policy     PolicySource
	locations  paths.Locations
	openStore  StoreOpener
	capability CapabilityFactory
	sink       SinkFactory
	now        func() time.Time
	newID      func() string
	log        *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLocations sets the default state and audit locations used when the
// policy does not name them (and for auditing when the policy is unusable).
func WithLocations(loc paths.Locations) Option {
	return func(o *Orchestrator) {
		o.locations = loc
	}
}

// WithStoreOpener overrides how the attempt store is opened.
func WithStoreOpener(fn StoreOpener) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.openStore = fn
		}
	}
}

// WithCapability overrides how the biometric capability is obtained.
func WithCapability(fn CapabilityFactory) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.capability = fn
		}
	}
}

// WithSink overrides how the audit sink is built.
func WithSink(fn SinkFactory) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.sink = fn
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the operational logger. User names are masked.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = logger.OrNop(l)
	}
}

// New returns an Orchestrator reading its policy from source.
func New(source PolicySource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		policy:    source,
		locations: paths.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.openStore == nil {
		o.openStore = o.defaultStore
	}
	if o.capability == nil {
		o.capability = defaultCapability
	}
	if o.sink == nil {
		o.sink = o.defaultSink
	}
	return o
}

func (o *Orchestrator) defaultStore(cfg *policy.Config) (attempts.Store, error) {
	return attempts.Open(cfg.Store.Backend, cfg.StateLocation(o.locations),
		attempts.WithLogger(o.log),
		attempts.WithClock(o.now),
	)
}

func defaultCapability(cfg *policy.Config) biometric.Capability {
	return biometric.NewHelperCapability(cfg.Biometric.Helper)
}

func (o *Orchestrator) defaultSink(auditPath string) audit.Sink {
	return audit.Multi{
		audit.NewFileSink(auditPath, audit.WithLogger(o.log), audit.WithClock(o.now)),
		audit.LogSink{Log: o.log},
	}
}

// Authenticate decides req. It never panics and always records exactly one
// audit entry.
func (o *Orchestrator) Authenticate(ctx context.Context, req Request) (d Decision) {
	if req.Time.IsZero() {
		req.Time = o.now()
	}
	a := &attempt{
		o:         o,
		ctx:       ctx,
		req:       req,
		auditPath: o.locations.AuditLog,
		decision:  Decision{RequestID: o.newID()},
	}

	defer func() {
		if p := recover(); p != nil {
			o.log.Error("panic during authentication",
				"request_id", a.decision.RequestID, "panic", p, "stack", string(debug.Stack()))
			a.decision = Decision{
				Verdict:   Denied,
				Reason:    ReasonInternalError,
				RequestID: a.decision.RequestID,
			}
		}
		a.closeStore()
		o.record(a)
		d = a.decision
	}()

	a.run()
	return a.decision
}

// record writes the audit entry. A failing sink cannot change the verdict.
// The default sink also mirrors the entry to the operational log, so the
// decision is not logged here.
func (o *Orchestrator) record(a *attempt) {
	defer func() {
		if p := recover(); p != nil {
			o.log.Error("panic in audit sink", "request_id", a.decision.RequestID, "panic", p)
		}
	}()

	d := a.decision
	sink := o.sink(a.auditPath)
	if sink == nil {
		return
	}
	sink.Record(audit.Entry{
		Timestamp:   a.req.Time,
		RequestID:   d.RequestID,
		User:        a.req.User,
		Verdict:     string(d.Verdict),
		Reason:      string(d.Reason),
		Biometric:   string(d.Biometric),
		Failures:    d.Failures,
		LockedUntil: d.LockedUntil,
		Service:     a.req.Service,
		TTY:         a.req.TTY,
		Remote:      a.req.Remote,
	})
}
