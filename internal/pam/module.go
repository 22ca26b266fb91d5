// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pam

import (
	"context"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/jeranaias/touchid-sudo/internal/auth"
	"github.com/jeranaias/touchid-sudo/internal/logger"
	"github.com/jeranaias/touchid-sudo/internal/paths"
	"github.com/jeranaias/touchid-sudo/internal/policy"
)

// Messages shown to the user. They never say why biometric auth did not
// succeed.
const (
	MsgFallback = "Touch ID not used, enter your password."
	MsgDenied   = "Touch ID authentication failed."
)

// Authenticator decides one request. *auth.Orchestrator implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, req auth.Request) auth.Decision
}

// Factory builds the authenticator for one call from the module arguments.
type Factory func(args Args, log *slog.Logger) Authenticator

// TouchIDModule implements Module. Only Authenticate has logic.
type TouchIDModule struct {
	// NewAuthenticator defaults to an orchestrator over the root-owned
	// policy named by config=.
	NewAuthenticator Factory

	// Logger returns the logger for one call and a function to release it.
	// Defaults to syslog (AUTHPRIV).
	Logger func(debug bool) (*slog.Logger, func())

	// Getenv reads the process environment. Defaults to os.Getenv.
	Getenv func(string) string

	// Origin reports whether the login session is remote. Defaults to
	// DefaultOrigin.
	Origin SessionOrigin
}

var _ Module = (*TouchIDModule)(nil)

// DefaultAuthenticator builds the production orchestrator. Locations come
// from the policy and platform defaults only, never from the environment.
func DefaultAuthenticator(args Args, log *slog.Logger) Authenticator {
	return auth.New(policy.NewLoader(args.ConfigPath),
		auth.WithLocations(paths.Default()),
		auth.WithLogger(log),
	)
}

// Authenticate runs the orchestrator and maps its verdict to a PAM code.
func (m *TouchIDModule) Authenticate(h Handle, flags Flags, rawArgs []string) (code Code) {
	args := ParseArgs(rawArgs)

	newLogger := m.Logger
	if newLogger == nil {
		newLogger = logger.Syslog
	}
	log, closeLog := newLogger(args.Debug)
	defer closeLog()

	defer func() {
		if p := recover(); p != nil {
			log.Error("panic in pam_sm_authenticate", "panic", p, "stack", string(debug.Stack()))
			code = AuthErr
		}
	}()

	if len(args.Unknown) > 0 {
		log.Warn("ignoring unknown module arguments", "args", args.Unknown)
	}

	user, err := h.User()
	if err != nil {
		// The orchestrator denies an empty user and audits it.
		log.Warn("could not determine user", "error", err)
		user = ""
	}

	getenv := m.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	rhost := h.Item(ItemRHost)
	req := auth.Request{
		User:    user,
		Service: h.Item(ItemService),
		TTY:     h.Item(ItemTTY),
		RHost:   rhost,
		Remote:  IsRemote(rhost, h.Getenv, getenv) || m.remoteSession(log),
	}

	factory := m.NewAuthenticator
	if factory == nil {
		factory = DefaultAuthenticator
	}
	d := factory(args, log).Authenticate(context.Background(), req)

	code = CodeFor(d.Verdict)
	if code != Success && flags&FlagSilent == 0 {
		msg := MsgDenied
		if code == Ignore {
			msg = MsgFallback
		}
		if err := h.Info(msg); err != nil {
			log.Debug("conversation failed", "error", err)
		}
	}
	log.Debug("pam_sm_authenticate returning", "code", code, "request_id", d.RequestID)
	return code
}

// remoteSession asks the session origin. A session whose origin cannot be
// established counts as remote.
func (m *TouchIDModule) remoteSession(log *slog.Logger) bool {
	origin := m.Origin
	if origin == nil {
		origin = DefaultOrigin
	}
	o, err := origin()
	if err != nil {
		log.Warn("session origin unknown, treating as remote", "error", err)
		return true
	}
	if o.Remote {
		log.Debug("remote session", "evidence", o.Evidence)
	}
	return o.Remote
}

// SetCredentials has nothing to establish.
func (m *TouchIDModule) SetCredentials(Handle, Flags, []string) Code { return Ignore }

// OpenSession is not used; the module is auth-only.
func (m *TouchIDModule) OpenSession(Handle, Flags, []string) Code { return Ignore }

// CloseSession is not used; the module is auth-only.
func (m *TouchIDModule) CloseSession(Handle, Flags, []string) Code { return Ignore }

// CodeFor maps a verdict to the PAM code the sudo stack acts on. Ignore
// falls through to the password module under both registrations. Under
// Linux-PAM's [success=done ignore=ignore default=die] AuthErr and MaxTries
// end the stack. Under OpenPAM's binding they fail the request once the
// rest of the chain has run.
func CodeFor(v auth.Verdict) Code {
	switch v {
	case auth.Granted:
		return Success
	case auth.FallbackRequested:
		return Ignore
	case auth.LockedOut:
		return MaxTries
	default:
		return AuthErr
	}
}
